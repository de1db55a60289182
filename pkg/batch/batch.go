// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package batch defines the contract every scheduler integration (PBS
// Pro, Slurm, the virtual backend) implements, and the registry used to
// select one by name, by environment variable, or by auto-detection.
package batch

import (
	"context"
	"os"
	"time"

	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/size"
	"github.com/qqbatch/qq/pkg/state"
)

// EnvBatchSystem is the environment variable qq reads to pick a backend
// without auto-detection.
const EnvBatchSystem = "QQ_BATCH_SYSTEM"

// JobInfo is a point-in-time snapshot of everything a scheduler reports
// about one job. Backends populate as many fields as their CLI tooling
// exposes; fields the scheduler does not report are left nil.
type JobInfo struct {
	Exists bool

	ID      string
	Name    *string
	User    *string
	Account *string
	Queue   *string
	Comment *string

	State   state.BatchState
	Estimated *EstimatedStart

	MainNode   *string
	Nodes      []string
	ShortNodes []string

	NCPUs  *int
	NGPUs  *int
	NNodes *int
	Mem    *size.Size

	SubmissionTime   *time.Time
	StartTime        *time.Time
	CompletionTime   *time.Time
	ModificationTime *time.Time
	Walltime         *time.Duration

	UtilCPUPercent *int
	UtilMemPercent *int
	ExitCode       *int

	InputDir     *string
	InputMachine *string
	InfoFile     *string

	Steps  []JobInfo
	StepID *string
}

// EstimatedStart is a scheduler's prediction of when a queued job will
// start and where.
type EstimatedStart struct {
	Time time.Time
	Node string
}

// QueueInfo describes one scheduler queue.
type QueueInfo struct {
	Name         string
	Priority     *int
	TotalJobs    int
	RunningJobs  int
	QueuedJobs   int
	OtherJobs    int
	MaxWalltime  *time.Duration
	Comment      string
	Destinations []string
	RouteOnly    bool
}

// NodeInfo describes one compute node's resource capacity.
type NodeInfo struct {
	Name string

	NCPUs     int
	NFreeCPUs int
	NGPUs     int
	NFreeGPUs int

	CPUMemory     size.Size
	FreeCPUMemory size.Size
	GPUMemory     size.Size
	FreeGPUMemory size.Size

	LocalScratch     size.Size
	FreeLocalScratch size.Size
	SSDScratch       size.Size
	FreeSSDScratch   size.Size
	SharedScratch    size.Size
	FreeSharedScratch size.Size

	Properties []string
}

// SubmitRequest bundles everything a backend needs to submit a job.
type SubmitRequest struct {
	Resources resources.Resources
	Queue     string
	Script    string
	JobName   string
	Depend    []dependency.Dependency
	EnvVars   map[string]string
}

// Backend is the contract every scheduler integration implements. All
// methods return a *qerrors.QQError on failure.
type Backend interface {
	// Name identifies the backend, e.g. "pbs", "slurm", "vbs".
	Name() string

	// IsAvailable reports whether this backend's tooling is present on
	// the current host.
	IsAvailable() bool

	// ScratchDir returns the scratch directory allocated for jobID.
	ScratchDir(ctx context.Context, jobID string) (string, error)

	Submit(ctx context.Context, req SubmitRequest) (jobID string, err error)
	Kill(ctx context.Context, jobID string) error
	KillForce(ctx context.Context, jobID string) error

	GetJob(ctx context.Context, jobID string) (JobInfo, error)
	GetUnfinishedJobs(ctx context.Context, user string) ([]JobInfo, error)
	GetJobs(ctx context.Context, user string) ([]JobInfo, error)
	GetAllUnfinishedJobs(ctx context.Context) ([]JobInfo, error)
	GetAllJobs(ctx context.Context) ([]JobInfo, error)

	GetQueues(ctx context.Context) ([]QueueInfo, error)
	GetNodes(ctx context.Context) ([]NodeInfo, error)

	// TransformResources returns a copy of provided with any
	// backend-specific defaults/adjustments applied for queue.
	TransformResources(queue string, provided resources.Resources) (resources.Resources, error)
}

// registry maps a backend's Name() to a constructor, populated by each
// backend package's init().
var registry = map[string]func(logging.Logger) Backend{}

// Register adds a backend constructor to the registry, keyed by name.
// Backend packages call this from their own init().
func Register(name string, ctor func(logging.Logger) Backend) {
	registry[name] = ctor
}

// registrationOrder preserves insertion order for Guess, since Go map
// iteration order is random and the reference implementation's guess
// scans registered backends in registration order.
var registrationOrder []string

// RegisterOrdered is like Register but also records name in
// registration order for Guess to scan deterministically.
func RegisterOrdered(name string, ctor func(logging.Logger) Backend) {
	Register(name, ctor)
	registrationOrder = append(registrationOrder, name)
}

// FromName builds the backend registered under name.
func FromName(name string, logger logging.Logger) (Backend, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, qerrors.Environmental("no batch system registered as %q", name)
	}
	return ctor(logger), nil
}

// Guess scans registered backends in registration order and returns the
// first one reporting itself available.
func Guess(logger logging.Logger) (Backend, error) {
	for _, name := range registrationOrder {
		b := registry[name](logger)
		if b.IsAvailable() {
			logger.Debug("guessed batch system", "name", name)
			return b, nil
		}
	}
	return nil, qerrors.Environmental("could not guess a batch system: none of the registered backends is available")
}

// FromEnvOrGuess checks EnvBatchSystem before falling back to Guess.
func FromEnvOrGuess(logger logging.Logger) (Backend, error) {
	if name := os.Getenv(EnvBatchSystem); name != "" {
		logger.Debug("using batch system from environment variable", "name", name)
		return FromName(name, logger)
	}
	return Guess(logger)
}

// Select obtains a backend by explicit name if given, else by
// environment variable or auto-detection.
func Select(name string, logger logging.Logger) (Backend, error) {
	if name != "" {
		return FromName(name, logger)
	}
	return FromEnvOrGuess(logger)
}
