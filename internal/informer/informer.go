// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package informer is a thin façade over a loaded job record: it adds
// the handful of derived queries (real state, comment, estimated start,
// execution nodes) that require asking the batch backend, caching that
// one query per process lifetime, and the narrow state-transition
// mutators the Runner uses to rewrite the record in place.
package informer

import (
	"context"
	"strings"
	"time"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/jobrecord"
	"github.com/qqbatch/qq/pkg/state"
)

// Informer wraps a *jobrecord.Record with the batch backend needed to
// answer queries the record alone can't: the scheduler's current view of
// the job.
type Informer struct {
	Record  *jobrecord.Record
	backend batch.Backend

	batchInfo *batch.JobInfo
}

// New wraps an already-loaded record. backend is used lazily, only when
// a query that needs scheduler state is made.
func New(record *jobrecord.Record, backend batch.Backend) *Informer {
	return &Informer{Record: record, backend: backend}
}

// Load reads the job record at path and wraps it.
func Load(path string, backend batch.Backend) (*Informer, error) {
	record, err := jobrecord.Load(path)
	if err != nil {
		return nil, err
	}
	return New(record, backend), nil
}

// Save writes the record back to path.
func (i *Informer) Save(path string) error {
	return i.Record.Save(path)
}

// SetRunning marks the record RUNNING with the node/working-dir metadata
// the Runner discovers once the job actually starts executing.
func (i *Informer) SetRunning(t time.Time, mainNode string, allNodes []string, workDir string) {
	i.Record.JobState = state.NaiveRunning
	i.Record.StartTime = &t
	i.Record.MainNode = &mainNode
	i.Record.AllNodes = allNodes
	i.Record.WorkDir = &workDir
}

// SetFinished marks the record FINISHED with exit code 0.
func (i *Informer) SetFinished(t time.Time) {
	i.Record.JobState = state.NaiveFinished
	i.Record.CompletionTime = &t
	code := 0
	i.Record.JobExitCode = &code
}

// SetFailed marks the record FAILED with the child's exit code.
func (i *Informer) SetFailed(t time.Time, exitCode int) {
	i.Record.JobState = state.NaiveFailed
	i.Record.CompletionTime = &t
	i.Record.JobExitCode = &exitCode
}

// SetKilled marks the record KILLED. No exit code is set — the job never
// ran to completion under its own steam.
func (i *Informer) SetKilled(t time.Time) {
	i.Record.JobState = state.NaiveKilled
	i.Record.CompletionTime = &t
}

// UsesScratch reports whether this job's resources call for a scratch
// working directory rather than running in place.
func (i *Informer) UsesScratch() bool {
	return i.Record.Resources.UsesScratch()
}

// Kill asks the backend to terminate this job gracefully.
func (i *Informer) Kill(ctx context.Context) error {
	return i.backend.Kill(ctx, i.Record.JobID)
}

// KillForce asks the backend to terminate this job immediately, skipping
// any graceful signal.
func (i *Informer) KillForce(ctx context.Context) error {
	return i.backend.KillForce(ctx, i.Record.JobID)
}

// GetDestination returns the job's main node and working directory, if
// both have been recorded (i.e. the job has reached RUNNING).
func (i *Informer) GetDestination() (mainNode, workDir string, ok bool) {
	if i.Record.MainNode == nil || i.Record.WorkDir == nil {
		return "", "", false
	}
	return *i.Record.MainNode, *i.Record.WorkDir, true
}

// batchJobInfo queries the backend for this job's current state,
// caching the result for the Informer's lifetime so repeated derived
// queries (GetRealState, GetComment, ...) cost one scheduler round-trip.
func (i *Informer) batchJobInfo(ctx context.Context) (batch.JobInfo, error) {
	if i.batchInfo != nil {
		return *i.batchInfo, nil
	}
	info, err := i.backend.GetJob(ctx, i.Record.JobID)
	if err != nil {
		return batch.JobInfo{}, err
	}
	i.batchInfo = &info
	return info, nil
}

// GetRealState combines the record's naïve state with the backend's
// reported state. A naïve state of unknown short-circuits to
// state.RealUnknown without ever querying the backend.
func (i *Informer) GetRealState(ctx context.Context) (state.RealState, error) {
	if i.Record.JobState == state.NaiveUnknown {
		return state.RealUnknown, nil
	}

	info, err := i.batchJobInfo(ctx)
	if err != nil {
		return state.RealUnknown, err
	}
	return state.FromStates(i.Record.JobState, info.State), nil
}

// GetComment returns the backend-reported comment for this job, if any.
func (i *Informer) GetComment(ctx context.Context) (string, error) {
	info, err := i.batchJobInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.Comment == nil {
		return "", nil
	}
	return *info.Comment, nil
}

// GetEstimated returns the backend's predicted start time and node, if
// it reports one.
func (i *Informer) GetEstimated(ctx context.Context) (*batch.EstimatedStart, error) {
	info, err := i.batchJobInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Estimated, nil
}

// GetMainNode returns the job's main execution node as the backend
// itself currently reports it (not the value last written to the
// record).
func (i *Informer) GetMainNode(ctx context.Context) (string, error) {
	info, err := i.batchJobInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.MainNode == nil {
		return "", nil
	}
	return *info.MainNode, nil
}

// GetNodes returns every node the job is currently running on, as the
// backend reports it.
func (i *Informer) GetNodes(ctx context.Context) ([]string, error) {
	info, err := i.batchJobInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Nodes, nil
}

// IsJob reports whether id refers to the same job as this record,
// comparing only the portion before the first '.' (PBS job IDs carry a
// ".<server>" suffix that a user-supplied ID may omit).
func IsJob(record *jobrecord.Record, id string) bool {
	return strings.SplitN(record.JobID, ".", 2)[0] == strings.SplitN(id, ".", 2)[0]
}

// IsJob is the method form of the package function, for callers already
// holding an Informer.
func (i *Informer) IsJob(id string) bool {
	return IsJob(i.Record, id)
}
