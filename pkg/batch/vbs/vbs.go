// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package vbs

import (
	"context"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/size"
	"github.com/qqbatch/qq/pkg/state"
)

func init() {
	batch.RegisterOrdered("vbs", func(logger logging.Logger) batch.Backend {
		return New(logger)
	})
}

// sharedSystem backs every Backend instance the process creates, the way
// QQVBS._batch_system is a single class-level instance shared by all
// callers. A new process (and so every test run) starts from an empty
// registry.
var sharedSystem = newSystem()

// Backend implements batch.Backend with an in-process virtual scheduler:
// no binaries, no network, jobs run as goroutines against temporary
// "node" directories.
type Backend struct {
	logger logging.Logger
	sys    *system
}

// New builds a VBS backend. All instances share the same underlying job
// registry, matching the teacher's class-level _batch_system.
func New(logger logging.Logger) *Backend {
	return &Backend{logger: logger, sys: sharedSystem}
}

func (b *Backend) Name() string { return "vbs" }

// IsAvailable is always true: VBS needs no external tooling.
func (b *Backend) IsAvailable() bool { return true }

func (b *Backend) ScratchDir(_ context.Context, jobID string) (string, error) {
	j, ok := b.sys.job(jobID)
	if !ok {
		return "", qerrors.Environmental("job %q does not exist", jobID)
	}
	snap := j.snapshot()
	if snap.scratch == "" {
		return "", qerrors.Environmental("job %q does not have a scratch directory", jobID)
	}
	return snap.scratch, nil
}

// Submit registers the job and immediately launches it — VBS has no
// separate queued-vs-running scheduling delay unless Freeze is used.
func (b *Backend) Submit(ctx context.Context, req batch.SubmitRequest) (string, error) {
	useScratch := req.Resources.WorkDir != nil && *req.Resources.WorkDir != resources.WorkDirInputDir &&
		*req.Resources.WorkDir != resources.WorkDirJobDir
	id, err := b.sys.submit(req.Script, useScratch)
	if err != nil {
		return "", qerrors.Submission(err, "failed to submit script %q", req.Script)
	}
	if err := b.sys.run(ctx, id, false); err != nil {
		return "", qerrors.Submission(err, "failed to run script %q", req.Script)
	}
	return id, nil
}

// Freeze submits and runs job but blocks it just before it transitions
// to RUNNING, until Unfreeze is called — a test affordance with no
// scheduler-side equivalent.
func (b *Backend) Freeze(ctx context.Context, req batch.SubmitRequest) (string, error) {
	useScratch := req.Resources.WorkDir != nil && *req.Resources.WorkDir != resources.WorkDirInputDir &&
		*req.Resources.WorkDir != resources.WorkDirJobDir
	id, err := b.sys.submit(req.Script, useScratch)
	if err != nil {
		return "", qerrors.Submission(err, "failed to submit script %q", req.Script)
	}
	if err := b.sys.run(ctx, id, true); err != nil {
		return "", qerrors.Submission(err, "failed to run script %q", req.Script)
	}
	return id, nil
}

// Unfreeze releases a job submitted through Freeze so it can proceed to
// RUNNING and complete.
func (b *Backend) Unfreeze(jobID string) error {
	if err := b.sys.unfreeze(jobID); err != nil {
		return qerrors.Validation("%s", err.Error())
	}
	return nil
}

func (b *Backend) Kill(_ context.Context, jobID string) error {
	if err := b.sys.kill(jobID, false); err != nil {
		return qerrors.Communication(err, "failed to kill job %q", jobID)
	}
	return nil
}

func (b *Backend) KillForce(_ context.Context, jobID string) error {
	if err := b.sys.kill(jobID, true); err != nil {
		return qerrors.Communication(err, "failed to kill job %q", jobID)
	}
	return nil
}

func (b *Backend) GetJob(_ context.Context, jobID string) (batch.JobInfo, error) {
	j, ok := b.sys.job(jobID)
	if !ok {
		return jobInfoFromVirtualJob(jobID, nil), nil
	}
	snap := j.snapshot()
	return jobInfoFromVirtualJob(jobID, &snap), nil
}

// GetUnfinishedJobs, GetJobs, GetAllUnfinishedJobs, and GetAllJobs don't
// distinguish by user: VBS jobs carry no ownership concept, mirroring
// how QQVBS never models a submitting user.
func (b *Backend) GetUnfinishedJobs(ctx context.Context, _ string) ([]batch.JobInfo, error) {
	return b.allJobs(func(s state.BatchState) bool {
		return s != state.BatchFinished && s != state.BatchFailed
	})
}

func (b *Backend) GetJobs(ctx context.Context, _ string) ([]batch.JobInfo, error) {
	return b.allJobs(nil)
}

func (b *Backend) GetAllUnfinishedJobs(ctx context.Context) ([]batch.JobInfo, error) {
	return b.allJobs(func(s state.BatchState) bool {
		return s != state.BatchFinished && s != state.BatchFailed
	})
}

func (b *Backend) GetAllJobs(ctx context.Context) ([]batch.JobInfo, error) {
	return b.allJobs(nil)
}

func (b *Backend) allJobs(filter func(state.BatchState) bool) ([]batch.JobInfo, error) {
	b.sys.mu.Lock()
	ids := make([]string, 0, len(b.sys.jobs))
	for id := range b.sys.jobs {
		ids = append(ids, id)
	}
	b.sys.mu.Unlock()

	var out []batch.JobInfo
	for _, id := range ids {
		j, ok := b.sys.job(id)
		if !ok {
			continue
		}
		snap := j.snapshot()
		if filter != nil && !filter(snap.state) {
			continue
		}
		out = append(out, jobInfoFromVirtualJob(id, &snap))
	}
	return out, nil
}

// GetQueues reports a single synthetic "default" queue: VBS has no
// concept of multiple queues.
func (b *Backend) GetQueues(ctx context.Context) ([]batch.QueueInfo, error) {
	return []batch.QueueInfo{{Name: "default"}}, nil
}

// GetNodes reports the temporary directories currently standing in for
// compute nodes.
func (b *Backend) GetNodes(ctx context.Context) ([]batch.NodeInfo, error) {
	b.sys.mu.Lock()
	nodes := append([]string{}, b.sys.nodes...)
	b.sys.mu.Unlock()

	infinite, _ := size.New(0, "kb")
	out := make([]batch.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, batch.NodeInfo{
			Name: n, NCPUs: 1, NFreeCPUs: 1,
			CPUMemory: infinite, FreeCPUMemory: infinite,
		})
	}
	return out, nil
}

// TransformResources merges provided with a fixed server default,
// mirroring QQVBS.transformResources (no queue-specific defaults exist).
func (b *Backend) TransformResources(_ string, provided resources.Resources) (resources.Resources, error) {
	defaults := defaultResources()
	merged := resources.MergeResources(&provided, &defaults)
	return *merged, nil
}

func defaultResources() resources.Resources {
	nnodes, ncpus := 1, 1
	memPerCPU, _ := size.New(1, "gb")
	workSizePerCPU, _ := size.New(1, "gb")
	walltime, _ := duration.ParseCompact("1d")
	workDir := resources.WorkDirScratchLocal
	return resources.Resources{
		NNodes:         &nnodes,
		NCPUs:          &ncpus,
		MemPerCPU:      &memPerCPU,
		WorkDir:        &workDir,
		WorkSizePerCPU: &workSizePerCPU,
		Walltime:       &walltime,
	}
}

// ClearJobs drops every tracked job without touching their goroutines —
// a test-only reset, mirroring VirtualBatchSystem.clearJobs.
func (b *Backend) ClearJobs() { b.sys.clear() }

// Cleanup removes every temporary node directory this system created,
// mirroring VirtualBatchSystem.__del__.
func (b *Backend) Cleanup() { b.sys.cleanup() }
