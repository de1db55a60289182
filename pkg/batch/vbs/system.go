// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package vbs implements an in-process "virtual batch system" backend:
// no scheduler binary, no subprocess — jobs run as goroutines against
// temporary directories standing in for compute nodes. It exists for
// tests and demos that need a working batch.Backend without PBS or
// Slurm installed.
package vbs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/qqbatch/qq/pkg/state"
)

// virtualJob is one job tracked by the system. freezeCh, when non-nil,
// blocks the worker goroutine between QUEUED and RUNNING until Unfreeze
// closes it.
type virtualJob struct {
	mu sync.Mutex

	id         string
	script     string
	useScratch bool

	state   state.BatchState
	node    string
	scratch string
	output  string
	exit    int

	cmd      *exec.Cmd
	freezeCh chan struct{}

	events chan<- jobEvent
}

// jobSnapshot is a lock-free point-in-time copy of a virtualJob's
// observable fields, safe to read after the lock is released.
type jobSnapshot struct {
	id         string
	script     string
	useScratch bool
	state      state.BatchState
	node       string
	scratch    string
	output     string
	exit       int
	cmd        *exec.Cmd
}

func (j *virtualJob) snapshot() jobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return jobSnapshot{
		id:         j.id,
		script:     j.script,
		useScratch: j.useScratch,
		state:      j.state,
		node:       j.node,
		scratch:    j.scratch,
		output:     j.output,
		exit:       j.exit,
		cmd:        j.cmd,
	}
}

func (j *virtualJob) setState(s state.BatchState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	if j.events != nil {
		j.events <- jobEvent{JobID: j.id, State: s}
	}
}

// system is the registry of virtual jobs and the temporary node
// directories allocated for them.
type system struct {
	mu    sync.Mutex
	jobs  map[string]*virtualJob
	nodes []string

	watchers *hub
}

func newSystem() *system {
	return &system{
		jobs:     make(map[string]*virtualJob),
		watchers: newHub(),
	}
}

var errNotFound = fmt.Errorf("job does not exist")
var errNotFrozen = fmt.Errorf("job is not frozen or does not exist")
var errFinished = fmt.Errorf("job is already finished")

func (s *system) submit(script string, useScratch bool) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	s.jobs[id] = &virtualJob{
		id:         id,
		script:     script,
		useScratch: useScratch,
		state:      state.BatchQueued,
		events:     s.watchers.publishCh(),
	}
	s.mu.Unlock()

	return id, nil
}

func (s *system) job(id string) (*virtualJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// run assigns a scratch node to job id and starts it asynchronously. If
// freeze is true, the worker blocks right before transitioning to
// RUNNING until Unfreeze is called.
func (s *system) run(ctx context.Context, id string, freeze bool) error {
	j, ok := s.job(id)
	if !ok {
		return errNotFound
	}

	node, err := s.createNode()
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.node = node
	if j.useScratch {
		scratch := filepath.Join(node, j.id)
		if err := os.Mkdir(scratch, 0o755); err != nil {
			j.mu.Unlock()
			return fmt.Errorf("could not create a scratch directory for job %q: %w", j.id, err)
		}
		j.scratch = scratch
	}
	if freeze {
		j.freezeCh = make(chan struct{})
	}
	j.mu.Unlock()

	go s.worker(ctx, j)
	return nil
}

func (s *system) worker(ctx context.Context, j *virtualJob) {
	j.mu.Lock()
	freezeCh := j.freezeCh
	j.mu.Unlock()
	if freezeCh != nil {
		<-freezeCh
	}

	j.setState(state.BatchRunning)

	cmd := exec.CommandContext(ctx, j.script)
	j.mu.Lock()
	j.cmd = cmd
	j.mu.Unlock()

	out, runErr := cmd.CombinedOutput()

	j.mu.Lock()
	j.output = string(out)
	j.cmd = nil
	exitCode := 0
	if runErr != nil {
		exitCode = 1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	j.exit = exitCode
	j.mu.Unlock()

	if exitCode == 0 {
		j.setState(state.BatchFinished)
	} else {
		j.setState(state.BatchFailed)
	}
}

func (s *system) kill(id string, hard bool) error {
	j, ok := s.job(id)
	if !ok {
		return errNotFound
	}

	j.mu.Lock()
	switch j.state {
	case state.BatchFinished, state.BatchFailed:
		j.mu.Unlock()
		return errFinished
	}
	cmd := j.cmd
	j.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if hard {
			_ = cmd.Process.Kill()
		} else {
			_ = cmd.Process.Signal(os.Interrupt)
		}
	}

	j.setState(state.BatchFailed)
	j.mu.Lock()
	j.cmd = nil
	j.mu.Unlock()
	return nil
}

func (s *system) unfreeze(id string) error {
	j, ok := s.job(id)
	if !ok {
		return errNotFrozen
	}

	j.mu.Lock()
	ch := j.freezeCh
	j.freezeCh = nil
	j.mu.Unlock()

	if ch == nil {
		return errNotFrozen
	}
	close(ch)
	return nil
}

func (s *system) createNode() (string, error) {
	node, err := os.MkdirTemp("", "qq-vbs-node-")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.nodes = append(s.nodes, node)
	s.mu.Unlock()
	return node, nil
}

// clear removes every tracked job without touching their goroutines,
// mirroring VirtualBatchSystem.clearJobs.
func (s *system) clear() {
	s.mu.Lock()
	s.jobs = make(map[string]*virtualJob)
	s.mu.Unlock()
}

// cleanup removes every temporary node directory this system created.
func (s *system) cleanup() {
	s.mu.Lock()
	nodes := s.nodes
	s.nodes = nil
	s.mu.Unlock()
	for _, n := range nodes {
		_ = os.RemoveAll(n)
	}
}
