// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package informer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/jobrecord"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/state"
)

// countingBackend returns a fixed JobInfo from GetJob and counts how many
// times it was called, so tests can assert on the Informer's caching.
type countingBackend struct {
	info  batch.JobInfo
	err   error
	calls int
}

func (b *countingBackend) Name() string      { return "fake" }
func (b *countingBackend) IsAvailable() bool { return true }
func (b *countingBackend) ScratchDir(context.Context, string) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (b *countingBackend) Submit(context.Context, batch.SubmitRequest) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (b *countingBackend) Kill(context.Context, string) error      { return nil }
func (b *countingBackend) KillForce(context.Context, string) error { return nil }
func (b *countingBackend) GetJob(context.Context, string) (batch.JobInfo, error) {
	b.calls++
	if b.err != nil {
		return batch.JobInfo{}, b.err
	}
	return b.info, nil
}
func (b *countingBackend) GetUnfinishedJobs(context.Context, string) ([]batch.JobInfo, error) {
	return nil, nil
}
func (b *countingBackend) GetJobs(context.Context, string) ([]batch.JobInfo, error) { return nil, nil }
func (b *countingBackend) GetAllUnfinishedJobs(context.Context) ([]batch.JobInfo, error) {
	return nil, nil
}
func (b *countingBackend) GetAllJobs(context.Context) ([]batch.JobInfo, error) { return nil, nil }
func (b *countingBackend) GetQueues(context.Context) ([]batch.QueueInfo, error) { return nil, nil }
func (b *countingBackend) GetNodes(context.Context) ([]batch.NodeInfo, error)   { return nil, nil }
func (b *countingBackend) TransformResources(string, resources.Resources) (resources.Resources, error) {
	return resources.Resources{}, nil
}

func newRecord(naive state.NaiveState) *jobrecord.Record {
	return &jobrecord.Record{
		JobID:          "7.vbs",
		JobName:        "run.sh",
		ScriptName:     "run.sh",
		JobType:        jobrecord.Standard,
		JobState:       naive,
		SubmissionTime: time.Now(),
		Resources:      resources.Resources{},
	}
}

func TestGetRealState_ShortCircuitsOnUnknown(t *testing.T) {
	backend := &countingBackend{}
	inf := New(newRecord(state.NaiveUnknown), backend)

	real, err := inf.GetRealState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.RealUnknown, real)
	assert.Equal(t, 0, backend.calls)
}

func TestGetRealState_QueriesBackend(t *testing.T) {
	backend := &countingBackend{info: batch.JobInfo{State: state.BatchRunning}}
	inf := New(newRecord(state.NaiveQueued), backend)

	real, err := inf.GetRealState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.RealBooting, real)
	assert.Equal(t, 1, backend.calls)
}

func TestBatchJobInfo_CachedAcrossQueries(t *testing.T) {
	comment := "waiting for resources"
	backend := &countingBackend{info: batch.JobInfo{State: state.BatchQueued, Comment: &comment}}
	inf := New(newRecord(state.NaiveQueued), backend)

	_, err := inf.GetRealState(context.Background())
	require.NoError(t, err)
	got, err := inf.GetComment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, comment, got)

	assert.Equal(t, 1, backend.calls, "the second query should reuse the cached batch info")
}

func TestGetMainNode_Empty(t *testing.T) {
	backend := &countingBackend{info: batch.JobInfo{State: state.BatchRunning}}
	inf := New(newRecord(state.NaiveRunning), backend)

	node, err := inf.GetMainNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", node)
}

func TestGetNodes(t *testing.T) {
	backend := &countingBackend{info: batch.JobInfo{State: state.BatchRunning, Nodes: []string{"n1", "n2"}}}
	inf := New(newRecord(state.NaiveRunning), backend)

	nodes, err := inf.GetNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, nodes)
}

func TestSetRunning(t *testing.T) {
	inf := New(newRecord(state.NaiveQueued), &countingBackend{})
	now := time.Now()

	inf.SetRunning(now, "node1", []string{"node1", "node2"}, "/scratch/job7")

	assert.Equal(t, state.NaiveRunning, inf.Record.JobState)
	require.NotNil(t, inf.Record.MainNode)
	assert.Equal(t, "node1", *inf.Record.MainNode)
	assert.Equal(t, []string{"node1", "node2"}, inf.Record.AllNodes)

	mainNode, workDir, ok := inf.GetDestination()
	assert.True(t, ok)
	assert.Equal(t, "node1", mainNode)
	assert.Equal(t, "/scratch/job7", workDir)
}

func TestSetFinishedAndFailed(t *testing.T) {
	inf := New(newRecord(state.NaiveRunning), &countingBackend{})
	now := time.Now()

	inf.SetFinished(now)
	assert.Equal(t, state.NaiveFinished, inf.Record.JobState)
	require.NotNil(t, inf.Record.JobExitCode)
	assert.Equal(t, 0, *inf.Record.JobExitCode)

	inf2 := New(newRecord(state.NaiveRunning), &countingBackend{})
	inf2.SetFailed(now, 17)
	assert.Equal(t, state.NaiveFailed, inf2.Record.JobState)
	require.NotNil(t, inf2.Record.JobExitCode)
	assert.Equal(t, 17, *inf2.Record.JobExitCode)
}

func TestSetKilled(t *testing.T) {
	inf := New(newRecord(state.NaiveRunning), &countingBackend{})
	inf.SetKilled(time.Now())
	assert.Equal(t, state.NaiveKilled, inf.Record.JobState)
	assert.Nil(t, inf.Record.JobExitCode)
}

func TestIsJob_IgnoresDotSuffix(t *testing.T) {
	record := newRecord(state.NaiveQueued)
	record.JobID = "123.pbs-server"

	assert.True(t, IsJob(record, "123"))
	assert.True(t, IsJob(record, "123.otherserver"))
	assert.False(t, IsJob(record, "124"))
}

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh.qqinfo")

	record := newRecord(state.NaiveQueued)
	require.NoError(t, record.Save(path))

	inf, err := Load(path, &countingBackend{})
	require.NoError(t, err)
	assert.Equal(t, "7.vbs", inf.Record.JobID)

	inf.SetKilled(time.Now())
	require.NoError(t, inf.Save(path))

	reloaded, err := jobrecord.Load(path)
	require.NoError(t, err)
	assert.Equal(t, state.NaiveKilled, reloaded.JobState)
}
