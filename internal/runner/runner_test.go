// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbatch/qq/internal/informer"
	"github.com/qqbatch/qq/pkg/archive"
	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/jobrecord"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/loop"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/state"
)

const fakeBackendName = "faketest"

// fakeBackend is a minimal batch.Backend double. Its ScratchDir and
// GetJob responses are configured per-instance; New() always resolves a
// zero-value one through the registry below, so tests that need a
// particular response construct a Runner by hand instead of via New.
type fakeBackend struct {
	scratchDir string
	scratchErr error
	nodes      []string
}

func (b *fakeBackend) Name() string      { return fakeBackendName }
func (b *fakeBackend) IsAvailable() bool { return true }
func (b *fakeBackend) ScratchDir(context.Context, string) (string, error) {
	if b.scratchErr != nil {
		return "", b.scratchErr
	}
	return b.scratchDir, nil
}
func (b *fakeBackend) Submit(context.Context, batch.SubmitRequest) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (b *fakeBackend) Kill(context.Context, string) error      { return nil }
func (b *fakeBackend) KillForce(context.Context, string) error { return nil }
func (b *fakeBackend) GetJob(context.Context, string) (batch.JobInfo, error) {
	return batch.JobInfo{State: state.BatchRunning, Nodes: b.nodes}, nil
}
func (b *fakeBackend) GetUnfinishedJobs(context.Context, string) ([]batch.JobInfo, error) {
	return nil, nil
}
func (b *fakeBackend) GetJobs(context.Context, string) ([]batch.JobInfo, error) { return nil, nil }
func (b *fakeBackend) GetAllUnfinishedJobs(context.Context) ([]batch.JobInfo, error) {
	return nil, nil
}
func (b *fakeBackend) GetAllJobs(context.Context) ([]batch.JobInfo, error)      { return nil, nil }
func (b *fakeBackend) GetQueues(context.Context) ([]batch.QueueInfo, error)     { return nil, nil }
func (b *fakeBackend) GetNodes(context.Context) ([]batch.NodeInfo, error)       { return nil, nil }
func (b *fakeBackend) TransformResources(string, resources.Resources) (resources.Resources, error) {
	return resources.Resources{}, nil
}

func init() {
	batch.Register(fakeBackendName, func(logging.Logger) batch.Backend {
		return &fakeBackend{}
	})
}

// fakeFS is a remotefs.FS double that performs no network or rsync I/O;
// it just counts sync calls so tests can assert they happened.
type fakeFS struct {
	syncExcludingCalls int
}

func (f *fakeFS) ReadFile(_ context.Context, _, path string) ([]byte, error) { return os.ReadFile(path) }
func (f *fakeFS) WriteFile(_ context.Context, _, path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
func (f *fakeFS) MakeDir(_ context.Context, _, path string) error { return os.MkdirAll(path, 0o755) }
func (f *fakeFS) ListDir(context.Context, string, string) ([]string, error) { return nil, nil }
func (f *fakeFS) MoveFiles(context.Context, string, []string, []string) error { return nil }
func (f *fakeFS) IsShared(string) bool { return true }
func (f *fakeFS) SyncExcluding(context.Context, string, string, *string, *string, []string) error {
	f.syncExcludingCalls++
	return nil
}
func (f *fakeFS) SyncIncluding(context.Context, string, string, *string, *string, []string) error {
	return nil
}

func baseRecord(t *testing.T, dir string) *jobrecord.Record {
	t.Helper()
	host, err := os.Hostname()
	require.NoError(t, err)
	return &jobrecord.Record{
		BatchSystem:    fakeBackendName,
		JobID:          "7.vbs",
		JobName:        "job.sh",
		ScriptName:     "job.sh",
		JobType:        jobrecord.Standard,
		InputMachine:   host,
		InputDir:       dir,
		JobState:       state.NaiveQueued,
		SubmissionTime: time.Now(),
		StdoutFile:     "job.sh.out",
		StderrFile:     "job.sh.err",
		Resources:      resources.Resources{},
	}
}

func newTestRunner(t *testing.T, dir string, record *jobrecord.Record, backend batch.Backend) *Runner {
	t.Helper()
	host, err := os.Hostname()
	require.NoError(t, err)

	infoFile := filepath.Join(dir, record.ScriptName+qconfig.InfoSuffix)
	require.NoError(t, record.Save(infoFile))

	return &Runner{
		cfg:          qconfig.NewDefault(),
		logger:       logging.NoOpLogger{},
		fs:           &fakeFS{},
		backend:      backend,
		inputDir:     dir,
		inputMachine: host,
		localHost:    host,
		infoFile:     infoFile,
		useScratch:   record.Resources.UsesScratch(),
	}
}

func TestNew_LoadsRecordAndResolvesBackend(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	infoFile := filepath.Join(dir, "job.sh.qqinfo")
	require.NoError(t, record.Save(infoFile))

	r, err := New(context.Background(), Options{
		InfoFile:     infoFile,
		InputMachine: record.InputMachine,
		Config:       qconfig.NewDefault(),
		Logger:       logging.NoOpLogger{},
	})
	require.NoError(t, err)
	defer close(r.sigCh)

	assert.Equal(t, fakeBackendName, r.backend.Name())
	assert.Equal(t, "7.vbs", r.informer.Record.JobID)
	assert.False(t, r.useScratch)
	assert.Nil(t, r.archiver)
}

func TestNew_LoopTidiesStaleRuntimeFiles(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")

	record := baseRecord(t, dir)
	record.JobType = jobrecord.Loop
	record.LoopInfo = &loop.Info{Start: 0, End: 10, Current: 2, Archive: archiveDir, ArchiveFormat: "+%04d"}
	infoFile := filepath.Join(dir, "job.sh+0002.qqinfo")
	require.NoError(t, record.Save(infoFile))

	stale := filepath.Join(dir, "job.sh.out")
	require.NoError(t, os.WriteFile(stale, []byte("stale stdout"), 0o644))

	r, err := New(context.Background(), Options{
		InfoFile:     infoFile,
		InputMachine: record.InputMachine,
		Config:       qconfig.NewDefault(),
		Logger:       logging.NoOpLogger{},
	})
	require.NoError(t, err)
	defer close(r.sigCh)

	require.NotNil(t, r.archiver)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(archiveDir, "job.sh+0001.out"))
}

func TestUpdateInfoKilled(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})

	r.updateInfoKilled()

	reloaded, err := jobrecord.Load(r.infoFile)
	require.NoError(t, err)
	assert.Equal(t, state.NaiveKilled, reloaded.JobState)
}

func TestCleanup_OnlyRunsOnce(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})

	r.cleanup()
	assert.True(t, r.cleanedUp.Load())

	reloaded, err := jobrecord.Load(r.infoFile)
	require.NoError(t, err)
	require.NoError(t, reloaded.Save(r.infoFile)) // rewrite untouched, state stays KILLED

	r.cleanup() // second call must be a no-op
	again, err := jobrecord.Load(r.infoFile)
	require.NoError(t, err)
	assert.Equal(t, state.NaiveKilled, again.JobState)
}

func TestUpdateInfoFailed(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})

	err := r.updateInfoFailed(context.Background(), 17)
	require.NoError(t, err)

	reloaded, loadErr := jobrecord.Load(r.infoFile)
	require.NoError(t, loadErr)
	assert.Equal(t, state.NaiveFailed, reloaded.JobState)
	require.NotNil(t, reloaded.JobExitCode)
	assert.Equal(t, 17, *reloaded.JobExitCode)
}

func TestUpdateInfoFinished(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})

	err := r.updateInfoFinished(context.Background())
	require.NoError(t, err)

	reloaded, loadErr := jobrecord.Load(r.infoFile)
	require.NoError(t, loadErr)
	assert.Equal(t, state.NaiveFinished, reloaded.JobState)
	require.NotNil(t, reloaded.JobExitCode)
	assert.Equal(t, 0, *reloaded.JobExitCode)
}

func TestUpdateInfoRunning(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	backend := &fakeBackend{nodes: []string{"n1", "n2"}}
	r := newTestRunner(t, dir, record, backend)
	r.informer = informer.New(record, backend)
	r.workDir = dir

	err := r.updateInfoRunning(context.Background())
	require.NoError(t, err)

	reloaded, loadErr := jobrecord.Load(r.infoFile)
	require.NoError(t, loadErr)
	assert.Equal(t, state.NaiveRunning, reloaded.JobState)
	require.NotNil(t, reloaded.MainNode)
	assert.Equal(t, r.localHost, *reloaded.MainNode)
	assert.Equal(t, []string{"n1", "n2"}, reloaded.AllNodes)
}

func TestUpdateInfoRunning_FailsWhenAlreadyKilled(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	record.JobState = state.NaiveKilled
	backend := &fakeBackend{}
	r := newTestRunner(t, dir, record, backend)
	r.informer = informer.New(record, backend)

	err := r.updateInfoRunning(context.Background())
	assert.Error(t, err)
}

func TestSetUpSharedDir(t *testing.T) {
	origWD, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(origWD)

	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})

	require.NoError(t, r.setUpSharedDir(context.Background()))
	assert.Equal(t, dir, r.workDir)
}

func TestSetUpScratchDir(t *testing.T) {
	origWD, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(origWD)

	dir := t.TempDir()
	scratchRoot := filepath.Join(dir, "scratch")
	record := baseRecord(t, dir)
	backend := &fakeBackend{scratchDir: scratchRoot}
	fs := &fakeFS{}

	r := newTestRunner(t, dir, record, backend)
	r.fs = fs
	r.informer = informer.New(record, backend)

	require.NoError(t, r.setUpScratchDir(context.Background()))

	want := filepath.Join(scratchRoot, qconfig.ScratchDirInner)
	assert.Equal(t, want, r.workDir)
	assert.DirExists(t, want)
	assert.Equal(t, 1, fs.syncExcludingCalls)
}

func TestPrepare_RestoresFromArchive(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "job.sh+0002.out"), []byte("partial output from a previous attempt"), 0o644))

	record := baseRecord(t, dir)
	record.JobType = jobrecord.Loop
	record.LoopInfo = &loop.Info{Start: 0, End: 10, Current: 2, Archive: archiveDir, ArchiveFormat: "+%04d"}

	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})
	a, err := archive.New(archiveDir, "+%04d", "job.sh")
	require.NoError(t, err)
	r.archiver = a

	origWD, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(origWD)

	require.NoError(t, r.Prepare(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "job.sh.out"))
}

func TestExecute_RunsScriptAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.sh"), []byte("#!/bin/bash\necho hello\n"), 0o755))

	record := baseRecord(t, dir)
	backend := &fakeBackend{nodes: []string{"n1"}}
	r := newTestRunner(t, dir, record, backend)
	r.informer = informer.New(record, backend)
	r.workDir = dir

	code, err := r.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	out, err := os.ReadFile(filepath.Join(dir, "job.sh.out"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")
}

func TestFinalize_NonZeroExitMarksFailed(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})
	r.workDir = dir

	err := r.Finalize(context.Background(), 3)
	require.NoError(t, err)

	reloaded, loadErr := jobrecord.Load(r.infoFile)
	require.NoError(t, loadErr)
	assert.Equal(t, state.NaiveFailed, reloaded.JobState)
	require.NotNil(t, reloaded.JobExitCode)
	assert.Equal(t, 3, *reloaded.JobExitCode)
}

func TestFinalize_SuccessNoLoop(t *testing.T) {
	dir := t.TempDir()
	record := baseRecord(t, dir)
	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})
	r.workDir = dir

	err := r.Finalize(context.Background(), 0)
	require.NoError(t, err)

	reloaded, loadErr := jobrecord.Load(r.infoFile)
	require.NoError(t, loadErr)
	assert.Equal(t, state.NaiveFinished, reloaded.JobState)
}

func TestFinalize_LoopFinalCycleDoesNotResubmit(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))

	record := baseRecord(t, dir)
	record.JobType = jobrecord.Loop
	record.LoopInfo = &loop.Info{Start: 0, End: 2, Current: 2, Archive: archiveDir, ArchiveFormat: "+%04d"}

	r := newTestRunner(t, dir, record, &fakeBackend{})
	r.informer = informer.New(record, &fakeBackend{})
	a, err := archive.New(archiveDir, "+%04d", "job.sh")
	require.NoError(t, err)
	r.archiver = a
	r.workDir = dir

	// Only the stdout/stderr files that exist get archived; create them
	// so ToArchive has something to move.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.sh.out"), []byte("done"), 0o644))

	err = r.Finalize(context.Background(), 0)
	require.NoError(t, err)

	reloaded, loadErr := jobrecord.Load(r.infoFile)
	require.NoError(t, loadErr)
	assert.Equal(t, state.NaiveFinished, reloaded.JobState)
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, qconfig.ExitRunnerCommunication, exitCodeFor(qerrors.Communication(nil, "job has been killed")))
	assert.Equal(t, qconfig.ExitUnexpected, exitCodeFor(fmt.Errorf("plain error")))
}
