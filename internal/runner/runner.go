// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner implements the Runner: the compute-node side of qq. It
// is invoked as the job's own process (the shebang on the submitted
// script resolves to "qq run"), and is responsible for loading the job's
// record, staging a working directory, running the user's script,
// reporting state transitions back into the record, and — for loop jobs
// — resubmitting the next cycle.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/qqbatch/qq/internal/informer"
	"github.com/qqbatch/qq/pkg/archive"
	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/jobrecord"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/remotefs"
	"github.com/qqbatch/qq/pkg/retry"
	"github.com/qqbatch/qq/pkg/state"
)

// Options configures a Runner. Everything here is read once, from the
// environment qq submit wrote into the job's process, and handed in by
// the `qq run` command.
type Options struct {
	InfoFile     string
	InputMachine string

	// FS is used to load/save the record when it lives on a host other
	// than the one the Runner is executing on. A nil FS defaults to
	// remotefs.New, and is never dereferenced when InfoFile is local.
	FS remotefs.FS

	Config *qconfig.Config
	Logger logging.Logger
}

// Runner drives one job's execution: staging its working directory,
// running its script, and recording every state transition into its
// qqinfo file.
type Runner struct {
	cfg    *qconfig.Config
	logger logging.Logger
	fs     remotefs.FS

	informer *informer.Informer
	backend  batch.Backend

	infoFile     string
	inputMachine string
	inputDir     string
	localHost    string

	useScratch bool
	archiver   *archive.Archiver

	workDir string
	process *exec.Cmd

	sigCh      chan os.Signal
	cleanedUp atomic.Bool
}

// New loads the job record named by opts.InfoFile, resolves its batch
// backend, and — for a loop job — prepares an Archiver (creating the
// archive directory) and, on a non-initial cycle, tidies any runtime
// files a previous cycle left behind.
// It installs a SIGTERM handler so a scheduler-issued kill is recorded
// as KILLED before the process is terminated.
func New(ctx context.Context, opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = qconfig.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	fs := opts.FS
	if fs == nil {
		fs = remotefs.New(logger)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, qerrors.Environmental("determining local hostname: %v", err)
	}

	r := &Runner{
		cfg:          cfg,
		logger:       logger,
		fs:           fs,
		infoFile:     opts.InfoFile,
		inputMachine: opts.InputMachine,
		localHost:    hostname,
		sigCh:        make(chan os.Signal, 1),
	}

	loadRetryer := retry.New[*jobrecord.Record](cfg.RunnerRetryTries, cfg.RunnerRetryWait)
	loadRetryer.Logger = logger
	record, err := loadRetryer.Run(ctx, func(ctx context.Context) (*jobrecord.Record, error) {
		return r.loadRecord(ctx)
	})
	if err != nil {
		return nil, qerrors.Communication(err, "could not load qq info file %q", opts.InfoFile)
	}

	backend, err := batch.FromName(record.BatchSystem, logger)
	if err != nil {
		return nil, err
	}
	r.backend = backend
	r.informer = informer.New(record, backend)
	r.inputDir = record.InputDir
	r.useScratch = r.informer.UsesScratch()

	if record.LoopInfo != nil {
		a, err := archive.New(record.LoopInfo.Archive, record.LoopInfo.ArchiveFormat, record.ScriptName)
		if err != nil {
			return nil, err
		}
		if err := a.MakeArchiveDir(); err != nil {
			return nil, err
		}
		if record.LoopInfo.Current > record.LoopInfo.Start {
			if err := a.ArchiveRuntimeFiles(r.inputDir, record.ScriptName, record.LoopInfo.Current-1); err != nil {
				logger.Warn("failed to tidy stale runtime files from the previous cycle", "error", err)
			}
		}
		r.archiver = a
	}

	signal.Notify(r.sigCh, syscall.SIGTERM)
	go r.handleSignals()

	return r, nil
}

func (r *Runner) handleSignals() {
	sig, ok := <-r.sigCh
	if !ok {
		return
	}
	r.logger.Info("received signal, cleaning up before exit", "signal", sig)
	r.cleanup()
	r.logger.Error("execution terminated by signal", "signal", sig)
	os.Exit(143)
}

// cleanup marks the job KILLED and terminates its subprocess, giving it
// RunnerSIGTERMToSIGKILL to exit on its own before escalating. It is
// safe to call more than once; only the first call does anything.
func (r *Runner) cleanup() {
	if !r.cleanedUp.CompareAndSwap(false, true) {
		return
	}

	r.updateInfoKilled()

	if r.process == nil || r.process.Process == nil || r.process.ProcessState != nil {
		return
	}

	r.logger.Info("terminating subprocess")
	_ = r.process.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- r.process.Wait() }()

	select {
	case <-done:
	case <-time.After(r.cfg.RunnerSIGTERMToSIGKILL):
		r.logger.Info("subprocess did not exit in time, killing")
		_ = r.process.Process.Kill()
		<-done
	}
}

func (r *Runner) isLocal() bool {
	return r.inputMachine == "" || r.inputMachine == r.localHost
}

func (r *Runner) loadRecord(ctx context.Context) (*jobrecord.Record, error) {
	if r.isLocal() {
		return jobrecord.Load(r.infoFile)
	}
	return jobrecord.LoadVia(remoteFSAdapter{ctx, r.fs}, r.inputMachine, r.infoFile)
}

func (r *Runner) saveRecord(ctx context.Context, record *jobrecord.Record) error {
	if r.isLocal() {
		return record.Save(r.infoFile)
	}
	return record.SaveVia(remoteFSAdapter{ctx, r.fs}, r.inputMachine, r.infoFile)
}

// remoteFSAdapter adapts remotefs.FS's ctx-first ReadFile/WriteFile to
// jobrecord.RemoteFS's ctx-less signature, binding a fixed context for
// the lifetime of one load/save call.
type remoteFSAdapter struct {
	ctx context.Context
	fs  remotefs.FS
}

func (a remoteFSAdapter) ReadFile(host, path string) ([]byte, error) {
	return a.fs.ReadFile(a.ctx, host, path)
}

func (a remoteFSAdapter) WriteFile(host, path string, data []byte) error {
	return a.fs.WriteFile(a.ctx, host, path, data)
}

// reloadAndEnsureNotKilled reloads the record fresh off disk — another
// process (a user's `qq kill`, or the scheduler itself) may have
// rewritten it since this Runner last read it — and fails if it now
// reports KILLED, so a late-arriving state update doesn't clobber a
// kill that already happened.
func (r *Runner) reloadAndEnsureNotKilled(ctx context.Context) error {
	retryer := retry.New[*jobrecord.Record](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger
	record, err := retryer.Run(ctx, func(ctx context.Context) (*jobrecord.Record, error) {
		return r.loadRecord(ctx)
	})
	if err != nil {
		return qerrors.Communication(err, "could not reload qq info file %q", r.infoFile)
	}
	r.informer = informer.New(record, r.backend)

	if record.JobState == state.NaiveKilled {
		return qerrors.Communication(nil, "job has been killed")
	}
	return nil
}

// updateInfoKilled marks the record KILLED. Unlike the other state
// transitions it never returns an error — it is called from the signal
// handler's cleanup path, where there is no one left to hand a failure
// to but the log.
func (r *Runner) updateInfoKilled() {
	r.informer.SetKilled(time.Now())
	if err := r.saveRecord(context.Background(), r.informer.Record); err != nil {
		r.logger.Warn("failed to record killed state", "error", err)
	}
}

// updateInfoFailed reloads the record, marks it FAILED with exitCode,
// and saves it, retrying the save on transient failure and only logging
// a warning if every attempt fails — the job really did fail, and a
// second write failure shouldn't mask that. A reload failure (including
// finding the job already KILLED) propagates, since at that point the
// Runner no longer has an authoritative view of the record to update.
func (r *Runner) updateInfoFailed(ctx context.Context, exitCode int) error {
	if err := r.reloadAndEnsureNotKilled(ctx); err != nil {
		return err
	}

	r.informer.SetFailed(time.Now(), exitCode)

	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger
	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.saveRecord(ctx, r.informer.Record)
	}); err != nil {
		r.logger.Warn("failed to persist FAILED state", "error", err)
	}
	return nil
}

// updateInfoFinished is updateInfoFailed's FINISHED counterpart.
func (r *Runner) updateInfoFinished(ctx context.Context) error {
	if err := r.reloadAndEnsureNotKilled(ctx); err != nil {
		return err
	}

	r.informer.SetFinished(time.Now())

	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger
	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.saveRecord(ctx, r.informer.Record)
	}); err != nil {
		r.logger.Warn("failed to persist FINISHED state", "error", err)
	}
	return nil
}

// updateInfoRunning reloads the record, marks it RUNNING with this
// node's hostname, the job's allocated nodes, and the working directory,
// and saves it. Unlike Failed/Finished/Killed, a save failure here
// propagates: a job whose RUNNING transition was never recorded looks,
// to every other qq command, like it is still queued.
func (r *Runner) updateInfoRunning(ctx context.Context) error {
	if err := r.reloadAndEnsureNotKilled(ctx); err != nil {
		return err
	}

	nodes, err := r.informer.GetNodes(ctx)
	if err != nil {
		return qerrors.Communication(err, "could not update qq info file: failed to get nodes")
	}

	r.informer.SetRunning(time.Now(), r.localHost, nodes, r.workDir)

	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger
	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.saveRecord(ctx, r.informer.Record)
	}); err != nil {
		return qerrors.Communication(err, "could not update qq info file")
	}

	r.logger.Debug("job is now running", "node", r.localHost, "work_dir", r.workDir)
	return nil
}

func (r *Runner) deleteWorkDir(ctx context.Context) error {
	r.logger.Debug("removing working directory", "dir", r.workDir)
	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	_, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, os.RemoveAll(r.workDir)
	})
	return err
}

// setUpScratchDir creates the job's scratch working directory, chdirs
// into it, and syncs the submission directory's contents into it — the
// job's excluded files, its own info file, and the archive directory (if
// any) are never copied.
func (r *Runner) setUpScratchDir(ctx context.Context) error {
	scratch, err := r.backend.ScratchDir(ctx, r.informer.Record.JobID)
	if err != nil {
		return err
	}
	workDir, err := filepath.Abs(filepath.Join(scratch, qconfig.ScratchDirInner))
	if err != nil {
		return qerrors.FatalInternal("resolving scratch working directory: %v", err)
	}

	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger

	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, os.MkdirAll(workDir, 0o755)
	}); err != nil {
		return err
	}
	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, os.Chdir(workDir)
	}); err != nil {
		return err
	}

	excluded := append([]string{}, r.informer.Record.ExcludedFiles...)
	excluded = append(excluded, filepath.Base(r.infoFile))
	if r.archiver != nil {
		excluded = append(excluded, filepath.Base(r.archiver.Dir))
	}

	inputHost := r.inputMachine
	destHost := r.localHost
	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.fs.SyncExcluding(ctx, r.inputDir, workDir, &inputHost, &destHost, excluded)
	}); err != nil {
		return err
	}

	r.workDir = workDir
	return nil
}

// setUpSharedDir chdirs into the (already shared) submission directory
// and uses it directly as the working directory.
func (r *Runner) setUpSharedDir(ctx context.Context) error {
	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger
	if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, os.Chdir(r.inputDir)
	}); err != nil {
		return err
	}
	r.workDir = r.inputDir
	return nil
}

// Prepare stages the working directory — scratch or shared, depending
// on the job's resources — and, for a loop job, restores this cycle's
// own archived artifacts into it (present if an earlier attempt at the
// same cycle got as far as archiving before failing).
func (r *Runner) Prepare(ctx context.Context) error {
	if r.useScratch {
		if err := r.setUpScratchDir(ctx); err != nil {
			return err
		}
	} else if err := r.setUpSharedDir(ctx); err != nil {
		return err
	}

	if r.archiver != nil {
		current := r.informer.Record.LoopInfo.Current
		if err := r.archiver.FromArchive(r.workDir, current); err != nil {
			return err
		}
	}
	return nil
}

// Execute marks the record RUNNING, then runs the job's script under
// bash, piping the script's own contents to bash's stdin (the process
// qq run is itself already running as the script, launched via its
// "#!... qq run" shebang) and redirecting stdout/stderr to the job's
// recorded output files. It returns the script's exit code.
func (r *Runner) Execute(ctx context.Context) (int, error) {
	if err := r.updateInfoRunning(ctx); err != nil {
		return 0, err
	}

	scriptPath := filepath.Join(r.inputDir, r.informer.Record.ScriptName)
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return 0, qerrors.Environmental("reading script %q: %v", scriptPath, err)
	}

	stdout, err := os.Create(filepath.Join(r.workDir, r.informer.Record.StdoutFile))
	if err != nil {
		return 0, qerrors.Environmental("opening stdout file: %v", err)
	}
	defer stdout.Close()

	stderr, err := os.Create(filepath.Join(r.workDir, r.informer.Record.StderrFile))
	if err != nil {
		return 0, qerrors.Environmental("opening stderr file: %v", err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, "bash")
	cmd.Dir = r.workDir
	cmd.Stdin = bytes.NewReader(script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return 0, qerrors.Environmental("starting job script: %v", err)
	}
	r.process = cmd

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 0, qerrors.Environmental("running job script: %v", err)
	}

	return cmd.ProcessState.ExitCode(), nil
}

// Finalize records the script's outcome: a non-zero exit code is
// recorded as FAILED, except qconfig.ExitNoResubmit (95), which a loop
// job's script uses to request that this cycle succeed normally but the
// next cycle not be resubmitted. On success, a loop job's artifacts are
// archived, a scratch working directory is synced back and removed, the
// record is marked FINISHED, and — if this wasn't the loop's final
// cycle and the script didn't request otherwise — the next cycle is
// resubmitted.
func (r *Runner) Finalize(ctx context.Context, exitCode int) error {
	noResubmit := exitCode == qconfig.ExitNoResubmit
	if exitCode != 0 && !noResubmit {
		return r.updateInfoFailed(ctx, exitCode)
	}

	if r.archiver != nil {
		if err := r.archiver.ToArchive(r.workDir, r.informer.Record.LoopInfo.Current); err != nil {
			return err
		}
	}

	if r.useScratch {
		destHost := r.inputMachine
		srcHost := r.localHost
		retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
		retryer.Logger = r.logger
		if _, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.fs.SyncExcluding(ctx, r.workDir, r.inputDir, &srcHost, &destHost, nil)
		}); err != nil {
			return err
		}
		if err := r.deleteWorkDir(ctx); err != nil {
			r.logger.Warn("failed to remove scratch working directory", "dir", r.workDir, "error", err)
		}
	}

	if err := r.updateInfoFinished(ctx); err != nil {
		return err
	}

	if r.informer.Record.JobType == jobrecord.Loop && !noResubmit {
		if err := r.resubmit(ctx); err != nil {
			r.logger.Warn("failed to resubmit the next loop cycle", "error", err)
		}
	} else if noResubmit {
		r.logger.Info("script requested no resubmission; not resubmitting the next loop cycle")
	}

	return nil
}

// resubmit submits the next cycle of a loop job, unless the current
// cycle was already the loop's last. There is no scheduler-agnostic
// "resubmit" batch operation — every backend submits the next cycle the
// same way a user would: by running `qq submit` on the input machine,
// in the submission directory.
func (r *Runner) resubmit(ctx context.Context) error {
	loopInfo := r.informer.Record.LoopInfo
	if loopInfo == nil {
		return nil
	}
	if loopInfo.IsFinalCycle() {
		r.logger.Info("this was the final cycle of the loop; not resubmitting")
		return nil
	}

	r.logger.Info("resubmitting the next loop cycle")

	argv := r.informer.Record.CommandLineForResubmit()

	retryer := retry.New[struct{}](r.cfg.RunnerRetryTries, r.cfg.RunnerRetryWait)
	retryer.Logger = r.logger
	_, err := retryer.Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.resubmitOverSSH(ctx, argv)
	})
	if err != nil {
		return qerrors.Submission(err, "failed to resubmit job")
	}

	r.logger.Info("successfully resubmitted the next loop cycle")
	return nil
}

func (r *Runner) resubmitOverSSH(ctx context.Context, argv []string) error {
	submitLine := qconfig.BinaryName + " submit " + strings.Join(argv, " ")
	remote := fmt.Sprintf("cd %s && %s", shellQuote(r.inputDir), submitLine)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SSHTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ssh", "-q", r.inputMachine, remote)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return qerrors.Communication(err, "resubmit command failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LogFailureAndExit records err's exit code as the job's FAILED exit
// code, logs err, and exits the process with that code. If the record
// itself cannot be updated, it falls back to logFatalErrorAndExit so
// the failure is at least visible in the log, even though the qqinfo
// file couldn't be told about it.
func (r *Runner) LogFailureAndExit(ctx context.Context, err error) {
	code := exitCodeFor(err)
	if uerr := r.updateInfoFailed(ctx, code); uerr != nil {
		logFatalErrorAndExit(r.logger, uerr)
		return
	}
	r.logger.Error("qq run failed", "error", err)
	os.Exit(code)
}

// logFatalErrorAndExit is the last-resort path for an error encountered
// while the Runner was itself trying to record a failure: there is no
// info file left to trust, so all it can do is log loudly and exit.
func logFatalErrorAndExit(logger logging.Logger, err error) {
	logger.Error("fatal qq run error", "error", err)
	logger.Error("failure state was not logged into the job info file")
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	if qerrors.IsCategory(err, qerrors.CategoryCommunication) {
		return qconfig.ExitRunnerCommunication
	}
	var qe *qerrors.QQError
	if errors.As(err, &qe) {
		return qconfig.ExitRunnerFatal
	}
	return qconfig.ExitUnexpected
}
