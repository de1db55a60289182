// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package submit implements the Submitter: the submission-host side of
// qq, which validates a user script, detects a batch system, asks it to
// transform the requested resources, submits the job, and writes the
// initial job record next to the script.
package submit

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/jobrecord"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/loop"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/state"
)

// Options bundles everything the caller (the `qq submit` command) has
// already resolved: CLI flags, the selected backend, and the resources
// to request.
type Options struct {
	Backend   batch.Backend
	Queue     string
	Account   *string
	Script    string
	Resources resources.Resources
	Depend    []dependency.Dependency
	LoopInfo  *loop.Info
	Excluded  []string
	Included  []string

	Username     string
	InputMachine string
	SharedSubmit bool
	Debug        bool

	Logger logging.Logger
}

// Submitter validates a script and drives its submission through a
// selected batch backend, producing the job's initial record.
type Submitter struct {
	opts Options

	scriptName string // basename of the script, loop suffix never included
	jobName    string // scriptName, plus a loop-cycle suffix for loop jobs
	inputDir   string // absolute directory containing the script
	infoFile   string // absolute path to <jobName>.qqinfo
}

// New validates opts.Script (existence, readability, shebang) and
// derives the job's name and record path, without submitting anything.
func New(opts Options) (*Submitter, error) {
	info, err := os.Stat(opts.Script)
	if err != nil {
		return nil, qerrors.Environmental("script %q does not exist or is not accessible: %v", opts.Script, err)
	}
	if info.IsDir() {
		return nil, qerrors.Environmental("script %q is a directory, not a file", opts.Script)
	}

	if err := checkShebang(opts.Script); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(opts.Script)
	if err != nil {
		return nil, qerrors.Environmental("resolving script path %q: %v", opts.Script, err)
	}

	s := &Submitter{
		opts:       opts,
		scriptName: filepath.Base(abs),
		inputDir:   filepath.Dir(abs),
	}
	s.jobName = s.constructJobName()
	s.infoFile = filepath.Join(s.inputDir, s.jobName+qconfig.InfoSuffix)

	return s, nil
}

// checkShebang enforces the literal shebang contract: the script's first
// line must begin "#!" and end with "qq run" (optionally preceded by
// "/usr/bin/env -S" or similar), so that the scheduler-launched process
// is itself the Runner.
func checkShebang(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return qerrors.Environmental("opening script %q: %v", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return qerrors.Environmental("script %q is empty", path)
	}
	line := scanner.Text()

	want := qconfig.BinaryName + " run"
	if !strings.HasPrefix(line, "#!") || !strings.HasSuffix(strings.TrimSpace(line), want) {
		return qerrors.Environmental("script %q does not have a valid qq run shebang (first line: %q)", path, line)
	}
	return nil
}

// constructJobName returns the script's basename, suffixed with the
// loop-cycle pattern for loop jobs (e.g. "run.sh+0004").
func (s *Submitter) constructJobName() string {
	if s.opts.LoopInfo == nil {
		return s.scriptName
	}
	return s.scriptName + fmt.Sprintf(qconfig.LoopJobPattern, s.opts.LoopInfo.Current)
}

// InfoFile returns the absolute path the job record will be (or was)
// written to.
func (s *Submitter) InfoFile() string { return s.infoFile }

// InputDir returns the absolute submission directory.
func (s *Submitter) InputDir() string { return s.inputDir }

// JobName returns the derived job name.
func (s *Submitter) JobName() string { return s.jobName }

// runtimeSuffixes are the file suffixes §4.3 item 7 checks for when
// guarding against resubmitting into a directory that already has
// runtime output from a previous, unrelated submission.
var runtimeSuffixes = []string{
	qconfig.InfoSuffix, qconfig.OutSuffix, qconfig.StdoutSuffix, qconfig.StderrSuffix,
}

// ContinuesLoop reports whether this submission is a valid next cycle of
// a loop job already present in inputDir: the previous cycle's record
// must exist, be job type loop, be in the FINISHED state, and have
// LoopInfo.Current equal to one less than this submission's.
func (s *Submitter) ContinuesLoop() (bool, error) {
	if s.opts.LoopInfo == nil || s.opts.LoopInfo.Current == 0 {
		return false, nil
	}

	prevName := s.scriptName + fmt.Sprintf(qconfig.LoopJobPattern, s.opts.LoopInfo.Current-1)
	prevPath := filepath.Join(s.inputDir, prevName+qconfig.InfoSuffix)

	if _, err := os.Stat(prevPath); err != nil {
		return false, nil
	}

	prev, err := jobrecord.Load(prevPath)
	if err != nil {
		return false, qerrors.Communication(err, "reading previous cycle's record %q", prevPath)
	}

	if prev.JobType != jobrecord.Loop || prev.LoopInfo == nil {
		return false, nil
	}
	if prev.JobState != state.NaiveFinished {
		return false, nil
	}
	return prev.LoopInfo.Current == s.opts.LoopInfo.Current-1, nil
}

// checkRuntimeFilesAbsent enforces §4.3 item 7: refuse to submit into a
// directory that already carries this job name's runtime files, unless
// the submission is a valid loop continuation.
func (s *Submitter) checkRuntimeFilesAbsent() error {
	continues, err := s.ContinuesLoop()
	if err != nil {
		return err
	}
	if continues {
		return nil
	}

	for _, suffix := range runtimeSuffixes {
		path := filepath.Join(s.inputDir, s.jobName+suffix)
		if _, err := os.Stat(path); err == nil {
			return qerrors.Validation("submission directory already contains %q; refusing to overwrite a job's runtime files", path)
		}
	}
	return nil
}

// checkSharedSubmitGuard enforces §4.3 item 6: a non-shared submission
// directory can't be used as the working directory on a remote compute
// node.
func (s *Submitter) checkSharedSubmitGuard() error {
	workDir := s.opts.Resources.WorkDir
	if workDir == nil {
		return nil
	}
	normalized := resources.NormalizeWorkDir(*workDir)
	if normalized != resources.WorkDirInputDir {
		return nil
	}
	if !s.opts.SharedSubmit {
		return qerrors.Validation("work_dir=%s requires a shared submission directory, but none was detected", *workDir)
	}
	return nil
}

// envVars builds the environment propagated to the job's process, per
// spec.md §6's fixed list.
func (s *Submitter) envVars(merged resources.Resources) map[string]string {
	env := map[string]string{
		qconfig.EnvGuard:        "true",
		qconfig.EnvInfoFile:     s.infoFile,
		qconfig.EnvInputMachine: s.opts.InputMachine,
		qconfig.EnvInputDir:     s.inputDir,
		qconfig.EnvBatchSystem:  s.opts.Backend.Name(),
	}
	if s.opts.Debug {
		env[qconfig.EnvDebug] = "true"
	}
	if s.opts.SharedSubmit {
		env[qconfig.EnvSharedSubmit] = "true"
	}

	ncpus := 1
	if merged.NCPUs != nil {
		ncpus = *merged.NCPUs
	}
	ngpus := 0
	if merged.NGPUs != nil {
		ngpus = *merged.NGPUs
	}
	nnodes := 1
	if merged.NNodes != nil {
		nnodes = *merged.NNodes
	}
	env[qconfig.EnvNCPUs] = strconv.Itoa(ncpus)
	env[qconfig.EnvNGPUs] = strconv.Itoa(ngpus)
	env[qconfig.EnvNNodes] = strconv.Itoa(nnodes)

	hours := 0.0
	if merged.Walltime != nil {
		hours = merged.Walltime.Duration().Hours()
	}
	env[qconfig.EnvWalltime] = strconv.FormatFloat(hours, 'f', -1, 64)

	if s.opts.LoopInfo != nil {
		env[qconfig.EnvLoopCurrent] = strconv.Itoa(s.opts.LoopInfo.Current)
		env[qconfig.EnvLoopStart] = strconv.Itoa(s.opts.LoopInfo.Start)
		env[qconfig.EnvLoopEnd] = strconv.Itoa(s.opts.LoopInfo.End)
		env[qconfig.EnvArchiveFormat] = s.opts.LoopInfo.ArchiveFormat
		env[qconfig.EnvNoResubmit] = strconv.Itoa(qconfig.ExitNoResubmit)
	}

	return env
}

// Submit validates the shared-submit guard and runtime-files guard,
// transforms resources through the backend, submits the script, and
// writes the resulting job record to InfoFile(). It returns the
// scheduler-assigned job ID.
func (s *Submitter) Submit(ctx context.Context) (string, error) {
	if err := s.checkSharedSubmitGuard(); err != nil {
		return "", err
	}
	if err := s.checkRuntimeFilesAbsent(); err != nil {
		return "", err
	}

	if err := s.opts.Resources.Validate(s.opts.Logger); err != nil {
		return "", err
	}

	merged, err := s.opts.Backend.TransformResources(s.opts.Queue, s.opts.Resources)
	if err != nil {
		return "", err
	}

	env := s.envVars(merged)

	jobID, err := s.opts.Backend.Submit(ctx, batch.SubmitRequest{
		Resources: merged,
		Queue:     s.opts.Queue,
		Script:    s.opts.Script,
		JobName:   s.jobName,
		Depend:    s.opts.Depend,
		EnvVars:   env,
	})
	if err != nil {
		return "", err
	}

	jobType := jobrecord.Standard
	if s.opts.LoopInfo != nil {
		jobType = jobrecord.Loop
	}

	record := &jobrecord.Record{
		BatchSystem:    s.opts.Backend.Name(),
		QQVersion:      qconfig.Version,
		Username:       s.opts.Username,
		JobID:          jobID,
		JobName:        s.jobName,
		ScriptName:     s.scriptName,
		Queue:          s.opts.Queue,
		JobType:        jobType,
		InputMachine:   s.opts.InputMachine,
		InputDir:       s.inputDir,
		JobState:       state.NaiveQueued,
		SubmissionTime: time.Now(),
		StdoutFile:     s.jobName + qconfig.StdoutSuffix,
		StderrFile:     s.jobName + qconfig.StderrSuffix,
		Resources:      merged,
		ExcludedFiles:  s.opts.Excluded,
		IncludedFiles:  s.opts.Included,
		Depend:         s.opts.Depend,
		LoopInfo:       s.opts.LoopInfo,
		Account:        s.opts.Account,
	}

	if err := record.Save(s.infoFile); err != nil {
		return jobID, qerrors.Communication(err, "job %q submitted but its record could not be written to %q", jobID, s.infoFile)
	}

	return jobID, nil
}
