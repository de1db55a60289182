// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package pbs implements the batch.Backend contract for PBS Professional,
// shelling out to qsub/qdel/qstat/pbsnodes the way an interactive PBS user
// would and parsing their "-f"/"-a" dump output into batch's plain structs.
package pbs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/size"
)

// EnvPBSScratchDir is the environment variable PBS exports inside a job
// pointing at its per-job scratch directory.
const EnvPBSScratchDir = "SCRATCHDIR"

// EnvSharedSubmit, when set, indicates the submission directory is on
// shared storage reachable without going over ssh/rsync.
const EnvSharedSubmit = "QQ_SHARED_SUBMIT"

// SupportedScratches lists the "standard" scratch directory kinds (all
// but the in-RAM one) this backend recognizes for work-dir.
var SupportedScratches = []string{
	resources.WorkDirScratchLocal,
	resources.WorkDirScratchSSD,
	resources.WorkDirScratchShared,
}

func init() {
	batch.RegisterOrdered("pbs", func(logger logging.Logger) batch.Backend {
		return New(logger)
	})
}

// PBS implements batch.Backend by driving PBS Professional's CLI tools.
type PBS struct {
	logger logging.Logger
}

// New builds a PBS backend.
func New(logger logging.Logger) *PBS {
	return &PBS{logger: logger}
}

func (p *PBS) Name() string { return "pbs" }

// IsAvailable reports whether qsub is reachable on PATH.
func (p *PBS) IsAvailable() bool {
	_, err := exec.LookPath("qsub")
	return err == nil
}

// ScratchDir returns the current job's scratch directory, read from the
// environment PBS sets for a running job.
func (p *PBS) ScratchDir(_ context.Context, jobID string) (string, error) {
	dir := os.Getenv(EnvPBSScratchDir)
	if dir == "" {
		return "", qerrors.Environmental("scratch directory for job %q is undefined", jobID)
	}
	return dir, nil
}

// Submit builds and runs a qsub invocation for req, returning the new
// job's ID.
func (p *PBS) Submit(ctx context.Context, req batch.SubmitRequest) (string, error) {
	command, err := p.translateSubmit(req)
	if err != nil {
		return "", err
	}
	p.debug(command)

	out, stderr, err := p.run(ctx, command)
	if err != nil {
		return "", qerrors.Submission(err, "failed to submit script %q: %s", req.Script, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out), nil
}

// Kill sends a standard qdel request.
func (p *PBS) Kill(ctx context.Context, jobID string) error {
	command := fmt.Sprintf("qdel %s", jobID)
	p.debug(command)
	if _, stderr, err := p.run(ctx, command); err != nil {
		return qerrors.Communication(err, "failed to kill job %q: %s", jobID, strings.TrimSpace(stderr))
	}
	return nil
}

// KillForce sends a forced qdel request, bypassing epilogue scripts.
func (p *PBS) KillForce(ctx context.Context, jobID string) error {
	command := fmt.Sprintf("qdel -W force %s", jobID)
	p.debug(command)
	if _, stderr, err := p.run(ctx, command); err != nil {
		return qerrors.Communication(err, "failed to kill job %q: %s", jobID, strings.TrimSpace(stderr))
	}
	return nil
}

// GetJob queries a single job's full status.
func (p *PBS) GetJob(ctx context.Context, jobID string) (batch.JobInfo, error) {
	command := fmt.Sprintf("qstat -fxw %s", jobID)
	jobs, err := p.jobsUsingCommand(ctx, command)
	if err != nil {
		return batch.JobInfo{}, err
	}
	if len(jobs) == 0 {
		return jobInfoFromFields(jobID, nil), nil
	}
	return jobs[0], nil
}

func (p *PBS) GetUnfinishedJobs(ctx context.Context, user string) ([]batch.JobInfo, error) {
	return p.jobsUsingCommand(ctx, fmt.Sprintf("qstat -fwu %s", user))
}

func (p *PBS) GetJobs(ctx context.Context, user string) ([]batch.JobInfo, error) {
	return p.jobsUsingCommand(ctx, fmt.Sprintf("qstat -fwxu %s", user))
}

func (p *PBS) GetAllUnfinishedJobs(ctx context.Context) ([]batch.JobInfo, error) {
	return p.jobsUsingCommand(ctx, "qstat -fw")
}

func (p *PBS) GetAllJobs(ctx context.Context) ([]batch.JobInfo, error) {
	return p.jobsUsingCommand(ctx, "qstat -fxw")
}

func (p *PBS) jobsUsingCommand(ctx context.Context, command string) ([]batch.JobInfo, error) {
	p.debug(command)
	out, stderr, err := p.run(ctx, command)
	if err != nil {
		return nil, qerrors.Communication(err, "could not retrieve information about jobs: %s", strings.TrimSpace(stderr))
	}

	var jobs []batch.JobInfo
	for _, entry := range parseDump(strings.TrimSpace(out), "Job Id") {
		jobs = append(jobs, jobInfoFromFields(entry.Name, entry.Fields))
	}
	return jobs, nil
}

// GetQueues lists every queue known to the server.
func (p *PBS) GetQueues(ctx context.Context) ([]batch.QueueInfo, error) {
	command := "qstat -Qfw"
	p.debug(command)
	out, stderr, err := p.run(ctx, command)
	if err != nil {
		return nil, qerrors.Communication(err, "could not retrieve information about queues: %s", strings.TrimSpace(stderr))
	}

	var queues []batch.QueueInfo
	for _, entry := range parseDump(strings.TrimSpace(out), "Queue") {
		queues = append(queues, queueInfoFromFields(entry.Name, entry.Fields))
	}
	return queues, nil
}

// GetNodes lists every compute node known to the server.
func (p *PBS) GetNodes(ctx context.Context) ([]batch.NodeInfo, error) {
	command := "pbsnodes -a"
	p.debug(command)
	out, stderr, err := p.run(ctx, command)
	if err != nil {
		return nil, qerrors.Communication(err, "could not retrieve information about nodes: %s", strings.TrimSpace(stderr))
	}

	var nodes []batch.NodeInfo
	for _, entry := range parseDump(strings.TrimSpace(out), "") {
		nodes = append(nodes, nodeInfoFromFields(entry.Name, entry.Fields))
	}
	return nodes, nil
}

// TransformResources fills in queue- and server-level defaults, validates
// divisibility and work-dir invariants, and normalizes work_dir to one of
// PBS's recognized forms.
func (p *PBS) TransformResources(queue string, provided resources.Resources) (resources.Resources, error) {
	queueDefaults, err := p.defaultQueueResources(context.Background(), queue)
	if err != nil {
		queueDefaults = resources.Resources{}
	}
	serverDefaults := defaultServerResources()

	merged := resources.MergeResources(&provided, &queueDefaults, &serverDefaults)
	if merged.WorkDir == nil {
		return resources.Resources{}, qerrors.FatalInternal("work-dir is not set after filling in default attributes")
	}

	normalized := resources.NormalizeWorkDir(*merged.WorkDir)
	switch {
	case normalized == resources.WorkDirInputDir:
		if provided.WorkSize != nil {
			p.warn("setting work-size is not supported for work-dir='job_dir' or 'input_dir'; it will be ignored")
		}
		merged.WorkDir = strPtr(resources.WorkDirInputDir)
		return *merged, nil

	case normalized == resources.WorkDirScratchShm:
		if provided.WorkSize != nil {
			p.warn("setting work-size is not supported for work-dir='scratch_shm'; it will be ignored")
		}
		merged.WorkDir = strPtr(resources.WorkDirScratchShm)
		merged.WorkSize = nil
		return *merged, nil
	}

	for _, supported := range SupportedScratches {
		if strings.EqualFold(supported, normalized) {
			merged.WorkDir = strPtr(supported)
			return *merged, nil
		}
	}

	supportedTypes := append(append([]string{}, SupportedScratches...), resources.WorkDirScratchShm, resources.WorkDirJobDir, resources.WorkDirInputDir)
	return resources.Resources{}, qerrors.Validation(
		"unknown working directory type specified: work-dir=%q. Supported types for PBS are: %s",
		normalized, strings.Join(supportedTypes, " "))
}

func (p *PBS) defaultQueueResources(ctx context.Context, queue string) (resources.Resources, error) {
	command := fmt.Sprintf("qstat -Qfw %s", queue)
	out, stderr, err := p.run(ctx, command)
	if err != nil {
		return resources.Resources{}, qerrors.Communication(err, "could not retrieve queue %q: %s", queue, strings.TrimSpace(stderr))
	}
	entries := parseDump(strings.TrimSpace(out), "Queue")
	if len(entries) == 0 {
		return resources.Resources{}, qerrors.Unsuitable("queue %q does not exist", queue)
	}
	return defaultQueueResources(entries[0].Fields), nil
}

func defaultServerResources() resources.Resources {
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

func strPtr(s string) *string { return &s }

// translateSubmit builds the full qsub command line for req, mirroring
// QQPBS._translateSubmit.
func (p *PBS) translateSubmit(req batch.SubmitRequest) (string, error) {
	res := req.Resources
	if res.NNodes == nil {
		return "", qerrors.FatalInternal("attribute 'nnodes' should not be undefined")
	}
	if *res.NNodes == 0 {
		return "", qerrors.Validation("attribute 'nnodes' cannot be 0")
	}

	errPrefix := fmt.Sprintf("%s.qqout", req.JobName)
	command := fmt.Sprintf("qsub -N %s -q %s -j eo -e %s ", req.JobName, req.Queue, errPrefix)

	if len(req.EnvVars) > 0 {
		command += fmt.Sprintf("-v %s ", translateEnvVars(req.EnvVars))
	}

	translated, err := translatePerChunkResources(res)
	if err != nil {
		return "", err
	}
	for k, v := range res.Props {
		translated = append(translated, fmt.Sprintf("%s=%s", k, v))
	}

	if len(translated) > 0 && *res.NNodes > 1 {
		command += fmt.Sprintf("-l select=%d:", *res.NNodes)
		command += strings.Join(translated, ":") + " "
	} else {
		command += "-l " + strings.Join(translated, ",") + " "
	}

	if res.Walltime != nil {
		command += fmt.Sprintf("-l walltime=%s ", hhmmss(*res.Walltime))
	}

	if *res.NNodes > 1 {
		command += "-l place=vscatter "
	}

	if converted := translateDependencies(req.Depend); converted != "" {
		command += fmt.Sprintf("-W depend=%s ", converted)
	}

	command += req.Script
	return command, nil
}

// hhmmss renders a duration.Duration as plain "HH:MM:SS", without the
// day-prefixed form qq uses elsewhere — PBS walltime has no day component.
func hhmmss(d duration.Duration) string {
	total := int64(d.Duration().Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func translateEnvVars(envVars map[string]string) string {
	var parts []string
	for k, v := range envVars {
		parts = append(parts, fmt.Sprintf(`"%s='%s'"`, k, v))
	}
	return strings.Join(parts, ",")
}

// translatePerChunkResources mirrors QQPBS._translatePerChunkResources,
// splitting totals across nnodes and validating divisibility.
func translatePerChunkResources(res resources.Resources) ([]string, error) {
	var out []string
	nnodes := *res.NNodes

	if res.NCPUs != nil && *res.NCPUs != 0 {
		if *res.NCPUs%nnodes != 0 {
			return nil, qerrors.Validation("attribute 'ncpus' (%d) must be divisible by 'nnodes' (%d)", *res.NCPUs, nnodes)
		}
	}
	if res.NGPUs != nil && *res.NGPUs != 0 {
		if *res.NGPUs%nnodes != 0 {
			return nil, qerrors.Validation("attribute 'ngpus' (%d) must be divisible by 'nnodes' (%d)", *res.NGPUs, nnodes)
		}
	}

	if res.NCPUs != nil {
		out = append(out, fmt.Sprintf("ncpus=%d", *res.NCPUs/nnodes))
	}

	switch {
	case res.Mem != nil:
		perNode, err := res.Mem.FloorDiv(int64(nnodes))
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("mem=%s", perNode.String()))
	case res.MemPerCPU != nil && res.NCPUs != nil:
		total := res.MemPerCPU.Mul(int64(*res.NCPUs))
		perNode, err := total.FloorDiv(int64(nnodes))
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("mem=%s", perNode.String()))
	default:
		return nil, qerrors.Validation("attribute 'mem' or attributes 'mem-per-cpu' and 'ncpus' are not defined")
	}

	if res.NGPUs != nil {
		out = append(out, fmt.Sprintf("ngpus=%d", *res.NGPUs/nnodes))
	}

	if workdir, err := translateWorkDir(res); err != nil {
		return nil, err
	} else if workdir != "" {
		out = append(out, workdir)
	}

	return out, nil
}

func translateWorkDir(res resources.Resources) (string, error) {
	if res.WorkDir == nil {
		return "", nil
	}
	nnodes := *res.NNodes

	switch *res.WorkDir {
	case resources.WorkDirJobDir, resources.WorkDirInputDir:
		return "", nil
	case resources.WorkDirScratchShm:
		return fmt.Sprintf("%s=true", *res.WorkDir), nil
	}

	switch {
	case res.WorkSize != nil:
		perNode, err := res.WorkSize.FloorDiv(int64(nnodes))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s=%s", *res.WorkDir, perNode.String()), nil
	case res.WorkSizePerCPU != nil && res.NCPUs != nil:
		total := res.WorkSizePerCPU.Mul(int64(*res.NCPUs))
		perNode, err := total.FloorDiv(int64(nnodes))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s=%s", *res.WorkDir, perNode.String()), nil
	}

	return "", qerrors.Validation("attribute 'work-size' or attributes 'work-size-per-cpu' and 'ncpus' are not defined")
}

// translateDependencies converts qq's dependency expressions into PBS's
// "kind:id:id,kind:id" depend= syntax.
func translateDependencies(depend []dependency.Dependency) string {
	if len(depend) == 0 {
		return ""
	}
	var parts []string
	for _, d := range depend {
		parts = append(parts, strings.Replace(d.String(), "=", ":", 1))
	}
	return strings.Join(parts, ",")
}

// run executes command through bash, piping it on stdin the way an
// interactive PBS session would, and returns stdout/stderr separately.
func (p *PBS) run(ctx context.Context, command string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "bash")
	cmd.Stdin = strings.NewReader(command)

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func (p *PBS) debug(msg string) {
	if p.logger != nil {
		p.logger.Debug(msg)
	}
}

func (p *PBS) warn(msg string) {
	if p.logger != nil {
		p.logger.Warn(msg)
	}
}
