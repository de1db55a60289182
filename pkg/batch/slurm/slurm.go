// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package slurm implements the batch.Backend contract for Slurm, driving
// sbatch/scancel/scontrol/squeue/sacct the way an interactive Slurm user
// would.
package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
)

func init() {
	batch.RegisterOrdered("slurm", func(logger logging.Logger) batch.Backend {
		return New(logger)
	})
}

// Slurm implements batch.Backend by driving Slurm's CLI tools.
type Slurm struct {
	logger logging.Logger
}

// New builds a Slurm backend.
func New(logger logging.Logger) *Slurm {
	return &Slurm{logger: logger}
}

func (s *Slurm) Name() string { return "slurm" }

// IsAvailable reports whether sbatch is reachable on PATH and it4ifree
// (a tool bundled with a non-Slurm job submission layer on some IT4I
// clusters) is absent, the same disambiguation the teacher uses to avoid
// mis-guessing on hosts that happen to carry both.
func (s *Slurm) IsAvailable() bool {
	if _, err := exec.LookPath("sbatch"); err != nil {
		return false
	}
	_, err := exec.LookPath("it4ifree")
	return err != nil
}

// ScratchDir is not implemented for Slurm, mirroring QQSlurm's own
// NotImplementedError: Slurm exposes no equivalent of PBS's SCRATCHDIR
// job environment variable.
func (s *Slurm) ScratchDir(_ context.Context, jobID string) (string, error) {
	return "", qerrors.Unsuitable("retrieving the scratch directory is not supported for the slurm batch system")
}

// Submit builds and runs an sbatch invocation for req, returning the new
// job's ID.
func (s *Slurm) Submit(ctx context.Context, req batch.SubmitRequest) (string, error) {
	command, err := s.translateSubmit(req)
	if err != nil {
		return "", err
	}
	s.debug(command)

	out, stderr, err := s.run(ctx, command)
	if err != nil {
		return "", qerrors.Submission(err, "failed to submit script %q: %s", req.Script, strings.TrimSpace(stderr))
	}
	return parseSbatchJobID(out), nil
}

// parseSbatchJobID extracts the numeric ID from sbatch's
// "Submitted batch job 12345" confirmation line.
func parseSbatchJobID(out string) string {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Kill sends a standard scancel request.
func (s *Slurm) Kill(ctx context.Context, jobID string) error {
	command := fmt.Sprintf("scancel %s", jobID)
	s.debug(command)
	if _, stderr, err := s.run(ctx, command); err != nil {
		return qerrors.Communication(err, "failed to kill job %q: %s", jobID, strings.TrimSpace(stderr))
	}
	return nil
}

// KillForce sends an immediate KILL signal, bypassing any grace period.
func (s *Slurm) KillForce(ctx context.Context, jobID string) error {
	command := fmt.Sprintf("scancel --signal=KILL %s", jobID)
	s.debug(command)
	if _, stderr, err := s.run(ctx, command); err != nil {
		return qerrors.Communication(err, "failed to kill job %q: %s", jobID, strings.TrimSpace(stderr))
	}
	return nil
}

// GetJob queries a single job's full status, preferring sacct's
// historical record and falling back to squeue for jobs still pending.
func (s *Slurm) GetJob(ctx context.Context, jobID string) (batch.JobInfo, error) {
	jobs, err := s.jobsUsingSacct(ctx, fmt.Sprintf("sacct -j %s -n --parsable2 --format=%s", jobID, SacctFormat()))
	if err != nil {
		return batch.JobInfo{}, err
	}
	if len(jobs) == 0 {
		pending, err := s.jobsUsingSqueue(ctx, fmt.Sprintf("squeue -j %s -h -O %s", jobID, squeueFormat()))
		if err != nil {
			return batch.JobInfo{}, err
		}
		jobs = pending
	}
	if len(jobs) == 0 {
		return jobInfoFromFields(jobID, nil), nil
	}
	return jobs[0], nil
}

func (s *Slurm) GetUnfinishedJobs(ctx context.Context, user string) ([]batch.JobInfo, error) {
	return s.jobsUsingSqueue(ctx, fmt.Sprintf("squeue -u %s -t PENDING,RUNNING -h -O %s", user, squeueFormat()))
}

func (s *Slurm) GetJobs(ctx context.Context, user string) ([]batch.JobInfo, error) {
	return s.mergedJobs(ctx, fmt.Sprintf("sacct -u %s -n --parsable2 --format=%s", user, SacctFormat()),
		fmt.Sprintf("squeue -u %s -t PENDING -h -O %s", user, squeueFormat()))
}

func (s *Slurm) GetAllUnfinishedJobs(ctx context.Context) ([]batch.JobInfo, error) {
	return s.jobsUsingSqueue(ctx, fmt.Sprintf("squeue -t PENDING,RUNNING -h -O %s", squeueFormat()))
}

func (s *Slurm) GetAllJobs(ctx context.Context) ([]batch.JobInfo, error) {
	return s.mergedJobs(ctx, fmt.Sprintf("sacct -a -n --parsable2 --format=%s", SacctFormat()),
		fmt.Sprintf("squeue -t PENDING -h -O %s", squeueFormat()))
}

// mergedJobs combines sacct's historical record with squeue's pending-job
// view, deduplicated by job ID the way getBatchJobs does: sacct reports
// every job it has ever seen but pending jobs may not show up there yet.
func (s *Slurm) mergedJobs(ctx context.Context, sacctCommand, squeueCommand string) ([]batch.JobInfo, error) {
	sacctJobs, err := s.jobsUsingSacct(ctx, sacctCommand)
	if err != nil {
		return nil, err
	}
	pending, err := s.jobsUsingSqueue(ctx, squeueCommand)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(sacctJobs))
	for _, j := range sacctJobs {
		seen[j.ID] = true
	}
	for _, j := range pending {
		if !seen[j.ID] {
			sacctJobs = append(sacctJobs, j)
			seen[j.ID] = true
		}
	}
	return sacctJobs, nil
}

func (s *Slurm) jobsUsingSacct(ctx context.Context, command string) ([]batch.JobInfo, error) {
	s.debug(command)
	out, stderr, err := s.run(ctx, command)
	if err != nil {
		return nil, qerrors.Communication(err, "could not retrieve information about jobs: %s", strings.TrimSpace(stderr))
	}

	var jobs []batch.JobInfo
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		id, fields, ok := sacctFieldsFromLine(line)
		if !ok {
			continue
		}
		jobs = append(jobs, jobInfoFromFields(id, fields))
	}
	return jobs, nil
}

// squeueFormat is the "-O" field list used for the live-queue view,
// matching sacct's column set where squeue exposes an equivalent.
func squeueFormat() string {
	return "JobID,Account,State,UserName,Name,Partition,WorkDir,NumCPUs,NumNodes,tres-alloc,SubmitTime,StartTime,EndTime,TimeLimit,NodeList,Reason"
}

func (s *Slurm) jobsUsingSqueue(ctx context.Context, command string) ([]batch.JobInfo, error) {
	s.debug(command)
	out, stderr, err := s.run(ctx, command)
	if err != nil {
		return nil, qerrors.Communication(err, "could not retrieve information about jobs: %s", strings.TrimSpace(stderr))
	}

	var jobs []batch.JobInfo
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := parseDump(line)
		id := fields["JobID"]
		fields["JobState"] = fields["State"]
		fields["UserId"] = fields["UserName"]
		fields["AllocTRES"] = fields["tres-alloc"]
		jobs = append(jobs, jobInfoFromFields(id, fields))
	}
	return jobs, nil
}

// GetQueues lists every partition known to the controller.
func (s *Slurm) GetQueues(ctx context.Context) ([]batch.QueueInfo, error) {
	command := "scontrol show partition -o"
	s.debug(command)
	out, stderr, err := s.run(ctx, command)
	if err != nil {
		return nil, qerrors.Communication(err, "could not retrieve information about queues: %s", strings.TrimSpace(stderr))
	}

	var queues []batch.QueueInfo
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := parseDump(line)
		name, ok := fields["PartitionName"]
		if !ok {
			continue
		}
		queues = append(queues, queueInfoFromFields(name, fields))
	}
	return queues, nil
}

// GetNodes is not implemented for Slurm, mirroring QQSlurm.getNodes's own
// NotImplementedError.
func (s *Slurm) GetNodes(ctx context.Context) ([]batch.NodeInfo, error) {
	return nil, qerrors.Unsuitable("retrieving node information is not supported for the slurm batch system")
}

// TransformResources is not implemented for Slurm, mirroring
// QQSlurm.transformResources's own NotImplementedError.
func (s *Slurm) TransformResources(queue string, provided resources.Resources) (resources.Resources, error) {
	return resources.Resources{}, qerrors.Unsuitable("resource transformation is not supported for the slurm batch system")
}

// translateSubmit builds the full sbatch command line for req, mirroring
// QQSlurm._translateSubmit.
func (s *Slurm) translateSubmit(req batch.SubmitRequest) (string, error) {
	res := req.Resources
	if res.NNodes == nil {
		return "", qerrors.FatalInternal("attribute 'nnodes' should not be undefined")
	}
	if *res.NNodes == 0 {
		return "", qerrors.Validation("attribute 'nnodes' cannot be 0")
	}

	outFile := fmt.Sprintf("%s.qqout", req.JobName)
	command := fmt.Sprintf("sbatch -J %s -p %s -e %s -o %s ", req.JobName, req.Queue, outFile, outFile)

	if account, ok := res.Props["account"]; ok && account != "" {
		command += fmt.Sprintf("--account=%s ", account)
	}

	if len(req.EnvVars) > 0 {
		command += fmt.Sprintf("--export=ALL,%s ", translateEnvVars(req.EnvVars))
	}

	command += fmt.Sprintf("--nodes=%d ", *res.NNodes)

	translated, err := translatePerChunkResources(res)
	if err != nil {
		return "", err
	}
	command += strings.Join(translated, " ") + " "

	if constraint, err := translateConstraint(res.Props); err != nil {
		return "", err
	} else if constraint != "" {
		command += fmt.Sprintf(`--constraint="%s" `, constraint)
	}

	if res.Walltime != nil {
		command += fmt.Sprintf("--time=%s ", res.Walltime.HHMMSS())
	}

	if converted := translateDependencies(req.Depend); converted != "" {
		command += fmt.Sprintf("--dependency=%s ", converted)
	}

	command += req.Script
	return command, nil
}

func translateEnvVars(envVars map[string]string) string {
	var parts []string
	for k, v := range envVars {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return strings.Join(parts, ",")
}

// translatePerChunkResources mirrors QQSlurm._translatePerChunkResources.
func translatePerChunkResources(res resources.Resources) ([]string, error) {
	var out []string
	nnodes := *res.NNodes

	out = append(out, "--ntasks-per-node=1")

	if res.NCPUs != nil && *res.NCPUs != 0 {
		if *res.NCPUs%nnodes != 0 {
			return nil, qerrors.Validation("attribute 'ncpus' (%d) must be divisible by 'nnodes' (%d)", *res.NCPUs, nnodes)
		}
		out = append(out, fmt.Sprintf("--cpus-per-task=%d", *res.NCPUs/nnodes))
	}

	switch {
	case res.Mem != nil:
		perNode, err := res.Mem.FloorDiv(int64(nnodes))
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("--mem=%s", perNode.String()))
	case res.MemPerCPU != nil:
		out = append(out, fmt.Sprintf("--mem-per-cpu=%s", res.MemPerCPU.String()))
	default:
		return nil, qerrors.Validation("attribute 'mem' or attribute 'mem-per-cpu' is not defined")
	}

	if res.NGPUs != nil && *res.NGPUs != 0 {
		if *res.NGPUs%nnodes != 0 {
			return nil, qerrors.Validation("attribute 'ngpus' (%d) must be divisible by 'nnodes' (%d)", *res.NGPUs, nnodes)
		}
		out = append(out, fmt.Sprintf("--gpus-per-node=%d", *res.NGPUs/nnodes))
	}

	return out, nil
}

// translateConstraint renders only the true-valued boolean props as a
// Slurm feature constraint, erroring on any non-boolean-true value the
// way _translateSubmit does.
func translateConstraint(props map[string]string) (string, error) {
	var features []string
	for k, v := range props {
		if k == "account" {
			continue
		}
		if v != "true" {
			return "", qerrors.Validation("property %q has value %q, but only 'true' is supported for slurm constraints", k, v)
		}
		features = append(features, k)
	}
	return strings.Join(features, "&"), nil
}

// translateDependencies converts qq's dependency expressions into
// Slurm's "kind:id:id,kind:id" --dependency syntax.
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

// run executes command through bash, piping it on stdin.
func (s *Slurm) run(ctx context.Context, command string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "bash")
	cmd.Stdin = strings.NewReader(command)

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func (s *Slurm) debug(msg string) {
	if s.logger != nil {
		s.logger.Debug(msg)
	}
}
