// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qqbatch/qq/internal/submit"
	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/loop"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/remotefs"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/size"
)

// submitFlags holds every flag buildResources and the Submitter
// need, mirroring the fields CommandLineForResubmit reconstructs so a
// resubmitted loop cycle round-trips through the same flag set.
var submitFlags struct {
	queue        string
	account      string
	batchSystem  string
	jobType      string
	depend       []string
	exclude      []string
	include      string
	username     string
	inputMachine string

	nnodes       int
	ncpus        int
	ncpusPerNode int
	ngpus        int
	ngpusPerNode int
	mem          string
	memPerNode   string
	memPerCPU    string
	walltime     string
	workDir      string
	workSize     string
	props        string

	loopStart     int
	loopEnd       int
	loopCurrent   int
	currentSet    bool
	archive       string
	archiveFormat string
}

var submitCmd = &cobra.Command{
	Use:   "submit [flags] SCRIPT",
	Short: "Submit a script as a batch job",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.queue, "queue", "", "destination queue/partition")
	f.StringVar(&submitFlags.account, "account", "", "charge account/project")
	f.StringVar(&submitFlags.batchSystem, "batch-system", "", "batch system to submit through (default: auto-detect)")
	f.StringVar(&submitFlags.jobType, "job-type", "", "informational only; job type is derived from --loop-end")
	f.StringSliceVar(&submitFlags.depend, "depend", nil, "job dependency expression(s), e.g. afterok=123:456")
	f.StringSliceVar(&submitFlags.exclude, "exclude", nil, "relative paths not copied from the submission directory into a scratch working directory")
	f.StringVar(&submitFlags.include, "include", "", "comma-separated relative paths recorded on the job; they are not used when staging files")
	f.StringVar(&submitFlags.username, "username", "", "username recorded on the job (default: current user)")
	f.StringVar(&submitFlags.inputMachine, "input-machine", "", "submission host recorded on the job (default: local hostname)")

	f.IntVar(&submitFlags.nnodes, "nnodes", 0, "number of nodes")
	f.IntVar(&submitFlags.ncpus, "ncpus", 0, "total CPUs")
	f.IntVar(&submitFlags.ncpusPerNode, "ncpus-per-node", 0, "CPUs per node")
	f.IntVar(&submitFlags.ngpus, "ngpus", 0, "total GPUs")
	f.IntVar(&submitFlags.ngpusPerNode, "ngpus-per-node", 0, "GPUs per node")
	f.StringVar(&submitFlags.mem, "mem", "", "total memory, e.g. 4gb")
	f.StringVar(&submitFlags.memPerNode, "mem-per-node", "", "memory per node")
	f.StringVar(&submitFlags.memPerCPU, "mem-per-cpu", "", "memory per CPU")
	f.StringVar(&submitFlags.walltime, "walltime", "", "wall clock limit, e.g. 2h30m or 02:30:00")
	f.StringVar(&submitFlags.workDir, "work-dir", "", "working directory kind: input_dir, scratch_local, scratch_ssd, scratch_shared, scratch_shm")
	f.StringVar(&submitFlags.workSize, "work-size", "", "scratch working directory size, e.g. 10gb")
	f.StringVar(&submitFlags.props, "props", "", "node property constraints, e.g. gpu=a100,^slow")

	f.IntVar(&submitFlags.loopStart, "loop-start", 0, "first cycle number of a loop job")
	f.IntVar(&submitFlags.loopEnd, "loop-end", 0, "last cycle number of a loop job (0 means: not a loop job)")
	f.IntVar(&submitFlags.loopCurrent, "current", 0, "this submission's cycle number (default: discovered from --archive)")
	f.StringVar(&submitFlags.archive, "archive", "", "directory loop cycles archive their runtime files into")
	f.StringVar(&submitFlags.archiveFormat, "archive-format", qconfig.LoopJobPattern, "printf-style pattern used to number archived cycles")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	script := args[0]
	logger := newLogger()

	res, err := buildResources()
	if err != nil {
		return submitFailure(err)
	}

	var deps []dependency.Dependency
	for _, expr := range submitFlags.depend {
		parsed, err := dependency.ParseDependency(expr)
		if err != nil {
			return submitFailure(err)
		}
		deps = append(deps, parsed)
	}

	var loopInfo *loop.Info
	if submitFlags.loopEnd > 0 {
		loopInfo, err = loop.New(loop.Options{
			Start:         submitFlags.loopStart,
			End:           submitFlags.loopEnd,
			Archive:       submitFlags.archive,
			ArchiveFormat: submitFlags.archiveFormat,
			Current:       submitFlags.loopCurrent,
			CurrentSet:    cmd.Flags().Changed("current"),
			JobDir:        scriptDir(script),
			Logger:        logger,
		})
		if err != nil {
			return submitFailure(err)
		}
	}

	backend, err := batch.Select(submitFlags.batchSystem, logger)
	if err != nil {
		return submitFailure(err)
	}

	username := submitFlags.username
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	inputMachine := submitFlags.inputMachine
	if inputMachine == "" {
		if h, err := os.Hostname(); err == nil {
			inputMachine = h
		}
	}

	sharedSubmit := remotefs.New(logger).IsShared(scriptDir(script))

	var account *string
	if submitFlags.account != "" {
		account = &submitFlags.account
	}

	var included []string
	if submitFlags.include != "" {
		included = strings.Split(submitFlags.include, ",")
	}

	s, err := submit.New(submit.Options{
		Backend:      backend,
		Queue:        submitFlags.queue,
		Account:      account,
		Script:       script,
		Resources:    res,
		Depend:       deps,
		LoopInfo:     loopInfo,
		Excluded:     submitFlags.exclude,
		Included:     included,
		Username:     username,
		InputMachine: inputMachine,
		SharedSubmit: sharedSubmit,
		Debug:        debug,
		Logger:       logger,
	})
	if err != nil {
		return submitFailure(err)
	}

	jobID, err := s.Submit(context.Background())
	if err != nil {
		return submitFailure(err)
	}

	fmt.Printf("submitted %s as job %s\n", s.JobName(), jobID)
	return nil
}

func buildResources() (resources.Resources, error) {
	var r resources.Resources

	if submitFlags.nnodes > 0 {
		r.NNodes = &submitFlags.nnodes
	}
	if submitFlags.ncpus > 0 {
		r.NCPUs = &submitFlags.ncpus
	}
	if submitFlags.ncpusPerNode > 0 {
		r.NCPUsPerNode = &submitFlags.ncpusPerNode
	}
	if submitFlags.ngpus > 0 {
		r.NGPUs = &submitFlags.ngpus
	}
	if submitFlags.ngpusPerNode > 0 {
		r.NGPUsPerNode = &submitFlags.ngpusPerNode
	}
	if submitFlags.workDir != "" {
		r.WorkDir = &submitFlags.workDir
	}

	var err error
	if r.Mem, err = parseSize(submitFlags.mem); err != nil {
		return r, err
	}
	if r.MemPerNode, err = parseSize(submitFlags.memPerNode); err != nil {
		return r, err
	}
	if r.MemPerCPU, err = parseSize(submitFlags.memPerCPU); err != nil {
		return r, err
	}
	if r.WorkSize, err = parseSize(submitFlags.workSize); err != nil {
		return r, err
	}

	if submitFlags.walltime != "" {
		d, err := parseWalltime(submitFlags.walltime)
		if err != nil {
			return r, err
		}
		r.Walltime = &d
	}

	if submitFlags.props != "" {
		props, err := resources.ParseProps(submitFlags.props)
		if err != nil {
			return r, err
		}
		r.Props = props
	}

	return r, nil
}

func parseSize(s string) (*size.Size, error) {
	if s == "" {
		return nil, nil
	}
	v, err := size.Parse(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseWalltime accepts either the compact "1h30m" directive form or the
// scheduler-native "[D-]HH:MM:SS" form.
func parseWalltime(s string) (duration.Duration, error) {
	if d, err := duration.ParseHHMMSS(s); err == nil {
		return d, nil
	}
	return duration.ParseCompact(s)
}

func scriptDir(script string) string {
	abs, err := filepath.Abs(script)
	if err != nil {
		return "."
	}
	return filepath.Dir(abs)
}

func submitFailure(err error) error {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(qconfig.ExitSubmitFailure)
	return nil
}
