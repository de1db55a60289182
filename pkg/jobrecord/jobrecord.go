// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobrecord models the durable, YAML-encoded qqinfo file: the
// single coordination medium between Submitter and Runner, and the only
// thing a read-only inspection tool (qq status/info) ever needs to open.
// It is written once by the Submitter and thereafter owned exclusively by
// the Runner, which rewrites it atomically (tempfile + rename) at each
// state transition.
package jobrecord

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/loop"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/state"
)

// JobType distinguishes a one-shot job from a loop job chaining cycles.
type JobType int

const (
	Standard JobType = iota
	Loop
)

func (t JobType) String() string {
	if t == Loop {
		return "loop"
	}
	return "standard"
}

// ParseJobType parses a case-insensitive job type name.
func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(s) {
	case "standard":
		return Standard, nil
	case "loop":
		return Loop, nil
	default:
		return 0, qerrors.Validation("could not recognize a job type %q", s)
	}
}

// Record is the full contents of a qqinfo file.
type Record struct {
	BatchSystem string `yaml:"batch_system"`
	QQVersion   string `yaml:"qq_version"`
	Username    string `yaml:"username"`
	JobID       string `yaml:"job_id"`
	JobName     string `yaml:"job_name"`
	ScriptName  string `yaml:"script_name"`
	Queue       string `yaml:"queue"`
	JobType     JobType `yaml:"job_type"`
	InputMachine string `yaml:"input_machine"`
	InputDir    string `yaml:"input_dir"`

	JobState state.NaiveState `yaml:"job_state"`

	SubmissionTime time.Time `yaml:"submission_time"`

	StdoutFile string `yaml:"stdout_file"`
	StderrFile string `yaml:"stderr_file"`

	Resources resources.Resources `yaml:"resources"`

	ExcludedFiles []string `yaml:"excluded_files,omitempty"`
	IncludedFiles []string `yaml:"included_files,omitempty"`

	Depend []dependency.Dependency `yaml:"depend,omitempty"`

	LoopInfo *loop.Info `yaml:"loop_info,omitempty"`

	Account *string `yaml:"account,omitempty"`

	StartTime *time.Time `yaml:"start_time,omitempty"`
	MainNode  *string    `yaml:"main_node,omitempty"`
	AllNodes  []string   `yaml:"all_nodes,omitempty"`
	WorkDir   *string    `yaml:"work_dir,omitempty"`

	CompletionTime *time.Time `yaml:"completion_time,omitempty"`
	JobExitCode    *int       `yaml:"job_exit_code,omitempty"`
}

// yamlRecord is Record's wire form. It carries times as strings in
// qconfig.DateFormat, since yaml.v3's default time encoding is RFC3339,
// not qq's "%Y-%m-%d %H:%M:%S" wire format.
type yamlRecord struct {
	BatchSystem  string                  `yaml:"batch_system"`
	QQVersion    string                  `yaml:"qq_version"`
	Username     string                  `yaml:"username"`
	JobID        string                  `yaml:"job_id"`
	JobName      string                  `yaml:"job_name"`
	ScriptName   string                  `yaml:"script_name"`
	Queue        string                  `yaml:"queue"`
	JobType      string                  `yaml:"job_type"`
	InputMachine string                  `yaml:"input_machine"`
	InputDir     string                  `yaml:"input_dir"`
	JobState     state.NaiveState        `yaml:"job_state"`
	SubmissionTime string                `yaml:"submission_time"`
	StdoutFile   string                  `yaml:"stdout_file"`
	StderrFile   string                  `yaml:"stderr_file"`
	Resources    resources.Resources     `yaml:"resources"`
	ExcludedFiles []string               `yaml:"excluded_files,omitempty"`
	IncludedFiles []string               `yaml:"included_files,omitempty"`
	Depend       []dependency.Dependency `yaml:"depend,omitempty"`
	LoopInfo     *loop.Info              `yaml:"loop_info,omitempty"`
	Account      *string                 `yaml:"account,omitempty"`
	StartTime    *string                 `yaml:"start_time,omitempty"`
	MainNode     *string                 `yaml:"main_node,omitempty"`
	AllNodes     []string                `yaml:"all_nodes,omitempty"`
	WorkDir      *string                 `yaml:"work_dir,omitempty"`
	CompletionTime *string               `yaml:"completion_time,omitempty"`
	JobExitCode  *int                    `yaml:"job_exit_code,omitempty"`
}

func (r *Record) toYAMLRecord() yamlRecord {
	y := yamlRecord{
		BatchSystem: r.BatchSystem, QQVersion: r.QQVersion, Username: r.Username,
		JobID: r.JobID, JobName: r.JobName, ScriptName: r.ScriptName, Queue: r.Queue,
		JobType: r.JobType.String(), InputMachine: r.InputMachine, InputDir: r.InputDir,
		JobState: r.JobState, SubmissionTime: r.SubmissionTime.Format(qconfig.DateFormat),
		StdoutFile: r.StdoutFile, StderrFile: r.StderrFile, Resources: r.Resources,
		ExcludedFiles: r.ExcludedFiles, IncludedFiles: r.IncludedFiles, Depend: r.Depend,
		LoopInfo: r.LoopInfo, Account: r.Account, MainNode: r.MainNode,
		AllNodes: r.AllNodes, WorkDir: r.WorkDir, JobExitCode: r.JobExitCode,
	}
	if r.StartTime != nil {
		formatted := r.StartTime.Format(qconfig.DateFormat)
		y.StartTime = &formatted
	}
	if r.CompletionTime != nil {
		formatted := r.CompletionTime.Format(qconfig.DateFormat)
		y.CompletionTime = &formatted
	}
	return y
}

func (y *yamlRecord) toRecord() (*Record, error) {
	jobType, err := ParseJobType(y.JobType)
	if err != nil {
		return nil, err
	}
	submission, err := time.Parse(qconfig.DateFormat, y.SubmissionTime)
	if err != nil {
		return nil, qerrors.Communication(err, "parsing submission_time")
	}

	r := &Record{
		BatchSystem: y.BatchSystem, QQVersion: y.QQVersion, Username: y.Username,
		JobID: y.JobID, JobName: y.JobName, ScriptName: y.ScriptName, Queue: y.Queue,
		JobType: jobType, InputMachine: y.InputMachine, InputDir: y.InputDir,
		JobState: y.JobState, SubmissionTime: submission,
		StdoutFile: y.StdoutFile, StderrFile: y.StderrFile, Resources: y.Resources,
		ExcludedFiles: y.ExcludedFiles, IncludedFiles: y.IncludedFiles, Depend: y.Depend,
		LoopInfo: y.LoopInfo, Account: y.Account, MainNode: y.MainNode,
		AllNodes: y.AllNodes, WorkDir: y.WorkDir, JobExitCode: y.JobExitCode,
	}
	if y.StartTime != nil {
		t, err := time.Parse(qconfig.DateFormat, *y.StartTime)
		if err != nil {
			return nil, qerrors.Communication(err, "parsing start_time")
		}
		r.StartTime = &t
	}
	if y.CompletionTime != nil {
		t, err := time.Parse(qconfig.DateFormat, *y.CompletionTime)
		if err != nil {
			return nil, qerrors.Communication(err, "parsing completion_time")
		}
		r.CompletionTime = &t
	}
	return r, nil
}

const header = "# qq job info file\n"

// Marshal renders r to the qqinfo file's YAML text, including its
// leading comment header.
func (r *Record) Marshal() ([]byte, error) {
	body, err := yaml.Marshal(r.toYAMLRecord())
	if err != nil {
		return nil, qerrors.FatalInternal("marshaling job record: %v", err)
	}
	return append([]byte(header), body...), nil
}

// Unmarshal parses a qqinfo file's YAML text into a Record.
func Unmarshal(data []byte) (*Record, error) {
	var y yamlRecord
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, qerrors.Communication(err, "parsing qq info file")
	}
	return y.toRecord()
}

// Load reads and parses the qqinfo file at path.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qerrors.Communication(err, "qq info file %q does not exist", path)
		}
		return nil, qerrors.Communication(err, "reading qq info file %q", path)
	}
	return Unmarshal(data)
}

// Save writes r to path atomically: it marshals into a temp file in the
// same directory, then renames it over path, so a reader never observes
// a partially written record.
func (r *Record) Save(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".qqinfo-*.tmp")
	if err != nil {
		return qerrors.Communication(err, "creating temp file for %q", path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return qerrors.Communication(err, "writing temp file for %q", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return qerrors.Communication(err, "closing temp file for %q", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return qerrors.Communication(err, "renaming temp file into %q", path)
	}
	return nil
}

// RemoteFS is the minimal set of remote-file operations jobrecord needs
// to load/save a record on a host other than the local one.
// pkg/remotefs.FS takes a context on every call and is adapted to this
// interface by internal/runner.
type RemoteFS interface {
	ReadFile(host, path string) ([]byte, error)
	WriteFile(host, path string, data []byte) error
}

// LoadVia reads and parses the qqinfo file at path on host via fs.
func LoadVia(fs RemoteFS, host, path string) (*Record, error) {
	data, err := fs.ReadFile(host, path)
	if err != nil {
		return nil, qerrors.Communication(err, "reading qq info file %q on %q", path, host)
	}
	return Unmarshal(data)
}

// SaveVia writes r to path on host via fs. Unlike Save, this is not
// atomic — fs.WriteFile's own semantics (if any) govern durability; qq
// only ever writes a remote record once, at submission time, before any
// reader exists to race against.
func (r *Record) SaveVia(fs RemoteFS, host, path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := fs.WriteFile(host, path, data); err != nil {
		return qerrors.Communication(err, "writing qq info file %q on %q", path, host)
	}
	return nil
}

// CommandLineForResubmit reconstructs the argv needed to resubmit this
// job as the next cycle of a loop, replacing any dependency already
// present with "afterok=<JobID>".
func (r *Record) CommandLineForResubmit() []string {
	cmd := []string{
		r.ScriptName,
		"--queue", r.Queue,
		"--job-type", r.JobType.String(),
		"--batch-system", r.BatchSystem,
		"--depend", "afterok=" + r.JobID,
	}

	cmd = append(cmd, r.Resources.ToCommandLine()...)

	if r.Account != nil {
		cmd = append(cmd, "--account", *r.Account)
	}
	if len(r.ExcludedFiles) > 0 {
		cmd = append(cmd, "--exclude", strings.Join(r.ExcludedFiles, ","))
	}
	if len(r.IncludedFiles) > 0 {
		cmd = append(cmd, "--include", strings.Join(r.IncludedFiles, ","))
	}
	if r.LoopInfo != nil {
		cmd = append(cmd,
			"--loop-start", strconv.Itoa(r.LoopInfo.Start),
			"--loop-end", strconv.Itoa(r.LoopInfo.End),
			"--archive", r.LoopInfo.Archive,
			"--archive-format", r.LoopInfo.ArchiveFormat,
		)
	}

	return cmd
}
