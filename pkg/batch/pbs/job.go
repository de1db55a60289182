// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package pbs

import (
	"strconv"
	"strings"
	"time"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/size"
	"github.com/qqbatch/qq/pkg/state"
)

// jobInfoFromFields converts a single "qstat -fxw <id>" block into a
// batch.JobInfo, mirroring PBSJobInfo's getters.
func jobInfoFromFields(jobID string, fields map[string]string) batch.JobInfo {
	info := batch.JobInfo{ID: jobID, Exists: len(fields) > 0}
	if !info.Exists {
		info.State = state.BatchUnknown
		return info
	}

	info.State = jobState(fields)

	if v, ok := fields["comment"]; ok {
		info.Comment = &v
	}
	if v, ok := fields["Job_Name"]; ok {
		info.Name = &v
	}
	if owner, ok := fields["Job_Owner"]; ok {
		user := strings.SplitN(owner, "@", 2)[0]
		info.User = &user
	}
	if q, ok := fields["queue"]; ok {
		info.Queue = &q
	}
	if host, ok := fields["Submit_Host"]; ok {
		info.InputMachine = &host
	}

	if nodes := execNodes(fields, "exec_host2"); nodes != nil {
		info.Nodes = nodes
		main := nodes[0]
		info.MainNode = &main
	}
	if shortNodes := execNodes(fields, "exec_host"); shortNodes != nil {
		info.ShortNodes = shortNodes
	}

	if n, ok := intField(fields, "Resource_List.ncpus"); ok {
		info.NCPUs = &n
	}
	if n, ok := intField(fields, "Resource_List.ngpus"); ok {
		info.NGPUs = &n
	}
	if n, ok := intField(fields, "Resource_List.nodect"); ok {
		info.NNodes = &n
	}

	if mem, ok := fields["Resource_List.mem"]; ok {
		if s, err := size.Parse(mem); err == nil {
			info.Mem = &s
		}
	}

	if t, ok := dateField(fields, "stime"); ok {
		info.StartTime = &t
	}
	if t, ok := dateField(fields, "ctime"); ok {
		info.SubmissionTime = &t
	}
	if t, ok := dateField(fields, "obittime"); ok {
		info.CompletionTime = &t
	}
	if t, ok := dateField(fields, "mtime"); ok {
		info.ModificationTime = &t
	} else if info.SubmissionTime != nil {
		info.ModificationTime = info.SubmissionTime
	}

	if wt, ok := fields["Resource_List.walltime"]; ok {
		if d, err := parseHHMMSSDuration(wt); err == nil {
			info.Walltime = &d
		}
	}

	if exit, ok := fields["Exit_status"]; ok {
		if n, err := strconv.Atoi(exit); err == nil {
			info.ExitCode = &n
		}
	}

	if envVars := variableList(fields); envVars != nil {
		if dir, ok := envVars["PBS_O_WORKDIR"]; ok {
			info.InputDir = &dir
		}
		if infoFile, ok := envVars["QQ_INFO"]; ok {
			info.InfoFile = &infoFile
		}
	}

	if est, ok := estimated(fields); ok {
		info.Estimated = &est
	}

	return info
}

func jobState(fields map[string]string) state.BatchState {
	code, ok := fields["job_state"]
	if !ok {
		return state.BatchUnknown
	}
	if code == "F" {
		if exit, ok := fields["Exit_status"]; !ok || exit != "0" {
			return state.BatchFailed
		}
	}
	return state.BatchStateFromCode(code)
}

func intField(fields map[string]string, key string) (int, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func dateField(fields map[string]string, key string) (time.Time, bool) {
	v, ok := fields[key]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(PBSDateFormat, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func execNodes(fields map[string]string, key string) []string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var nodes []string
	for _, n := range strings.Split(raw, "+") {
		nodes = append(nodes, cleanNodeName(strings.TrimSpace(n)))
	}
	return nodes
}

func cleanNodeName(raw string) string {
	name := strings.SplitN(raw, ":", 2)[0]
	name = strings.SplitN(name, "/", 2)[0]
	name = strings.ReplaceAll(name, "(", "")
	name = strings.ReplaceAll(name, ")", "")
	return name
}

func variableList(fields map[string]string) map[string]string {
	raw, ok := fields["Variable_List"]
	if !ok {
		return nil
	}
	result := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		if kv := strings.SplitN(item, "=", 2); len(kv) == 2 {
			result[kv[0]] = kv[1]
		}
	}
	return result
}

func estimated(fields map[string]string) (batch.EstimatedStart, bool) {
	rawTime, ok := fields["estimated.start_time"]
	if !ok {
		return batch.EstimatedStart{}, false
	}
	t, err := time.Parse(PBSDateFormat, rawTime)
	if err != nil {
		return batch.EstimatedStart{}, false
	}
	if now := time.Now(); now.After(t) {
		t = now
	}

	rawVnode, ok := fields["estimated.exec_vnode"]
	if !ok {
		return batch.EstimatedStart{}, false
	}
	var vnodes []string
	for _, v := range strings.Split(rawVnode, "+") {
		vnodes = append(vnodes, cleanNodeName(strings.TrimSpace(v)))
	}

	return batch.EstimatedStart{Time: t, Node: strings.Join(vnodes, " + ")}, true
}

// parseHHMMSSDuration parses a PBS walltime string of the form
// "[[HH:]MM:]SS" or "HH:MM:SS" into a time.Duration.
func parseHHMMSSDuration(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	var h, m, sec int
	var err error
	switch len(parts) {
	case 3:
		h, err = strconv.Atoi(parts[0])
		if err == nil {
			m, err = strconv.Atoi(parts[1])
		}
		if err == nil {
			sec, err = strconv.Atoi(parts[2])
		}
	case 2:
		m, err = strconv.Atoi(parts[0])
		if err == nil {
			sec, err = strconv.Atoi(parts[1])
		}
	case 1:
		sec, err = strconv.Atoi(parts[0])
	default:
		return 0, strconvErr(s)
	}
	if err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

func strconvErr(s string) error {
	return &strconv.NumError{Func: "parseHHMMSSDuration", Num: s, Err: strconv.ErrSyntax}
}
