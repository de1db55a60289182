// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package slurm

import (
	"strconv"
	"strings"
	"time"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/size"
	"github.com/qqbatch/qq/pkg/state"
)

// SlurmDateFormat is the reference-time layout scontrol/sacct render
// timestamps in ("2026-01-05T10:00:00").
const SlurmDateFormat = "2006-01-02T15:04:05"

var stateConverter = map[string]state.BatchState{
	"BOOT_FAIL":     state.BatchFailed,
	"CANCELLED":     state.BatchFailed,
	"COMPLETED":     state.BatchFinished,
	"DEADLINE":      state.BatchFailed,
	"FAILED":        state.BatchFailed,
	"NODE_FAIL":     state.BatchFailed,
	"OUT_OF_MEMORY": state.BatchFailed,
	"PENDING":       state.BatchQueued,
	"PREEMPTED":     state.BatchSuspended,
	"RUNNING":       state.BatchRunning,
	"SUSPENDED":     state.BatchSuspended,
	"TIMEOUT":       state.BatchFailed,
}

// jobInfoFromFields converts a flat scontrol/sacct field map into a
// batch.JobInfo, mirroring SlurmJob's getters.
func jobInfoFromFields(jobID string, fields map[string]string) batch.JobInfo {
	info := batch.JobInfo{ID: jobID, Exists: len(fields) > 0}
	if !info.Exists {
		info.State = state.BatchUnknown
		return info
	}

	info.State = jobState(fields)

	if comment := jobComment(fields); comment != "" {
		info.Comment = &comment
	}
	if name, ok := fields["JobName"]; ok {
		info.Name = &name
	}
	if user, ok := fields["UserId"]; ok {
		u := strings.SplitN(user, "(", 2)[0]
		info.User = &u
	} else if user, ok := fields["User"]; ok {
		info.User = &user
	}
	if account, ok := fields["Account"]; ok {
		info.Account = &account
	}
	if queue, ok := fields["Partition"]; ok {
		info.Queue = &queue
	}

	if nodes := expandedNodes(fields); nodes != nil {
		info.Nodes = nodes
		if main := mainNode(fields, nodes); main != "" {
			info.MainNode = &main
		}
	}
	if nodeList, ok := fields["NodeList"]; ok && !strings.Contains(nodeList, "None") {
		info.ShortNodes = []string{nodeList}
	}

	info.NCPUs = intProperty(fields, "NumCPUs")
	info.NNodes = intProperty(fields, "NumNodes")
	ngpus := ngpusFromTres(tres(fields))
	info.NGPUs = &ngpus
	mem := memFromTres(tres(fields))
	info.Mem = &mem

	if t, ok := dateField(fields, "StartTime"); ok {
		info.StartTime = &t
	}
	if t, ok := dateField(fields, "SubmitTime"); ok {
		info.SubmissionTime = &t
	}
	if t, ok := dateField(fields, "EndTime"); ok {
		info.CompletionTime = &t
	}
	if info.CompletionTime != nil {
		info.ModificationTime = info.CompletionTime
	} else {
		info.ModificationTime = info.SubmissionTime
	}

	if wt, ok := fields["TimeLimit"]; ok {
		if d, err := duration.ParseHHMMSS(wt); err == nil {
			wallDuration := d.Duration()
			info.Walltime = &wallDuration
		}
	}

	if exit, ok := exitCode(fields); ok {
		info.ExitCode = &exit
	}

	if dir, ok := fields["WorkDir"]; ok {
		info.InputDir = &dir
	}

	if est, ok := estimated(fields, info.StartTime); ok {
		info.Estimated = &est
	}

	return info
}

func jobState(fields map[string]string) state.BatchState {
	raw, ok := fields["JobState"]
	if !ok {
		return state.BatchUnknown
	}
	raw = strings.Fields(raw)[0]
	converted, ok := stateConverter[raw]
	if !ok {
		converted = state.BatchUnknown
	}

	if converted == state.BatchQueued {
		if comment := jobComment(fields); strings.Contains(comment, "Dependency") {
			return state.BatchHeld
		}
	}
	return converted
}

func jobComment(fields map[string]string) string {
	if reason, ok := fields["Reason"]; ok && reason != "None" && reason != "" {
		return "Reason: " + reason
	}
	return ""
}

func tres(fields map[string]string) string {
	if alloc, ok := fields["AllocTRES"]; ok && alloc != "" && !strings.Contains(alloc, "null") &&
		!strings.Contains(alloc, "None") && !strings.Contains(alloc, "N/A") {
		return alloc
	}
	return fields["ReqTRES"]
}

func ngpusFromTres(tres string) int {
	for _, item := range strings.Split(tres, ",") {
		if strings.HasPrefix(item, "gpu=") || strings.HasPrefix(item, "gres/gpu=") {
			parts := strings.SplitN(item, "=", 2)
			if len(parts) == 2 {
				if n, err := strconv.Atoi(parts[1]); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

func memFromTres(tres string) size.Size {
	for _, item := range strings.Split(tres, ",") {
		if strings.HasPrefix(item, "mem=") {
			if s, err := size.Parse(strings.TrimPrefix(item, "mem=")); err == nil {
				return s
			}
		}
	}
	z, _ := size.New(0, "kb")
	return z
}

func intProperty(fields map[string]string, key string) *int {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	raw = strings.SplitN(raw, "-", 2)[0]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func dateField(fields map[string]string, key string) (time.Time, bool) {
	raw, ok := fields[key]
	if !ok {
		return time.Time{}, false
	}
	switch strings.ToLower(raw) {
	case "unknown", "n/a", "none", "":
		return time.Time{}, false
	}
	t, err := time.Parse(SlurmDateFormat, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func exitCode(fields map[string]string) (int, bool) {
	raw, ok := fields["ExitCode"]
	if !ok {
		return 0, false
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	code, err1 := strconv.Atoi(parts[0])
	signal, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	if code != 0 {
		return code, true
	}
	return signal, true
}

func expandedNodes(fields map[string]string) []string {
	nodeList, ok := fields["NodeList"]
	if !ok || strings.Contains(nodeList, "None") {
		return nil
	}
	// the compact node list (e.g. "node[01-03]") is returned as a single
	// unexpanded entry; no "scontrol show hostnames" call is made.
	return []string{nodeList}
}

func mainNode(fields map[string]string, nodes []string) string {
	if host, ok := fields["BatchHost"]; ok && !strings.Contains(host, "None") {
		return host
	}
	if len(nodes) > 0 {
		return nodes[0]
	}
	return ""
}

func estimated(fields map[string]string, start *time.Time) (batch.EstimatedStart, bool) {
	if start == nil {
		return batch.EstimatedStart{}, false
	}
	nodeList, ok := fields["SchedNodeList"]
	if !ok || strings.Contains(nodeList, "None") {
		return batch.EstimatedStart{}, false
	}
	return batch.EstimatedStart{Time: *start, Node: nodeList}, true
}

// sacctFieldsFromLine zips a pipe-delimited sacct --parsable2 line with
// SacctFields, mirroring SlurmJob.fromSacctString.
func sacctFieldsFromLine(line string) (string, map[string]string, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != len(SacctFields) {
		return "", nil, false
	}

	fields := make(map[string]string, len(parts))
	for i, name := range SacctFields {
		fields[name] = parts[i]
	}
	fields["JobState"] = strings.Fields(fields["State"])[0]
	fields["JobName"] = fields["JobName"]

	assignIfAllocated(fields, "AllocCPUs", "ReqCPUs", "NumCPUs")
	assignIfAllocated(fields, "AllocNodes", "ReqNodes", "NumNodes")

	// translate sacct's column names onto the scontrol names jobInfoFromFields reads
	fields["UserId"] = fields["User"]
	fields["SubmitTime"] = fields["Submit"]
	fields["StartTime"] = fields["Start"]
	fields["EndTime"] = fields["End"]

	return fields["JobID"], fields, true
}

func assignIfAllocated(fields map[string]string, allocKey, reqKey, targetKey string) {
	value := fields[allocKey]
	if value == "" || value == "None" || value == "0" {
		fields[targetKey] = fields[reqKey]
		return
	}
	fields[targetKey] = value
}
