// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package slurm implements the batch.Backend contract for Slurm, driving
// sbatch/scancel/scontrol/squeue/sacct the way an interactive Slurm user
// would. Unlike PBS's column-wrapped block dumps, Slurm's "-o"-flagged
// commands emit one space-separated "key=value" blob per entity, parsed
// by parseDump below.
package slurm

import (
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/size"
)

// SacctFields is the column list requested from sacct, in order, for the
// pipe-delimited "--parsable2" output format.
var SacctFields = []string{
	"JobID", "Account", "State", "User", "JobName", "Partition", "WorkDir",
	"AllocCPUs", "ReqCPUs", "AllocTRES", "ReqTRES", "AllocNodes", "ReqNodes",
	"Submit", "Start", "End", "TimeLimit", "NodeList", "Reason", "ExitCode",
}

// SacctFormat renders SacctFields as the comma-joined --format= value.
func SacctFormat() string {
	return strings.Join(SacctFields, ",")
}

// parseDump parses a single-line "key=value key2=value2 ..." blob (the
// format of scontrol's "-o" output) into a flat string map.
func parseDump(text string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Fields(text) {
		idx := strings.Index(pair, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(pair[:idx])
		value := strings.TrimSpace(pair[idx+1:])
		result[key] = value
	}
	return result
}

// parseMultilineDump is parseDump's variant for scontrol show config's
// output, which spreads key=value pairs across many lines rather than
// one line per entity.
func parseMultilineDump(text string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key != "" {
			result[key] = value
		}
	}
	return result
}

// defaultResourcesFromDict extracts the resource fields a Slurm config or
// partition dump exposes under names Resources recognizes, mirroring
// default_resources_from_dict.
func defaultResourcesFromDict(fields map[string]string) resources.Resources {
	var r resources.Resources

	if v, ok := sizeField(fields, "DefMemPerCPU"); ok {
		r.MemPerCPU = &v
	}
	if raw, ok := fields["DefaultTime"]; ok && raw != "UNLIMITED" && raw != "" {
		if d, err := duration.ParseHHMMSS(raw); err == nil {
			r.Walltime = &d
		}
	}

	return r
}

func sizeField(fields map[string]string, key string) (size.Size, bool) {
	raw, ok := fields[key]
	if !ok || raw == "" || raw == "UNLIMITED" {
		return size.Size{}, false
	}
	// Slurm's bare numeric memory fields default to megabytes.
	if _, err := strconv.Atoi(raw); err == nil {
		raw += "mb"
	}
	s, err := size.Parse(raw)
	if err != nil {
		return size.Size{}, false
	}
	return s, true
}
