// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package slurm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/batch"
)

// queueInfoFromFields converts a parsed "scontrol show partition -o" line
// into a batch.QueueInfo. Job counts come from a separate "squeue -p" tally
// (setQueueJobCounts) since the partition dump itself carries none.
func queueInfoFromFields(name string, fields map[string]string) batch.QueueInfo {
	q := batch.QueueInfo{Name: name}

	if tier, ok := fields["PriorityTier"]; ok {
		if n, err := strconv.Atoi(tier); err == nil {
			q.Priority = &n
		}
	}

	if dest, ok := fields["AllowGroups"]; ok && dest != "ALL" && dest != "" {
		q.Destinations = strings.Split(dest, ",")
	}

	return q
}

// setQueueJobCounts tallies state-grouped counts from a "squeue -p <name>
// -h -o %T | uniq -c" style output, mirroring SlurmQueue._setJobNumbers.
func setQueueJobCounts(q *batch.QueueInfo, counts map[string]int) {
	for state, n := range counts {
		q.TotalJobs += n
		switch state {
		case "RUNNING":
			q.RunningJobs += n
		case "PENDING":
			q.QueuedJobs += n
		case "SUSPENDED", "PREEMPTED":
			q.OtherJobs += n
		}
	}
}

// parseJobStateCounts parses "   3 RUNNING\n   5 PENDING\n" style
// uniq-c output into a state->count map.
func parseJobStateCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		counts[fields[1]] = n
	}
	return counts
}

// priorityLabel renders a partition's priority the way the teacher's CLI
// displays it: tier number with the job factor in parens.
func priorityLabel(tier, jobFactor int) string {
	return fmt.Sprintf("T%d (%d)", tier, jobFactor)
}

// isAvailableToUser evaluates a partition's ACLs (State plus
// Allow/Deny Accounts, Groups, and QOS lists) for the given user context,
// mirroring SlurmQueue.isAvailableToUser.
func isAvailableToUser(fields map[string]string, account string, groups []string, qos string) bool {
	if state, ok := fields["State"]; ok && !strings.Contains(state, "UP") {
		return false
	}

	if !aclListAllows(fields["AllowAccounts"], fields["DenyAccounts"], account) {
		return false
	}
	if !aclAnyAllows(fields["AllowGroups"], fields["DenyGroups"], groups) {
		return false
	}
	if !aclListAllows(fields["AllowQos"], fields["DenyQos"], qos) {
		return false
	}
	return true
}

func aclListAllows(allow, deny, entry string) bool {
	if deny != "" && deny != "(null)" && containsCSV(deny, entry) {
		return false
	}
	if allow == "" || allow == "(null)" || allow == "ALL" {
		return true
	}
	return containsCSV(allow, entry)
}

func aclAnyAllows(allow, deny string, entries []string) bool {
	if deny != "" && deny != "(null)" {
		for _, e := range entries {
			if containsCSV(deny, e) {
				return false
			}
		}
	}
	if allow == "" || allow == "(null)" || allow == "ALL" {
		return true
	}
	for _, e := range entries {
		if containsCSV(allow, e) {
			return true
		}
	}
	return false
}

func containsCSV(csv, entry string) bool {
	for _, item := range strings.Split(csv, ",") {
		if strings.TrimSpace(item) == entry {
			return true
		}
	}
	return false
}
