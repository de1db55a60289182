// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package pbs

import (
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/resources"
)

// queueInfoFromFields converts a single "qstat -Qfw <name>" block into a
// batch.QueueInfo, mirroring PBSQueue's getters.
func queueInfoFromFields(name string, fields map[string]string) batch.QueueInfo {
	q := batch.QueueInfo{Name: name}

	if v, ok := fields["Priority"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			q.Priority = &n
		}
	}
	q.TotalJobs = intOrZero(fields, "total_jobs")

	counts := jobStateCounts(fields)
	q.RunningJobs = counts["Running"]
	q.QueuedJobs = counts["Queued"] + counts["Held"] + counts["Waiting"]
	q.OtherJobs = counts["Transit"] + counts["Exiting"] + counts["Begun"]

	if raw, ok := fields["resources_max.walltime"]; ok {
		if d, err := parseHHMMSSDuration(raw); err == nil {
			q.MaxWalltime = &d
		}
	}

	if raw, ok := fields["comment"]; ok {
		q.Comment = strings.SplitN(raw, "|", 2)[0]
	}

	if raw, ok := fields["route_destinations"]; ok && raw != "" {
		q.Destinations = strings.Split(raw, ",")
	}

	q.RouteOnly = fields["from_route_only"] == "True"

	return q
}

func intOrZero(fields map[string]string, key string) int {
	n, _ := intField(fields, key)
	return n
}

func jobStateCounts(fields map[string]string) map[string]int {
	counts := map[string]int{}
	raw, ok := fields["state_count"]
	if !ok {
		return counts
	}
	for _, part := range strings.Fields(raw) {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		if n, err := strconv.Atoi(kv[1]); err == nil {
			counts[kv[0]] = n
		}
	}
	return counts
}

// isAvailableToUser reproduces PBSQueue.isAvailableToUser: a queue must be
// enabled and started, and if it carries an ACL, the user (or one of the
// given groups/hosts) must be allowed by it.
func isAvailableToUser(fields map[string]string, user string, groups []string, host string) bool {
	if fields["enabled"] != "True" || fields["started"] != "True" {
		return false
	}

	if fields["acl_user_enable"] == "True" {
		if !aclAllows(fields["acl_users"], user) {
			return false
		}
	}
	if fields["acl_group_enable"] == "True" {
		allowed := false
		for _, g := range groups {
			if aclAllows(fields["acl_groups"], g) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if fields["acl_host_enable"] == "True" {
		if !aclAllows(fields["acl_hosts"], host) {
			return false
		}
	}

	return true
}

func aclAllows(acl, entry string) bool {
	if acl == "" {
		return false
	}
	for _, v := range strings.Split(acl, ",") {
		if strings.TrimSpace(v) == entry {
			return true
		}
	}
	return false
}

// defaultQueueResources extracts the "resources_default.*" fields from a
// queue dump, mirroring PBSQueue.getDefaultResources.
func defaultQueueResources(fields map[string]string) resources.Resources {
	var r resources.Resources
	for key, value := range fields {
		if !strings.HasPrefix(key, "resources_default.") {
			continue
		}
		resourceName := strings.TrimPrefix(key, "resources_default.")
		value = strings.TrimSpace(value)

		switch resourceName {
		case "nnodes":
			if n, err := strconv.Atoi(value); err == nil {
				r.NNodes = &n
			}
		case "ncpus":
			if n, err := strconv.Atoi(value); err == nil {
				r.NCPUs = &n
			}
		case "ngpus":
			if n, err := strconv.Atoi(value); err == nil {
				r.NGPUs = &n
			}
		case "walltime":
			if d, err := parseHHMMSSDuration(value); err == nil {
				if wt, err := duration.New(d); err == nil {
					r.Walltime = &wt
				}
			}
		}
	}
	return r
}
