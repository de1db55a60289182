// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package pbs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleQueueFields() map[string]string {
	return map[string]string{
		"Priority":                "10",
		"total_jobs":              "15",
		"state_count":             "Transit:0 Queued:3 Held:1 Waiting:2 Running:5 Exiting:1 Begun:0",
		"resources_max.walltime":  "24:00:00",
		"comment":                 "default queue|internal note",
		"route_destinations":      "gpu,bigmem",
		"from_route_only":         "False",
		"enabled":                 "True",
		"started":                 "True",
		"resources_default.nnodes": "1",
		"resources_default.ncpus":  "4",
	}
}

func TestQueueInfoFromFields(t *testing.T) {
	q := queueInfoFromFields("default", sampleQueueFields())

	assert.Equal(t, "default", q.Name)
	require.NotNil(t, q.Priority)
	assert.Equal(t, 10, *q.Priority)
	assert.Equal(t, 15, q.TotalJobs)
	assert.Equal(t, 5, q.RunningJobs)
	assert.Equal(t, 3+1+2, q.QueuedJobs)
	assert.Equal(t, 0+1+0, q.OtherJobs)
	require.NotNil(t, q.MaxWalltime)
	assert.Equal(t, "default queue", q.Comment)
	assert.Equal(t, []string{"gpu", "bigmem"}, q.Destinations)
	assert.False(t, q.RouteOnly)
}

func TestIsAvailableToUser_Disabled(t *testing.T) {
	fields := sampleQueueFields()
	fields["enabled"] = "False"
	assert.False(t, isAvailableToUser(fields, "alice", nil, "host"))
}

func TestIsAvailableToUser_ACLUsers(t *testing.T) {
	fields := sampleQueueFields()
	fields["acl_user_enable"] = "True"
	fields["acl_users"] = "bob,carol"
	assert.False(t, isAvailableToUser(fields, "alice", nil, "host"))

	fields["acl_users"] = "bob,alice"
	assert.True(t, isAvailableToUser(fields, "alice", nil, "host"))
}

func TestDefaultQueueResources(t *testing.T) {
	r := defaultQueueResources(sampleQueueFields())
	require.NotNil(t, r.NNodes)
	assert.Equal(t, 1, *r.NNodes)
	require.NotNil(t, r.NCPUs)
	assert.Equal(t, 4, *r.NCPUs)
}

func TestJobStateCounts_Missing(t *testing.T) {
	assert.Empty(t, jobStateCounts(map[string]string{}))
}
