// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package slurm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbatch/qq/pkg/batch"
)

func samplePartitionFields() map[string]string {
	return map[string]string{
		"PartitionName": "gpu",
		"PriorityTier":  "5",
		"State":         "UP",
		"AllowGroups":   "ALL",
	}
}

func TestQueueInfoFromFields(t *testing.T) {
	q := queueInfoFromFields("gpu", samplePartitionFields())
	assert.Equal(t, "gpu", q.Name)
	require.NotNil(t, q.Priority)
	assert.Equal(t, 5, *q.Priority)
}

func TestParseJobStateCounts(t *testing.T) {
	counts := parseJobStateCounts("   3 RUNNING\n   5 PENDING\n   1 SUSPENDED\n")
	assert.Equal(t, 3, counts["RUNNING"])
	assert.Equal(t, 5, counts["PENDING"])
	assert.Equal(t, 1, counts["SUSPENDED"])
}

func TestSetQueueJobCounts(t *testing.T) {
	q := batch.QueueInfo{}
	setQueueJobCounts(&q, map[string]int{"RUNNING": 3, "PENDING": 2, "SUSPENDED": 1})
	assert.Equal(t, 6, q.TotalJobs)
	assert.Equal(t, 3, q.RunningJobs)
	assert.Equal(t, 2, q.QueuedJobs)
	assert.Equal(t, 1, q.OtherJobs)
}

func TestIsAvailableToUser_Down(t *testing.T) {
	fields := samplePartitionFields()
	fields["State"] = "DOWN"
	assert.False(t, isAvailableToUser(fields, "proj1", []string{"g1"}, "normal"))
}

func TestIsAvailableToUser_DeniedAccount(t *testing.T) {
	fields := samplePartitionFields()
	fields["DenyAccounts"] = "proj1,proj2"
	assert.False(t, isAvailableToUser(fields, "proj1", nil, "normal"))
}

func TestIsAvailableToUser_AllowedAccountOnly(t *testing.T) {
	fields := samplePartitionFields()
	fields["AllowAccounts"] = "proj1,proj3"
	assert.True(t, isAvailableToUser(fields, "proj1", nil, "normal"))
	assert.False(t, isAvailableToUser(fields, "proj2", nil, "normal"))
}

func TestIsAvailableToUser_GroupACL(t *testing.T) {
	fields := samplePartitionFields()
	fields["AllowGroups"] = "admins,staff"
	assert.True(t, isAvailableToUser(fields, "proj1", []string{"staff"}, "normal"))
	assert.False(t, isAvailableToUser(fields, "proj1", []string{"guests"}, "normal"))
}

func TestPriorityLabel(t *testing.T) {
	assert.Equal(t, "T5 (100)", priorityLabel(5, 100))
}
