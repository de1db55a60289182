// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package pbs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbatch/qq/pkg/state"
)

func sampleJobFields() map[string]string {
	return map[string]string{
		"job_state":               "R",
		"Job_Name":                "mysim.sh",
		"Job_Owner":               "alice@headnode",
		"queue":                   "default",
		"Submit_Host":             "headnode",
		"exec_host2":              "node01/0*4+node02/0*4",
		"exec_host":               "node01+node02",
		"Resource_List.ncpus":     "8",
		"Resource_List.ngpus":     "2",
		"Resource_List.nodect":    "2",
		"Resource_List.mem":       "16gb",
		"Resource_List.walltime":  "02:00:00",
		"stime":                   "Mon Jan 5 10:00:00 2026",
		"ctime":                   "Mon Jan 5 09:00:00 2026",
		"Variable_List":           "PBS_O_WORKDIR=/home/alice/run,QQ_INFO=/home/alice/run/job.qqinfo",
	}
}

func TestJobInfoFromFields_Basic(t *testing.T) {
	info := jobInfoFromFields("1.server", sampleJobFields())

	require.True(t, info.Exists)
	assert.Equal(t, state.BatchRunning, info.State)
	require.NotNil(t, info.Name)
	assert.Equal(t, "mysim.sh", *info.Name)
	require.NotNil(t, info.User)
	assert.Equal(t, "alice", *info.User)
	require.NotNil(t, info.Queue)
	assert.Equal(t, "default", *info.Queue)
	require.NotNil(t, info.MainNode)
	assert.Equal(t, "node01", *info.MainNode)
	assert.Equal(t, []string{"node01", "node02"}, info.Nodes)
	require.NotNil(t, info.NCPUs)
	assert.Equal(t, 8, *info.NCPUs)
	require.NotNil(t, info.NGPUs)
	assert.Equal(t, 2, *info.NGPUs)
	require.NotNil(t, info.Mem)
	require.NotNil(t, info.Walltime)
	assert.Equal(t, 2*time.Hour, *info.Walltime)
	require.NotNil(t, info.InputDir)
	assert.Equal(t, "/home/alice/run", *info.InputDir)
	require.NotNil(t, info.InfoFile)
	assert.Equal(t, "/home/alice/run/job.qqinfo", *info.InfoFile)
}

func TestJobInfoFromFields_MissingJobDoesNotExist(t *testing.T) {
	info := jobInfoFromFields("2.server", nil)
	assert.False(t, info.Exists)
	assert.Equal(t, state.BatchUnknown, info.State)
}

func TestJobState_FinishedWithZeroExit(t *testing.T) {
	fields := map[string]string{"job_state": "F", "Exit_status": "0"}
	assert.Equal(t, state.BatchStateFromCode("F"), jobState(fields))
}

func TestJobState_FinishedWithNonzeroExitIsFailed(t *testing.T) {
	fields := map[string]string{"job_state": "F", "Exit_status": "1"}
	assert.Equal(t, state.BatchFailed, jobState(fields))
}

func TestJobState_FinishedWithMissingExitIsFailed(t *testing.T) {
	fields := map[string]string{"job_state": "F"}
	assert.Equal(t, state.BatchFailed, jobState(fields))
}

func TestCleanNodeName(t *testing.T) {
	assert.Equal(t, "node01", cleanNodeName("node01/0*4"))
	assert.Equal(t, "node01", cleanNodeName("node01:ncpus=4"))
	assert.Equal(t, "node01", cleanNodeName("(node01)"))
}

func TestParseHHMMSSDuration(t *testing.T) {
	d, err := parseHHMMSSDuration("01:02:03")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, d)

	d, err = parseHHMMSSDuration("30:00")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	d, err = parseHHMMSSDuration("45")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	_, err = parseHHMMSSDuration("bad:value:here")
	assert.Error(t, err)
}

func TestVariableList(t *testing.T) {
	fields := map[string]string{"Variable_List": "A=1,B=2"}
	vars := variableList(fields)
	assert.Equal(t, "1", vars["A"])
	assert.Equal(t, "2", vars["B"])
}

func TestVariableList_Missing(t *testing.T) {
	assert.Nil(t, variableList(map[string]string{}))
}
