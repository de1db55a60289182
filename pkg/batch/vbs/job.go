// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package vbs

import (
	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/state"
)

// jobInfoFromVirtualJob converts a snapshotted virtualJob into a
// batch.JobInfo. snap is nil when the job was never submitted, mirroring
// VBSJobInfo wrapping a None job and reporting BatchState.UNKNOWN.
func jobInfoFromVirtualJob(jobID string, snap *jobSnapshot) batch.JobInfo {
	if snap == nil {
		return batch.JobInfo{ID: jobID, Exists: false, State: state.BatchUnknown}
	}

	info := batch.JobInfo{ID: jobID, Exists: true, State: snap.state}

	if snap.node != "" {
		node := snap.node
		info.MainNode = &node
		info.Nodes = []string{node}
	}
	if snap.state == state.BatchFinished || snap.state == state.BatchFailed {
		exit := snap.exit
		info.ExitCode = &exit
	}
	if snap.scratch != "" {
		dir := snap.scratch
		info.InputDir = &dir
	}

	return info
}
