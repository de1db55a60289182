// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package pbs

import (
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/size"
)

// nodeInfoFromFields converts a single "pbsnodes -av" block into a
// batch.NodeInfo, mirroring PBSNode's getters.
func nodeInfoFromFields(name string, fields map[string]string) batch.NodeInfo {
	n := batch.NodeInfo{Name: name}

	n.NCPUs = nodeIntResource(fields, "resources_available.ncpus")
	n.NFreeCPUs = nodeFreeIntResource(fields, "ncpus")
	n.NGPUs = nodeIntResource(fields, "resources_available.ngpus")
	n.NFreeGPUs = nodeFreeIntResource(fields, "ngpus")

	n.CPUMemory = nodeSizeResource(fields, "resources_available.mem")
	n.FreeCPUMemory = nodeFreeSizeResource(fields, "mem")
	n.GPUMemory = nodeSizeResource(fields, "resources_available.gpu_mem")
	n.FreeGPUMemory = nodeFreeSizeResource(fields, "gpu_mem")

	n.LocalScratch = nodeSizeResource(fields, "resources_available.scratch_local")
	n.FreeLocalScratch = nodeFreeSizeResource(fields, "scratch_local")
	n.SSDScratch = nodeSizeResource(fields, "resources_available.scratch_ssd")
	n.FreeSSDScratch = nodeFreeSizeResource(fields, "scratch_ssd")
	n.SharedScratch = nodeSizeResource(fields, "resources_available.scratch_shared")
	n.FreeSharedScratch = nodeFreeSizeResource(fields, "scratch_shared")

	n.Properties = nodeProperties(fields)

	return n
}

func nodeIntResource(fields map[string]string, key string) int {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func nodeFreeIntResource(fields map[string]string, res string) int {
	full := nodeIntResource(fields, "resources_available."+res)
	assigned := nodeIntResource(fields, "resources_assigned."+res)
	if diff := full - assigned; diff >= 0 {
		return diff
	}
	return 0
}

func zeroSize() size.Size {
	s, _ := size.New(0, "kb")
	return s
}

func nodeSizeResource(fields map[string]string, key string) size.Size {
	v, ok := fields[key]
	if !ok || v == "" {
		return zeroSize()
	}
	s, err := size.Parse(v)
	if err != nil {
		return zeroSize()
	}
	return s
}

func nodeFreeSizeResource(fields map[string]string, res string) size.Size {
	full := nodeSizeResource(fields, "resources_available."+res)
	assigned := nodeSizeResource(fields, "resources_assigned."+res)
	diffKiB := full.KiB() - assigned.KiB()
	if diffKiB < 0 {
		return zeroSize()
	}
	s, err := size.New(diffKiB, "kb")
	if err != nil {
		return zeroSize()
	}
	return s
}

func nodeProperties(fields map[string]string) []string {
	var props []string
	for key, value := range fields {
		if strings.HasPrefix(key, "resources_available.") && value == "True" {
			props = append(props, strings.TrimPrefix(key, "resources_available."))
		}
	}
	return props
}

// nodeAvailableToUser reproduces PBSNode.isAvailableToUser: the node must
// not be in a disabled state, and if it belongs to a queue, that queue
// must be available to the user.
func nodeAvailableToUser(fields map[string]string, queueAvailable func(queue string) bool) bool {
	state, ok := fields["state"]
	if !ok || state == "" {
		return false
	}
	for _, disabled := range []string{"down", "unknown", "unresolvable", "resv-exclusive"} {
		if strings.Contains(state, disabled) {
			return false
		}
	}
	if queue, ok := fields["queue"]; ok && queue != "" {
		return queueAvailable(queue)
	}
	return true
}
