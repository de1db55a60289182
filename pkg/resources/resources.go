// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package resources models a job's requested compute resources: node and
// CPU/GPU counts (total or per-node), memory (absolute, per-node, or
// per-CPU), working-directory kind and scratch size, walltime, and
// arbitrary node-property constraints. A zero Resources means "nothing
// requested here" — every field is optional so directive-level resources
// can be merged with queue- and server-level defaults.
package resources

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/duration"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/size"
)

// Work directory kinds recognized by work_dir.
const (
	WorkDirInputDir     = "input_dir"
	WorkDirJobDir       = "job_dir" // alias for input_dir, normalized away
	WorkDirScratchLocal = "scratch_local"
	WorkDirScratchSSD   = "scratch_ssd"
	WorkDirScratchShared = "scratch_shared"
	WorkDirScratchShm   = "scratch_shm"
)

// Resources is a configuration bundle of resource directives. Every field
// is a pointer so "unset" is distinguishable from "set to zero".
type Resources struct {
	NNodes *int `yaml:"nnodes,omitempty"`

	NCPUs        *int `yaml:"ncpus,omitempty"`
	NCPUsPerNode *int `yaml:"ncpus_per_node,omitempty"`

	NGPUs        *int `yaml:"ngpus,omitempty"`
	NGPUsPerNode *int `yaml:"ngpus_per_node,omitempty"`

	Mem       *size.Size `yaml:"mem,omitempty"`
	MemPerNode *size.Size `yaml:"mem_per_node,omitempty"`
	MemPerCPU *size.Size `yaml:"mem_per_cpu,omitempty"`

	Walltime *duration.Duration `yaml:"walltime,omitempty"`

	WorkDir *string `yaml:"work_dir,omitempty"`

	WorkSize        *size.Size `yaml:"work_size,omitempty"`
	WorkSizePerNode *size.Size `yaml:"work_size_per_node,omitempty"`
	WorkSizePerCPU  *size.Size `yaml:"work_size_per_cpu,omitempty"`

	Props map[string]string `yaml:"props,omitempty"`
}

var propsSplit = regexp.MustCompile(`[,\s:]+`)

// ParseProps parses a "key=value,key2,^key3" style properties string into
// a map. A bare key means "true"; a "^"-prefixed key means "false". A key
// defined more than once is an error.
func ParseProps(props string) (map[string]string, error) {
	result := make(map[string]string)
	for _, part := range propsSplit.Split(props, -1) {
		if part == "" {
			continue
		}
		var key, value string
		switch {
		case strings.Contains(part, "="):
			kv := strings.SplitN(part, "=", 2)
			key, value = kv[0], kv[1]
		case strings.HasPrefix(part, "^"):
			key, value = strings.TrimLeft(part, "^"), "false"
		default:
			key, value = part, "true"
		}
		if _, ok := result[key]; ok {
			return nil, qerrors.Validation("property %q is defined multiple times", key)
		}
		result[key] = value
	}
	return result, nil
}

// ToCommandLine renders r as the CLI flags cmd/qq submit would need to
// reproduce it, mirroring the original QQResources.toCommandLine. Only
// fields submit's own flag set can express are rendered; a nil field is
// omitted entirely.
func (r *Resources) ToCommandLine() []string {
	var out []string

	appendInt := func(flag string, v *int) {
		if v != nil {
			out = append(out, flag, strconv.Itoa(*v))
		}
	}
	appendSize := func(flag string, v *size.Size) {
		if v != nil {
			out = append(out, flag, v.String())
		}
	}

	appendInt("--nnodes", r.NNodes)
	appendInt("--ncpus", r.NCPUs)
	appendInt("--ncpus-per-node", r.NCPUsPerNode)
	appendInt("--ngpus", r.NGPUs)
	appendInt("--ngpus-per-node", r.NGPUsPerNode)
	appendSize("--mem", r.Mem)
	appendSize("--mem-per-node", r.MemPerNode)
	appendSize("--mem-per-cpu", r.MemPerCPU)

	if r.Walltime != nil {
		out = append(out, "--walltime", r.Walltime.String())
	}
	if r.WorkDir != nil {
		out = append(out, "--work-dir", *r.WorkDir)
	}

	appendSize("--work-size", r.WorkSize)

	if len(r.Props) > 0 {
		out = append(out, "--props", propsToCommandLine(r.Props))
	}

	return out
}

// propsToCommandLine renders a props map back into ParseProps's
// "key=value,key2,^key3" form, in sorted key order for determinism.
func propsToCommandLine(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch props[k] {
		case "true":
			parts = append(parts, k)
		case "false":
			parts = append(parts, "^"+k)
		default:
			parts = append(parts, k+"="+props[k])
		}
	}
	return strings.Join(parts, ",")
}

// NormalizeWorkDir maps the job_dir alias to input_dir.
func NormalizeWorkDir(workDir string) string {
	if strings.EqualFold(workDir, WorkDirJobDir) {
		return WorkDirInputDir
	}
	return workDir
}

// UsesScratch reports whether r's work_dir (after normalization) is
// anything other than input_dir.
func (r *Resources) UsesScratch() bool {
	if r.WorkDir == nil {
		return false
	}
	return NormalizeWorkDir(*r.WorkDir) != WorkDirInputDir
}

// Validate normalizes job_dir to input_dir, checks divisibility
// invariants, and drops (with a warning) a work_size directive that
// conflicts with a non-scratch or shared-memory work_dir.
func (r *Resources) Validate(logger logging.Logger) error {
	if r.WorkDir != nil {
		normalized := NormalizeWorkDir(*r.WorkDir)
		r.WorkDir = &normalized
	}

	if r.NNodes != nil && r.NCPUs != nil {
		if *r.NNodes <= 0 {
			return qerrors.Validation("nnodes must be >= 1, got %d", *r.NNodes)
		}
		if *r.NCPUs%*r.NNodes != 0 {
			return qerrors.Validation("ncpus (%d) must be divisible by nnodes (%d)", *r.NCPUs, *r.NNodes)
		}
	}
	if r.NNodes != nil && r.NGPUs != nil {
		if *r.NGPUs%*r.NNodes != 0 {
			return qerrors.Validation("ngpus (%d) must be divisible by nnodes (%d)", *r.NGPUs, *r.NNodes)
		}
	}

	if mem := r.resolvedMemSelector(); mem != nil && mem.IsZero() {
		return qerrors.Validation("mem must resolve to a strictly positive size")
	}

	if r.forbidsWorkSize() {
		if r.WorkSize != nil || r.WorkSizePerNode != nil || r.WorkSizePerCPU != nil {
			if logger != nil {
				logger.Warn("work_size is not meaningful for this work_dir and is being dropped", "work_dir", *r.WorkDir)
			}
			r.WorkSize, r.WorkSizePerNode, r.WorkSizePerCPU = nil, nil, nil
		}
	}

	return nil
}

// resolvedMemSelector returns whichever of mem/mem_per_node/mem_per_cpu
// takes precedence, or nil if none is set.
func (r *Resources) resolvedMemSelector() *size.Size {
	switch {
	case r.Mem != nil:
		return r.Mem
	case r.MemPerNode != nil:
		return r.MemPerNode
	case r.MemPerCPU != nil:
		return r.MemPerCPU
	default:
		return nil
	}
}

func (r *Resources) forbidsWorkSize() bool {
	if r.WorkDir == nil {
		return false
	}
	switch NormalizeWorkDir(*r.WorkDir) {
	case WorkDirInputDir, WorkDirScratchShm:
		return true
	default:
		return false
	}
}

// EffectiveNCPUsPerNode returns the per-node CPU count, preferring the
// explicit per-node form and falling back to dividing the total by
// nnodes (defaulting nnodes to 1).
func (r *Resources) EffectiveNCPUsPerNode() (int, bool) {
	if r.NCPUsPerNode != nil {
		return *r.NCPUsPerNode, true
	}
	if r.NCPUs == nil {
		return 0, false
	}
	nnodes := 1
	if r.NNodes != nil {
		nnodes = *r.NNodes
	}
	return *r.NCPUs / nnodes, true
}

// EffectiveNGPUsPerNode mirrors EffectiveNCPUsPerNode for GPUs.
func (r *Resources) EffectiveNGPUsPerNode() (int, bool) {
	if r.NGPUsPerNode != nil {
		return *r.NGPUsPerNode, true
	}
	if r.NGPUs == nil {
		return 0, false
	}
	nnodes := 1
	if r.NNodes != nil {
		nnodes = *r.NNodes
	}
	return *r.NGPUs / nnodes, true
}

// EffectiveMemPerNode resolves mem/mem_per_node/mem_per_cpu (in that
// precedence) to an absolute per-node memory size.
func (r *Resources) EffectiveMemPerNode() (size.Size, bool) {
	nnodes := 1
	if r.NNodes != nil {
		nnodes = *r.NNodes
	}
	switch {
	case r.Mem != nil:
		s, _ := r.Mem.FloorDiv(int64(nnodes))
		return s, true
	case r.MemPerNode != nil:
		return *r.MemPerNode, true
	case r.MemPerCPU != nil:
		ncpus, ok := r.EffectiveNCPUsPerNode()
		if !ok {
			ncpus = 1
		}
		return r.MemPerCPU.Mul(int64(ncpus)), true
	default:
		return size.Size{}, false
	}
}

// MergeResources merges multiple Resources in order of precedence:
// earlier wins on a per-field basis, except that once an earlier set
// defines mem_per_cpu (resp. work_size_per_cpu), later sets' mem (resp.
// work_size) are ignored entirely — the per-CPU form "blocks" the
// absolute form from leaking in from a lower-precedence default. props
// maps are union-merged, earlier occurrences winning on key collision.
func MergeResources(rs ...*Resources) *Resources {
	merged := &Resources{}

	merged.NNodes = firstNonNilInt(rs, func(r *Resources) *int { return r.NNodes })
	merged.NCPUsPerNode = firstNonNilInt(rs, func(r *Resources) *int { return r.NCPUsPerNode })
	merged.NGPUsPerNode = firstNonNilInt(rs, func(r *Resources) *int { return r.NGPUsPerNode })
	merged.MemPerNode = firstNonNilSize(rs, func(r *Resources) *size.Size { return r.MemPerNode })
	merged.MemPerCPU = firstNonNilSize(rs, func(r *Resources) *size.Size { return r.MemPerCPU })
	merged.WorkSizePerNode = firstNonNilSize(rs, func(r *Resources) *size.Size { return r.WorkSizePerNode })
	merged.WorkSizePerCPU = firstNonNilSize(rs, func(r *Resources) *size.Size { return r.WorkSizePerCPU })
	merged.Walltime = firstNonNilDuration(rs, func(r *Resources) *duration.Duration { return r.Walltime })
	merged.WorkDir = firstNonNilString(rs, func(r *Resources) *string { return r.WorkDir })

	merged.NCPUs = firstNonBlockedInt(rs,
		func(r *Resources) *int { return r.NCPUs },
		func(r *Resources) *int { return r.NCPUsPerNode })
	merged.NGPUs = firstNonBlockedInt(rs,
		func(r *Resources) *int { return r.NGPUs },
		func(r *Resources) *int { return r.NGPUsPerNode })
	merged.Mem = firstNonBlockedSize(rs,
		func(r *Resources) *size.Size { return r.Mem },
		func(r *Resources) *size.Size { return r.MemPerCPU })
	merged.WorkSize = firstNonBlockedSize(rs,
		func(r *Resources) *size.Size { return r.WorkSize },
		func(r *Resources) *size.Size { return r.WorkSizePerCPU })

	mergedProps := make(map[string]string)
	for _, r := range rs {
		if r == nil {
			continue
		}
		for k, v := range r.Props {
			if _, ok := mergedProps[k]; !ok {
				mergedProps[k] = v
			}
		}
	}
	if len(mergedProps) > 0 {
		merged.Props = mergedProps
	}

	return merged
}

func firstNonNilInt(rs []*Resources, get func(*Resources) *int) *int {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if v := get(r); v != nil {
			return v
		}
	}
	return nil
}

func firstNonNilString(rs []*Resources, get func(*Resources) *string) *string {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if v := get(r); v != nil {
			return v
		}
	}
	return nil
}

func firstNonNilSize(rs []*Resources, get func(*Resources) *size.Size) *size.Size {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if v := get(r); v != nil {
			return v
		}
	}
	return nil
}

func firstNonNilDuration(rs []*Resources, get func(*Resources) *duration.Duration) *duration.Duration {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if v := get(r); v != nil {
			return v
		}
	}
	return nil
}

// firstNonBlockedInt picks the first non-nil field value while a blocking
// field has not yet appeared among the resources examined so far.
func firstNonBlockedInt(rs []*Resources, field, blockField func(*Resources) *int) *int {
	blocked := false
	for _, r := range rs {
		if r == nil {
			continue
		}
		if blockField(r) != nil {
			blocked = true
		}
		if v := field(r); v != nil && !blocked {
			return v
		}
	}
	return nil
}

func firstNonBlockedSize(rs []*Resources, field, blockField func(*Resources) *size.Size) *size.Size {
	blocked := false
	for _, r := range rs {
		if r == nil {
			continue
		}
		if blockField(r) != nil {
			blocked = true
		}
		if v := field(r); v != nil && !blocked {
			return v
		}
	}
	return nil
}
