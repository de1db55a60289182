// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package slurm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/dependency"
	"github.com/qqbatch/qq/pkg/resources"
	"github.com/qqbatch/qq/pkg/size"
)

func intPtr(n int) *int { return &n }

func TestTranslatePerChunkResources(t *testing.T) {
	mem, _ := size.New(8, "gb")
	res := resources.Resources{
		NNodes: intPtr(2),
		NCPUs:  intPtr(8),
		NGPUs:  intPtr(2),
		Mem:    &mem,
	}
	out, err := translatePerChunkResources(res)
	require.NoError(t, err)
	assert.Contains(t, out, "--ntasks-per-node=1")
	assert.Contains(t, out, "--cpus-per-task=4")
	assert.Contains(t, out, "--mem=4gb")
	assert.Contains(t, out, "--gpus-per-node=1")
}

func TestTranslatePerChunkResources_NotDivisible(t *testing.T) {
	res := resources.Resources{NNodes: intPtr(3), NCPUs: intPtr(8)}
	_, err := translatePerChunkResources(res)
	assert.Error(t, err)
}

func TestTranslatePerChunkResources_MemPerCPU(t *testing.T) {
	memPerCPU, _ := size.New(2, "gb")
	res := resources.Resources{NNodes: intPtr(1), NCPUs: intPtr(4), MemPerCPU: &memPerCPU}
	out, err := translatePerChunkResources(res)
	require.NoError(t, err)
	assert.Contains(t, out, "--mem-per-cpu=2gb")
}

func TestTranslatePerChunkResources_MissingMemory(t *testing.T) {
	res := resources.Resources{NNodes: intPtr(1), NCPUs: intPtr(4)}
	_, err := translatePerChunkResources(res)
	assert.Error(t, err)
}

func TestTranslateConstraint(t *testing.T) {
	out, err := translateConstraint(map[string]string{"gpuhost": "true", "infiniband": "true"})
	require.NoError(t, err)
	assert.Contains(t, out, "gpuhost")
	assert.Contains(t, out, "infiniband")
}

func TestTranslateConstraint_NonBooleanValue(t *testing.T) {
	_, err := translateConstraint(map[string]string{"tier": "gold"})
	assert.Error(t, err)
}

func TestTranslateConstraint_SkipsAccount(t *testing.T) {
	out, err := translateConstraint(map[string]string{"account": "proj1"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTranslateDependencies(t *testing.T) {
	deps := []dependency.Dependency{
		{Kind: dependency.AfterOK, JobIDs: []string{"1", "2"}},
	}
	assert.Equal(t, "afterok:1:2", translateDependencies(deps))
}

func TestTranslateSubmit_BuildsCommand(t *testing.T) {
	mem, _ := size.New(4, "gb")
	req := batch.SubmitRequest{
		Resources: resources.Resources{
			NNodes: intPtr(1),
			NCPUs:  intPtr(4),
			Mem:    &mem,
		},
		Queue:   "default",
		Script:  "/home/alice/run/job.sh",
		JobName: "myjob",
	}
	backend := New(nil)
	command, err := backend.translateSubmit(req)
	require.NoError(t, err)
	assert.Contains(t, command, "sbatch -J myjob -p default")
	assert.Contains(t, command, "--nodes=1")
	assert.Contains(t, command, "--cpus-per-task=4")
	assert.Contains(t, command, "/home/alice/run/job.sh")
}

func TestTranslateSubmit_Account(t *testing.T) {
	mem, _ := size.New(4, "gb")
	req := batch.SubmitRequest{
		Resources: resources.Resources{
			NNodes: intPtr(1),
			NCPUs:  intPtr(4),
			Mem:    &mem,
			Props:  map[string]string{"account": "proj1"},
		},
		Queue:   "default",
		Script:  "job.sh",
		JobName: "myjob",
	}
	backend := New(nil)
	command, err := backend.translateSubmit(req)
	require.NoError(t, err)
	assert.Contains(t, command, "--account=proj1")
}

func TestTranslateSubmit_MissingNNodes(t *testing.T) {
	req := batch.SubmitRequest{Resources: resources.Resources{}, Queue: "default", Script: "job.sh", JobName: "j"}
	backend := New(nil)
	_, err := backend.translateSubmit(req)
	assert.Error(t, err)
}

func TestParseSbatchJobID(t *testing.T) {
	assert.Equal(t, "12345", parseSbatchJobID("Submitted batch job 12345\n"))
}

func TestIsAvailable(t *testing.T) {
	backend := New(nil)
	_ = backend.IsAvailable()
}

func TestGetNodes_NotImplemented(t *testing.T) {
	backend := New(nil)
	_, err := backend.GetNodes(nil)
	assert.Error(t, err)
}

func TestTransformResources_NotImplemented(t *testing.T) {
	backend := New(nil)
	_, err := backend.TransformResources("default", resources.Resources{})
	assert.Error(t, err)
}

func TestScratchDir_NotImplemented(t *testing.T) {
	backend := New(nil)
	_, err := backend.ScratchDir(nil, "123")
	assert.Error(t, err)
}
