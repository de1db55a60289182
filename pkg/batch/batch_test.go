package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/resources"
)

type fakeBackend struct {
	name      string
	available bool
}

func (f *fakeBackend) Name() string       { return f.name }
func (f *fakeBackend) IsAvailable() bool  { return f.available }
func (f *fakeBackend) ScratchDir(ctx context.Context, jobID string) (string, error) {
	return "/scratch/" + jobID, nil
}
func (f *fakeBackend) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	return "1.fake", nil
}
func (f *fakeBackend) Kill(ctx context.Context, jobID string) error      { return nil }
func (f *fakeBackend) KillForce(ctx context.Context, jobID string) error { return nil }
func (f *fakeBackend) GetJob(ctx context.Context, jobID string) (JobInfo, error) {
	return JobInfo{ID: jobID, Exists: true}, nil
}
func (f *fakeBackend) GetUnfinishedJobs(ctx context.Context, user string) ([]JobInfo, error) {
	return nil, nil
}
func (f *fakeBackend) GetJobs(ctx context.Context, user string) ([]JobInfo, error) { return nil, nil }
func (f *fakeBackend) GetAllUnfinishedJobs(ctx context.Context) ([]JobInfo, error)  { return nil, nil }
func (f *fakeBackend) GetAllJobs(ctx context.Context) ([]JobInfo, error)            { return nil, nil }
func (f *fakeBackend) GetQueues(ctx context.Context) ([]QueueInfo, error)           { return nil, nil }
func (f *fakeBackend) GetNodes(ctx context.Context) ([]NodeInfo, error)             { return nil, nil }
func (f *fakeBackend) TransformResources(queue string, provided resources.Resources) (resources.Resources, error) {
	return provided, nil
}

func resetRegistry() {
	registry = map[string]func(logging.Logger) Backend{}
	registrationOrder = nil
}

func TestFromName(t *testing.T) {
	resetRegistry()
	RegisterOrdered("fake", func(l logging.Logger) Backend { return &fakeBackend{name: "fake", available: true} })

	b, err := FromName("fake", logging.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, "fake", b.Name())
}

func TestFromName_Unregistered(t *testing.T) {
	resetRegistry()
	_, err := FromName("nope", logging.NoOpLogger{})
	assert.Error(t, err)
}

func TestGuess_PicksFirstAvailable(t *testing.T) {
	resetRegistry()
	RegisterOrdered("unavailable", func(l logging.Logger) Backend {
		return &fakeBackend{name: "unavailable", available: false}
	})
	RegisterOrdered("available", func(l logging.Logger) Backend {
		return &fakeBackend{name: "available", available: true}
	})

	b, err := Guess(logging.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, "available", b.Name())
}

func TestGuess_NoneAvailable(t *testing.T) {
	resetRegistry()
	RegisterOrdered("unavailable", func(l logging.Logger) Backend {
		return &fakeBackend{name: "unavailable", available: false}
	})

	_, err := Guess(logging.NoOpLogger{})
	assert.Error(t, err)
}

func TestSelect_ExplicitNameWins(t *testing.T) {
	resetRegistry()
	RegisterOrdered("a", func(l logging.Logger) Backend { return &fakeBackend{name: "a", available: true} })
	RegisterOrdered("b", func(l logging.Logger) Backend { return &fakeBackend{name: "b", available: true} })

	b, err := Select("b", logging.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, "b", b.Name())
}

func TestFromEnvOrGuess_UsesEnvVar(t *testing.T) {
	resetRegistry()
	RegisterOrdered("a", func(l logging.Logger) Backend { return &fakeBackend{name: "a", available: true} })
	RegisterOrdered("b", func(l logging.Logger) Backend { return &fakeBackend{name: "b", available: true} })

	t.Setenv(EnvBatchSystem, "b")
	b, err := FromEnvOrGuess(logging.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, "b", b.Name())
}
