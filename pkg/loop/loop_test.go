package loop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsMissingEnd(t *testing.T) {
	_, err := New(Options{Start: 0, Archive: t.TempDir(), ArchiveFormat: "+%04d"})
	assert.Error(t, err)
}

func TestNew_RejectsArchiveEqualToJobDir(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{Start: 0, End: 5, Archive: dir, ArchiveFormat: "+%04d", JobDir: dir})
	assert.Error(t, err)
}

func TestNew_RejectsStartAfterEnd(t *testing.T) {
	_, err := New(Options{Start: 6, End: 5, Archive: t.TempDir(), ArchiveFormat: "+%04d"})
	assert.Error(t, err)
}

func TestNew_DefaultsCurrentToStartWhenArchiveMissing(t *testing.T) {
	info, err := New(Options{Start: 2, End: 10, Archive: filepath.Join(t.TempDir(), "missing"), ArchiveFormat: "+%04d"})
	require.NoError(t, err)
	assert.Equal(t, 2, info.Current)
}

func TestNew_DiscoversCurrentFromArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh+0001.out"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "+0004.out"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "+0002.out"), []byte("x"), 0o644))

	info, err := New(Options{Start: 0, End: 10, Archive: dir, ArchiveFormat: "+%04d"})
	require.NoError(t, err)
	assert.Equal(t, 4, info.Current)
}

func TestNew_ExplicitCurrentOverridesDiscovery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "+0004.out"), []byte("x"), 0o644))

	info, err := New(Options{Start: 0, End: 10, Archive: dir, ArchiveFormat: "+%04d", Current: 1, CurrentSet: true})
	require.NoError(t, err)
	assert.Equal(t, 1, info.Current)
}

func TestNew_RejectsCurrentAboveEnd(t *testing.T) {
	_, err := New(Options{Start: 0, End: 3, Archive: t.TempDir(), ArchiveFormat: "+%04d", Current: 5, CurrentSet: true})
	assert.Error(t, err)
}

func TestIsFinalCycle(t *testing.T) {
	info := &Info{Start: 0, End: 5, Current: 5}
	assert.True(t, info.IsFinalCycle())

	info.Current = 4
	assert.False(t, info.IsFinalCycle())
}
