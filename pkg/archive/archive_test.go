package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern_FixedWidth(t *testing.T) {
	re, err := CompilePattern("+%04d")
	require.NoError(t, err)

	assert.True(t, re.MatchString("+0007"))
	assert.False(t, re.MatchString("+7"))
	assert.False(t, re.MatchString("+00007"))
}

func TestCompilePattern_VariableWidth(t *testing.T) {
	re, err := CompilePattern("job%d")
	require.NoError(t, err)

	assert.True(t, re.MatchString("job7"))
	assert.True(t, re.MatchString("job12345"))
	assert.False(t, re.MatchString("job"))
}

func TestCompilePattern_NoVerb(t *testing.T) {
	_, err := CompilePattern("job")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "+0007", Format("+%04d", 7))
	assert.Equal(t, "job12345", Format("job%d", 12345))
}

func TestExtractCycle(t *testing.T) {
	n, ok := ExtractCycle("run.sh+0042")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = ExtractCycle("run.sh")
	assert.False(t, ok)
}

func TestArchiver_ToArchiveAndFromArchive(t *testing.T) {
	workDir := t.TempDir()
	archiveDir := t.TempDir()

	a, err := New(archiveDir, "+%04d", "run.sh")
	require.NoError(t, err)
	require.NoError(t, a.MakeArchiveDir())

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "run.sh.out"), []byte("stdout"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "run.sh.err"), []byte("stderr"), 0o644))

	require.NoError(t, a.ToArchive(workDir, 3))

	assert.NoFileExists(t, filepath.Join(workDir, "run.sh.out"))
	assert.FileExists(t, filepath.Join(archiveDir, "run.sh+0003.out"))

	require.NoError(t, a.FromArchive(workDir, 3))
	data, err := os.ReadFile(filepath.Join(workDir, "run.sh.out"))
	require.NoError(t, err)
	assert.Equal(t, "stdout", string(data))

	// FromArchive copies rather than moves, leaving the archive intact.
	assert.FileExists(t, filepath.Join(archiveDir, "run.sh+0003.out"))
}

func TestArchiver_ArchiveRuntimeFiles(t *testing.T) {
	submitDir := t.TempDir()
	archiveDir := t.TempDir()

	a, err := New(archiveDir, "+%04d", "run.sh")
	require.NoError(t, err)
	require.NoError(t, a.MakeArchiveDir())

	require.NoError(t, os.WriteFile(filepath.Join(submitDir, "run.sh.out"), []byte("leftover"), 0o644))

	require.NoError(t, a.ArchiveRuntimeFiles(submitDir, "run.sh", 2))

	assert.NoFileExists(t, filepath.Join(submitDir, "run.sh.out"))
	assert.FileExists(t, filepath.Join(archiveDir, "run.sh+0002.out"))
}
