package utils

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFilesIn(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if IsTempFile(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestWriteFileAtomic_ReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.txt")

	require.NoError(t, WriteFileAtomic(target, []byte("v1")))
	require.NoError(t, WriteFileAtomic(target, []byte("v2")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Empty(t, tempFilesIn(t, filepath.Dir(target)))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), info.Mode().Perm())
}

func TestAtomicFile_RenameFailureKeepsTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	originalRename := renameFile
	originalGOOS := runtimeGOOS
	renameFile = func(oldpath, newpath string) error { return fs.ErrExist }
	runtimeGOOS = "linux"
	t.Cleanup(func() {
		renameFile = originalRename
		runtimeGOOS = originalGOOS
	})

	err := WriteFileAtomic(target, []byte("new"))
	require.Error(t, err, "rename errors on non-Windows should bubble up")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.Empty(t, tempFilesIn(t, dir), "temp file removed after failure")
}

func TestAtomicFile_WindowsRenameRetry(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	originalRename := renameFile
	originalGOOS := runtimeGOOS
	calls := 0
	renameFile = func(oldpath, newpath string) error {
		calls++
		if calls == 1 {
			return fs.ErrExist
		}
		return os.Rename(oldpath, newpath)
	}
	runtimeGOOS = "windows"
	t.Cleanup(func() {
		renameFile = originalRename
		runtimeGOOS = originalGOOS
	})

	require.NoError(t, WriteFileAtomic(target, []byte("new")))
	assert.Equal(t, 2, calls)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestAtomicFile_AbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	f, err := CreateAtomic(target)
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	f.Abort()
	f.Abort()

	assert.False(t, FileExists(target))
	assert.Empty(t, tempFilesIn(t, dir))
	assert.Error(t, f.Commit())
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, IsTempFile("/a/b/.x.json"+TempMarker+"123"))
	assert.False(t, IsTempFile("/a/b/x.json"))
}
