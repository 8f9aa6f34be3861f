package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test", wantError: false},
		{name: "absolute path", input: "/tmp/test", wantError: false},
		{name: "home path", input: "~/test", wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestNormPath(t *testing.T) {
	assert.Equal(t, "a/b/c.txt", NormPath(filepath.Join("a", "b", "c.txt")))
	assert.Equal(t, "a/c.txt", NormPath("a/b/../c.txt"))
	assert.Equal(t, "x.txt", NormPath("/x.txt"))
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	p, err := SafeJoin(root, "sub/dir/file.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "dir", "file.json"), p)

	for _, bad := range []string{"", "/etc/passwd", "../outside", "a/../../outside", "."} {
		_, err := SafeJoin(root, bad)
		assert.ErrorIs(t, err, ErrPathEscapesRoot, "path %q", bad)
	}
}

func TestEnsureParentAndExists(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c.txt")

	require.NoError(t, EnsureParent(target))
	assert.True(t, DirExists(filepath.Dir(target)))
	assert.False(t, FileExists(target))

	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	assert.True(t, FileExists(target))
	assert.False(t, DirExists(target))
}
