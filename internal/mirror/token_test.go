package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("  ghp_abc \n").Token()
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc", tok)
}

func TestEnvTokenProvider(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nTREESYNC_TEST_TOKEN=from_file\nOTHER=x\n"), 0o644))

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("TREESYNC_TEST_TOKEN", "from_env")
		tok, err := (&EnvTokenProvider{Var: "TREESYNC_TEST_TOKEN", EnvFile: envFile}).Token()
		require.NoError(t, err)
		assert.Equal(t, "from_env", tok)
	})

	t.Run("file fallback", func(t *testing.T) {
		t.Setenv("TREESYNC_TEST_TOKEN", "")
		tok, err := (&EnvTokenProvider{Var: "TREESYNC_TEST_TOKEN", EnvFile: envFile}).Token()
		require.NoError(t, err)
		assert.Equal(t, "from_file", tok)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("TREESYNC_TEST_TOKEN", "")
		tok, err := (&EnvTokenProvider{Var: "TREESYNC_TEST_TOKEN", EnvFile: filepath.Join(dir, "nope.env")}).Token()
		require.NoError(t, err)
		assert.Empty(t, tok)
	})
}
