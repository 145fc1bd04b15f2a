package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withEnv points the CLI's own environment-derived configuration at a
// scratch directory, the way gateway_test.go's testConfig does for the
// gateway package directly.
func withEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MASTER_API_KEY", "sk-test-master")
	t.Setenv("OAUTH_JWT_SECRET_KEY", "test-secret")
	t.Setenv("OAUTH_STORAGE_TYPE", "memory")
	t.Setenv("CMP_GATEWAY_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("CMP_GATEWAY_LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("CMP_GATEWAY_LISTEN_ADDR", "127.0.0.1:0")
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestKeysCreateThenList(t *testing.T) {
	withEnv(t)

	cmd := keysCreateCommand()
	cmd.SetArgs([]string{"--project", "acme", "--scope", "write"})
	out := captureStdout(t, func() {
		require.NoError(t, cmd.Execute())
	})

	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "acme", created["project"])
	assert.Equal(t, "write", created["scope"])
	assert.NotEmpty(t, created["api_key"])

	listCmd := keysListCommand()
	listCmd.SetArgs([]string{"--project", "acme"})
	listOut := captureStdout(t, func() {
		require.NoError(t, listCmd.Execute())
	})

	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created["key_id"], listed[0]["key_id"])
}

func TestKeysRotateRequiresProjectFlag(t *testing.T) {
	withEnv(t)

	cmd := keysRotateCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}
