package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var keelEnv = []string{"KEEL_LOG_LEVEL", "KEEL_LOG_FORMAT", "KEEL_DB", "KEEL_PROFILE", "KEEL_METRICS_FILE"}

// cleanEnv removes every KEEL_* variable for the duration of the test.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range keelEnv {
		t.Setenv(k, "") // restores the original value on cleanup
		require.NoError(t, os.Unsetenv(k))
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decode parses a JSON response envelope.
func decode[T any](t *testing.T, out string) (string, T) {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp.Status, resp.Data
}

// runJSON executes a command with --format json and decodes a successful
// response.
func runJSON[T any](t *testing.T, args ...string) T {
	t.Helper()
	out, err := execute(t, append(args, "--format", "json")...)
	require.NoError(t, err, out)
	status, data := decode[T](t, out)
	require.Equal(t, "ok", status)
	return data
}

// writeBundle runs a world and writes its bundle into a fresh directory.
func writeBundle(t *testing.T, world, mode string) (string, RunSummary) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), world+"-"+mode)
	summary := runJSON[RunSummary](t, "run", "--world", world, "--mode", mode, "--out", dir)
	return dir, summary
}

// requireExit asserts err carries the given exit code.
func requireExit(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, GetExitCode(err), err.Error())
}
