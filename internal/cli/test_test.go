package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	scenarioDir = filepath.Join("..", "harness", "testdata", "scenarios")
	goldenDir   = filepath.Join("..", "harness", "testdata", "golden")
)

func TestTestCommandScenarios(t *testing.T) {
	cleanEnv(t)
	result := runJSON[TestResult](t, "test", scenarioDir, "--golden", goldenDir)

	assert.Equal(t, 6, result.Total)
	assert.Equal(t, result.Total, result.Passed)
	assert.Zero(t, result.Failed)
	for _, s := range result.Scenarios {
		assert.True(t, s.Pass, "%s: %v", s.Name, s.Errors)
	}
}

func TestTestCommandFilter(t *testing.T) {
	cleanEnv(t)
	out, err := execute(t, "test", scenarioDir, "--filter", "txn_*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ txn_program")
	assert.Contains(t, out, "✓ txn_search")
	assert.NotContains(t, out, "lattice")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")

	_, err = execute(t, "test", scenarioDir, "--filter", "[")
	requireExit(t, err, ExitCommandError)
}

func TestTestCommandUpdateGolden(t *testing.T) {
	cleanEnv(t)
	golden := filepath.Join(t.TempDir(), "golden")

	// Without golden files every scenario fails.
	_, err := execute(t, "test", scenarioDir, "--golden", golden, "--filter", "lattice_*")
	requireExit(t, err, ExitFailure)

	_, err = execute(t, "test", scenarioDir, "--golden", golden, "--filter", "lattice_*", "--update")
	require.NoError(t, err)

	for _, name := range []string{"lattice_program", "lattice_search", "lattice_step_budget"} {
		got, err := os.ReadFile(filepath.Join(golden, name+".golden"))
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(goldenDir, name+".golden"))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), name)
	}

	_, err = execute(t, "test", scenarioDir, "--golden", golden, "--filter", "lattice_*")
	require.NoError(t, err)
}

func TestTestCommandFailures(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`name: wrong
description: "Expects the wrong path length"
world: lattice
mode: linear
assertions:
  - type: path_length
    count: 7
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	out, err := execute(t, "test", dir, "--format", "json")
	requireExit(t, err, ExitFailure)
	status, result := decode[TestResult](t, out)
	assert.Equal(t, "failed", status)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Scenarios, 2)
	assert.Equal(t, "broken.yml", result.Scenarios[0].Name)
	assert.Contains(t, result.Scenarios[0].Errors[0], "failed to load scenario")
	assert.Equal(t, "wrong", result.Scenarios[1].Name)
	assert.NotEmpty(t, result.Scenarios[1].Errors)
}

func TestTestCommandEmptyDir(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()

	out, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")

	result := runJSON[TestResult](t, "test", dir)
	assert.Zero(t, result.Total)
	assert.NotNil(t, result.Scenarios)
}

func TestTestCommandErrors(t *testing.T) {
	cleanEnv(t)
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	requireExit(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), "scenarios directory not found")

	_, err = execute(t, "test", t.TempDir(), "--update")
	requireExit(t, err, ExitCommandError)

	_, err = execute(t, "test")
	requireExit(t, err, ExitCommandError)
}
