package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
)

func TestGoldenScenarios(t *testing.T) {
	for _, path := range scenarioFiles(t) {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestSnapshotLeavesOutHashes(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/txn_program.yaml")
	require.NoError(t, err)
	result, err := Run(s)
	require.NoError(t, err)
	require.NotEmpty(t, result.BundleDigest)

	data, err := ir.MarshalCanonical(SnapshotOf(s.Name, result))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sha256:")
	assert.True(t, ir.IsCanonical(data))
}

func TestAssertGoldenDetectsDrift(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/lattice_program.yaml")
	require.NoError(t, err)
	result, err := Run(s)
	require.NoError(t, err)

	// Regenerate into a scratch directory, then compare a changed snapshot.
	dir := t.TempDir()
	g := goldie.New(t, goldie.WithFixtureDir(dir), goldie.WithNameSuffix(".golden"))
	data, err := ir.MarshalCanonical(SnapshotOf(s.Name, result))
	require.NoError(t, err)
	require.NoError(t, g.Update(t, s.Name, data))
	g.Assert(t, s.Name, data)

	result.State[0].Status = "committed"
	changed, err := ir.MarshalCanonical(SnapshotOf(s.Name, result))
	require.NoError(t, err)
	assert.NotEqual(t, string(data), string(changed))
}
