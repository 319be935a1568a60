package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/trace"
)

func TestReplayBundle(t *testing.T) {
	cleanEnv(t)
	for _, world := range []string{"lattice", "txn"} {
		t.Run(world, func(t *testing.T) {
			dir, _ := writeBundle(t, world, "linear")
			summary := runJSON[ReplaySummary](t, "replay", dir)
			assert.True(t, summary.Verdict.Matched())
			assert.Equal(t, trace.VerdictMatch, summary.Verdict.Kind)
			assert.Equal(t, -1, summary.Verdict.FrameIndex)
			assert.Greater(t, summary.Frames, 1)
		})
	}
}

func TestReplayBareTrace(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "txn", "linear")
	path := filepath.Join(dir, bundle.NameTrace)

	out, err := execute(t, "replay", path, "--world", "txn")
	require.NoError(t, err)
	assert.Contains(t, out, "Match (3 frames)")

	// Frame 0 must equal the named world's compiled state.
	_, err = execute(t, "replay", path, "--world", "lattice")
	requireExit(t, err, ExitFailure)

	_, err = execute(t, "replay", path)
	requireExit(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), "--world")
}

func TestReplayDetectsFlip(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "txn", "linear")
	data, err := os.ReadFile(filepath.Join(dir, bundle.NameTrace))
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	path := filepath.Join(t.TempDir(), "trace.bst1")
	require.NoError(t, os.WriteFile(path, flipped, 0o644))

	out, err := execute(t, "replay", path, "--world", "txn", "--format", "json")
	requireExit(t, err, ExitFailure)
	if out != "" {
		status, summary := decode[ReplaySummary](t, out)
		assert.Equal(t, "failed", status)
		assert.Equal(t, trace.VerdictDivergence, summary.Verdict.Kind)
	}
}

func TestReplayCommandErrors(t *testing.T) {
	cleanEnv(t)
	searchDir, _ := writeBundle(t, "lattice", "search")

	_, err := execute(t, "replay", searchDir)
	requireExit(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), bundle.NameTrace)

	_, err = execute(t, "replay", filepath.Join(t.TempDir(), "missing.bst1"))
	requireExit(t, err, ExitCommandError)

	_, err = execute(t, "replay")
	requireExit(t, err, ExitCommandError)
}
