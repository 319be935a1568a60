package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/search"
)

func TestRenderBundle(t *testing.T) {
	cleanEnv(t)
	for _, world := range []string{"lattice", "txn"} {
		t.Run(world, func(t *testing.T) {
			dir, _ := writeBundle(t, world, "search")
			summary := runJSON[RenderSummary](t, "render", dir)

			require.NotNil(t, summary.Equivalent)
			assert.True(t, *summary.Equivalent)
			assert.Equal(t, string(search.TermGoalReached), summary.Termination)
			assert.Positive(t, summary.Nodes)
			assert.Positive(t, summary.Records)

			graph, err := os.ReadFile(filepath.Join(dir, bundle.NameSearchGraph))
			require.NoError(t, err)
			assert.Equal(t, bundle.ArtifactHash(graph), summary.GraphDigest)
		})
	}
}

func TestRenderBareTapeWritesGraph(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "txn", "search")
	out := filepath.Join(t.TempDir(), "graph.json")

	summary := runJSON[RenderSummary](t, "render", filepath.Join(dir, bundle.NameSearchTape), "--out", out)
	assert.Nil(t, summary.Equivalent)

	rendered, err := os.ReadFile(out)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(dir, bundle.NameSearchGraph))
	require.NoError(t, err)
	assert.Equal(t, want, rendered)
}

func TestRenderCorruptTape(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "lattice", "search")
	data, err := os.ReadFile(filepath.Join(dir, bundle.NameSearchTape))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "search_tape.stap")
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	_, err = execute(t, "render", path)
	requireExit(t, err, ExitFailure)
	assert.Contains(t, err.Error(), "corrupt tape")
}

func TestRenderLinearBundle(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "lattice", "linear")
	_, err := execute(t, "render", dir)
	requireExit(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), bundle.NameSearchTape)
}
