package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/harness"
	"github.com/roach88/keel/internal/search"
)

func TestRunLinearText(t *testing.T) {
	cleanEnv(t)
	out, err := execute(t, "run", "--world", "txn")
	require.NoError(t, err)
	assert.Contains(t, out, "world:   txn (linear)")
	assert.Contains(t, out, "verdict: Match")
	assert.Contains(t, out, "digest:  sha256:")
	assert.NotContains(t, out, "ledger:")
}

func TestRunModes(t *testing.T) {
	cleanEnv(t)
	for _, world := range []string{"lattice", "txn"} {
		t.Run(world, func(t *testing.T) {
			linear := runJSON[RunSummary](t, "run", "--world", world)
			assert.Equal(t, bundle.ModeLinear, linear.Mode)
			assert.Equal(t, harness.ReplayVerdictMatch, linear.Verdict)
			assert.Equal(t, world, linear.World)

			searched := runJSON[RunSummary](t, "run", "--world", world, "--mode", "search")
			assert.Equal(t, bundle.ModeSearch, searched.Mode)
			assert.Equal(t, string(search.TermGoalReached), searched.Verdict)
			assert.NotEqual(t, linear.BundleDigest, searched.BundleDigest)
		})
	}
}

func TestRunWritesVerifiableBundle(t *testing.T) {
	cleanEnv(t)
	dir, summary := writeBundle(t, "txn", "search")
	assert.Equal(t, dir, summary.Out)

	b, err := bundle.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, summary.BundleDigest, b.Digest)
	require.NoError(t, bundle.Verify(b, bundle.Strict))

	// The output directory must not exist yet.
	_, err = execute(t, "run", "--world", "txn", "--mode", "search", "--out", dir)
	requireExit(t, err, ExitCommandError)
}

func TestRunWorldFile(t *testing.T) {
	cleanEnv(t)
	file := filepath.Join("..", "harness", "testdata", "worlds", "grid.cue")
	summary := runJSON[RunSummary](t, "run", "--world", "grid", "--world-file", file, "--mode", "search")
	assert.Equal(t, "grid", summary.World)
	assert.Equal(t, string(search.TermGoalReached), summary.Verdict)
}

func TestRunPolicyFile(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("max_expansions: 1\nmax_depth: 0\n"), 0o644))

	summary := runJSON[RunSummary](t, "run", "--world", "txn", "--mode", "search", "--policy", policy)
	assert.NotEqual(t, string(search.TermGoalReached), summary.Verdict)

	require.NoError(t, os.WriteFile(policy, []byte("max_expansion: 1\n"), 0o644))
	_, err := execute(t, "run", "--world", "txn", "--mode", "search", "--policy", policy)
	requireExit(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), "invalid policy")
}

func TestRunRejectsBadInput(t *testing.T) {
	cleanEnv(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown world", []string{"--world", "atlantis"}, "failed to resolve world"},
		{"bad mode", []string{"--world", "lattice", "--mode", "sideways"}, "invalid mode"},
		{"policy in linear mode", []string{"--world", "lattice", "--policy", "p.yaml"}, "search mode only"},
		{"missing policy", []string{"--world", "lattice", "--mode", "search", "--policy", "nope.yaml"}, "failed to open policy"},
		{"zero repeat", []string{"--world", "lattice", "--repeat", "0"}, "--repeat"},
		{"missing world file", []string{"--world", "grid", "--world-file", "nope.cue"}, "failed to resolve world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"run"}, tt.args...)...)
			requireExit(t, err, ExitCommandError)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunRepeat(t *testing.T) {
	cleanEnv(t)
	once := runJSON[RunSummary](t, "run", "--world", "lattice", "--mode", "search")
	repeated := runJSON[RunSummary](t, "run", "--world", "lattice", "--mode", "search", "--repeat", "10")
	assert.Equal(t, 10, repeated.Repeats)
	assert.Equal(t, once.BundleDigest, repeated.BundleDigest)
}

func TestRunLiveEnvelopesKeepDigest(t *testing.T) {
	cleanEnv(t)
	fixed := runJSON[RunSummary](t, "run", "--world", "txn")
	live := runJSON[RunSummary](t, "run", "--world", "txn", "--live", "--repeat", "3")
	assert.Equal(t, fixed.BundleDigest, live.BundleDigest)
}

// Digests must not depend on the working directory, locale, time zone or
// logging configuration of the process that produced them.
func TestRunDigestIndependentOfProcess(t *testing.T) {
	cleanEnv(t)
	envs := []map[string]string{
		{"LANG": "C", "LC_ALL": "C", "TZ": "UTC", "KEEL_LOG_FORMAT": "json"},
		{"LANG": "tr_TR.UTF-8", "LC_ALL": "tr_TR.UTF-8", "TZ": "Asia/Kolkata", "KEEL_LOG_FORMAT": "text", "KEEL_LOG_LEVEL": "debug"},
	}

	for _, mode := range []string{"linear", "search"} {
		var digests, files []string
		for _, env := range envs {
			t.Chdir(t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			summary := runJSON[RunSummary](t, "run", "--world", "txn", "--mode", mode, "--out", "bundle")
			digests = append(digests, string(summary.BundleDigest))

			data, err := os.ReadFile(filepath.Join("bundle", bundle.FileDigest))
			require.NoError(t, err)
			files = append(files, strings.TrimSpace(string(data)))
		}
		assert.Equal(t, digests[0], digests[1], mode)
		assert.Equal(t, digests, files, mode)
	}
}

func TestRunRecordsToLedger(t *testing.T) {
	cleanEnv(t)
	db := filepath.Join(t.TempDir(), "keel.db")

	first := runJSON[RunSummary](t, "run", "--world", "lattice", "--db", db)
	assert.True(t, first.Recorded)
	assert.Positive(t, first.Seq)

	t.Setenv("KEEL_DB", db)
	again := runJSON[RunSummary](t, "run", "--world", "lattice")
	assert.False(t, again.Recorded)
	assert.Equal(t, first.Seq, again.Seq)

	out, err := execute(t, "run", "--world", "txn")
	require.NoError(t, err)
	assert.Contains(t, out, "(recorded)")
}

func TestRunWritesMetrics(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "keel.prom")
	t.Setenv("KEEL_METRICS_FILE", path)

	_, err := execute(t, "run", "--world", "lattice", "--mode", "search")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `keel_runs_total{mode="search",verdict="goal_reached"} 1`)
	assert.Contains(t, string(data), "keel_search_expansions_total")
}

func TestRunFailure(t *testing.T) {
	violation := &harness.PolicyViolation{Code: harness.ViolationStepBudget, Message: "program needs 2 frames, budget is 1"}
	err := runFailure(fmt.Errorf("run 3: %w", violation))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "STEP_BUDGET_EXCEEDED")

	drift := &harness.DeterminismError{Index: 1, Expected: "sha256:aa", Actual: "sha256:bb"}
	err = runFailure(drift)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "not deterministic")

	err = runFailure(errors.New("boom"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
