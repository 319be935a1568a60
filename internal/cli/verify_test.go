package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/store"
)

func TestVerifyBundleDir(t *testing.T) {
	cleanEnv(t)
	for _, mode := range []string{"linear", "search"} {
		t.Run(mode, func(t *testing.T) {
			dir, run := writeBundle(t, "txn", mode)

			summary := runJSON[VerifySummary](t, "verify", dir)
			assert.Equal(t, run.BundleDigest, summary.BundleDigest)
			assert.Equal(t, bundle.Strict, summary.Profile)
			assert.Equal(t, store.ResultPass, summary.Result)
			assert.False(t, summary.Recorded)

			out, err := execute(t, "verify", dir, "--profile", "lenient")
			require.NoError(t, err)
			assert.Contains(t, out, "✓ "+string(run.BundleDigest)+" (lenient)")
		})
	}
}

func TestVerifyProfileFromEnv(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "lattice", "linear")

	t.Setenv("KEEL_PROFILE", "lenient")
	summary := runJSON[VerifySummary](t, "verify", dir)
	assert.Equal(t, bundle.Lenient, summary.Profile)

	summary = runJSON[VerifySummary](t, "verify", dir, "--profile", "strict")
	assert.Equal(t, bundle.Strict, summary.Profile)
}

func TestVerifyTamperedDir(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "txn", "search")

	report := filepath.Join(dir, bundle.NameReport)
	data, err := os.ReadFile(report)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(report, append(data, ' '), 0o644))

	out, err := execute(t, "verify", dir, "--format", "json")
	requireExit(t, err, ExitFailure)
	status, summary := decode[VerifySummary](t, out)
	assert.Equal(t, "failed", status)
	assert.Equal(t, string(bundle.ErrCodeReadDigestMismatch), summary.Result)
	assert.Equal(t, bundle.NameReport, summary.Details["artifact"])
}

func TestVerifyMissingArtifact(t *testing.T) {
	cleanEnv(t)
	dir, _ := writeBundle(t, "lattice", "search")
	require.NoError(t, os.Remove(filepath.Join(dir, bundle.NameSearchTape)))

	out, err := execute(t, "verify", dir)
	requireExit(t, err, ExitFailure)
	assert.Contains(t, out, string(bundle.ErrCodeMissingArtifact))
}

func TestVerifyCommandErrors(t *testing.T) {
	cleanEnv(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no source", nil, "exactly one"},
		{"two sources", []string{"somewhere", "--all"}, "exactly one"},
		{"digest without ledger", []string{"--digest", "sha256:00"}, "need a ledger"},
		{"missing dir", []string{filepath.Join(t.TempDir(), "nope")}, "failed to read bundle"},
		{"bad profile", []string{"x", "--profile", "paranoid"}, "invalid profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"verify"}, tt.args...)...)
			requireExit(t, err, ExitCommandError)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVerifyRecordsAgainstLedger(t *testing.T) {
	cleanEnv(t)
	db := filepath.Join(t.TempDir(), "keel.db")
	dir := filepath.Join(t.TempDir(), "txn")
	run := runJSON[RunSummary](t, "run", "--world", "txn", "--mode", "search", "--out", dir, "--db", db)

	fromDir := runJSON[VerifySummary](t, "verify", dir, "--db", db)
	assert.True(t, fromDir.Recorded)

	fromLedger := runJSON[VerifySummary](t, "verify", "--db", db, "--digest", string(run.BundleDigest), "--profile", "lenient")
	assert.True(t, fromLedger.Recorded)
	assert.Equal(t, store.ResultPass, fromLedger.Result)

	detail := runJSON[HistoryDetail](t, "history", "--db", db, "--digest", string(run.BundleDigest))
	require.Len(t, detail.Verifications, 2)
	assert.Equal(t, bundle.Strict, detail.Verifications[0].Profile)
	assert.Equal(t, bundle.Lenient, detail.Verifications[1].Profile)

	_, err := execute(t, "verify", "--db", db, "--digest", "sha256:"+strings.Repeat("0", 64))
	requireExit(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), "not in ledger")
}

func TestVerifyAll(t *testing.T) {
	cleanEnv(t)
	db := filepath.Join(t.TempDir(), "keel.db")
	t.Setenv("KEEL_DB", db)

	runJSON[RunSummary](t, "run", "--world", "lattice")
	broken := runJSON[RunSummary](t, "run", "--world", "txn")

	summary := runJSON[ReverifySummary](t, "verify", "--all")
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 2, summary.Passed)
	assert.Empty(t, summary.Failed)

	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE artifacts SET content = x'00' WHERE bundle_digest = ? AND name = ?`,
		string(broken.BundleDigest), bundle.NameTrace)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "verify", "--all", "--format", "json")
	requireExit(t, err, ExitFailure)
	status, failed := decode[ReverifySummary](t, out)
	assert.Equal(t, "failed", status)
	assert.Equal(t, 1, failed.Passed)
	require.Len(t, failed.Failed, 1)
	assert.Equal(t, broken.BundleDigest, failed.Failed[0].BundleDigest)
	assert.Equal(t, store.ResultError, failed.Failed[0].Result)
}
