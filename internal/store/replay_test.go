package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/harness"
	"github.com/roach88/keel/internal/testutil"
	"github.com/roach88/keel/internal/worlds"
)

func recordProgram(t *testing.T, s *Store, world string) *bundle.Bundle {
	t.Helper()
	def, err := worlds.Lookup(world)
	require.NoError(t, err)
	run, err := harness.New(harness.WithLogger(testutil.DiscardLogger())).RunProgram(def)
	require.NoError(t, err)

	_, _, err = s.RecordRun(context.Background(), Run{
		BundleDigest: run.Bundle.Digest,
		WorldID:      def.Name,
		Mode:         run.Mode,
		Outcome:      run.Report.ReplayVerdict,
	}, run.Bundle)
	require.NoError(t, err)
	return run.Bundle
}

func TestReverify(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	good := recordProgram(t, s, "txn")
	thin := testBundle(t, "thin")
	_, _, err := s.RecordRun(ctx, runFor(thin, "thin", bundle.ModeLinear), thin)
	require.NoError(t, err)

	res, err := s.Reverify(ctx, bundle.Strict)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Passed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, thin.Digest, res.Failed[0].BundleDigest)
	assert.Equal(t, string(bundle.ErrCodeConceptRegistry), res.Failed[0].Result)
	assert.Equal(t, 14, res.Failed[0].Check)

	history, err := s.ListVerifications(ctx, good.Digest)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ResultPass, history[0].Result)
	assert.Equal(t, bundle.Strict, history[0].Profile)
}

func TestReverifyRecordsCorruptLedger(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	b := recordProgram(t, s, "lattice")

	_, err := s.DB().Exec(`UPDATE artifacts SET content = x'00' WHERE name = ?`, bundle.NameTrace)
	require.NoError(t, err)

	res, err := s.Reverify(ctx, bundle.Lenient)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, ResultError, res.Failed[0].Result)
	assert.Equal(t, b.Digest, res.Failed[0].BundleDigest)
}

func TestReverifyHonorsContext(t *testing.T) {
	s := createTestStore(t)
	recordProgram(t, s, "lattice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Reverify(ctx, bundle.Strict)
	require.ErrorIs(t, err, context.Canceled)
}
