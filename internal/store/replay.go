package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/keel/internal/bundle"
)

// ReverifyResult summarizes a Reverify pass.
type ReverifyResult struct {
	Checked int
	Passed  int
	Failed  []Verification
}

// Reverify reloads every recorded bundle, oldest first, verifies it under
// profile and records the outcome. A bundle that can no longer be rebuilt
// from its stored artifacts is recorded as ResultError.
func (s *Store) Reverify(ctx context.Context, profile bundle.Profile) (ReverifyResult, error) {
	runs, err := s.ListRuns(ctx, RunFilter{})
	if err != nil {
		return ReverifyResult{}, fmt.Errorf("reverify: %w", err)
	}

	var res ReverifyResult
	// ListRuns is newest first.
	for i := len(runs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		run := runs[i]

		var v Verification
		b, err := s.LoadBundle(ctx, run.BundleDigest)
		if err != nil {
			v = NewVerification(run.BundleDigest, profile, err)
		} else {
			v = NewVerification(run.BundleDigest, profile, bundle.Verify(b, profile))
		}
		if v.Seq, err = s.RecordVerification(ctx, v); err != nil {
			return res, fmt.Errorf("reverify: %w", err)
		}

		res.Checked++
		if v.Result == ResultPass {
			res.Passed++
		} else {
			res.Failed = append(res.Failed, v)
		}
		slog.Debug("bundle reverified",
			"seq", run.Seq,
			"bundle_digest", run.BundleDigest,
			"profile", profile,
			"result", v.Result)
	}
	return res, nil
}
