package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/ir"
)

// Run is one ledger entry. Outcome is the replay verdict of a linear run
// or the termination kind of a search.
type Run struct {
	Seq          int64
	BundleDigest ir.ContentHash
	WorldID      string
	Mode         bundle.Mode
	Outcome      string
}

// Verification is one recorded verify attempt. Result is ResultPass, a
// verify error code, or ResultError. Check is 0 unless a numbered check
// failed.
type Verification struct {
	Seq          int64
	BundleDigest ir.ContentHash
	Profile      bundle.Profile
	Result       string
	Check        int
	Message      string
	Details      map[string]string
}

// RecordRun inserts a run and every artifact of b.
// Returns the run's seq and whether a new row was inserted.
//
// Uses ON CONFLICT(bundle_digest) DO NOTHING for idempotency. If the bundle
// is already recorded, returns the existing seq and inserted=false; the
// artifacts are identical by construction since the digest binds them.
func (s *Store) RecordRun(ctx context.Context, run Run, b *bundle.Bundle) (seq int64, inserted bool, err error) {
	if run.BundleDigest != b.Digest {
		return 0, false, fmt.Errorf("record run: digest %s does not match bundle %s", run.BundleDigest, b.Digest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("record run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs (bundle_digest, world_id, mode, outcome)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bundle_digest) DO NOTHING
	`,
		string(run.BundleDigest),
		run.WorldID,
		string(run.Mode),
		run.Outcome,
	)
	if err != nil {
		return 0, false, fmt.Errorf("record run: insert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("record run: rows affected: %w", err)
	}

	if rows == 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT seq FROM runs WHERE bundle_digest = ?`,
			string(run.BundleDigest),
		).Scan(&seq)
		if err != nil {
			return 0, false, fmt.Errorf("record run: select existing: %w", err)
		}
		return seq, false, tx.Commit()
	}

	seq, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("record run: last insert id: %w", err)
	}

	for _, name := range b.Names() {
		a := b.Artifacts[name]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (bundle_digest, name, content_hash, normative, content)
			VALUES (?, ?, ?, ?, ?)
		`,
			string(run.BundleDigest),
			name,
			string(a.ContentHash),
			boolToInt(a.Normative),
			a.Content,
		)
		if err != nil {
			return 0, false, fmt.Errorf("record run: artifact %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("record run: commit: %w", err)
	}

	slog.Debug("run recorded",
		"seq", seq,
		"world", run.WorldID,
		"mode", run.Mode,
		"bundle_digest", run.BundleDigest,
		"artifacts", len(b.Artifacts))

	return seq, true, nil
}

// RecordVerification appends a verify attempt and returns its seq.
//
// Note: The run referenced by BundleDigest must exist (foreign key constraint).
func (s *Store) RecordVerification(ctx context.Context, v Verification) (int64, error) {
	detailsJSON, err := marshalDetails(v.Details)
	if err != nil {
		return 0, fmt.Errorf("record verification: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO verifications (bundle_digest, profile, result, check_number, message, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(v.BundleDigest),
		string(v.Profile),
		v.Result,
		v.Check,
		v.Message,
		detailsJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("record verification: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record verification: last insert id: %w", err)
	}
	return seq, nil
}
