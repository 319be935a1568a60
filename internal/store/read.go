package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/ir"
)

// RunFilter narrows ListRuns. Zero values match everything; Limit 0 means
// no limit.
type RunFilter struct {
	WorldID string
	Mode    bundle.Mode
	Limit   int
}

// ArtifactInfo describes a stored artifact without its content.
type ArtifactInfo struct {
	Name        string
	ContentHash ir.ContentHash
	Normative   bool
	Size        int64
}

// ListRuns returns recorded runs, newest first.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	query := `
		SELECT seq, bundle_digest, world_id, mode, outcome
		FROM runs
		WHERE (? = '' OR world_id = ?)
		  AND (? = '' OR mode = ?)
		ORDER BY seq DESC
	`
	args := []any{f.WorldID, f.WorldID, string(f.Mode), string(f.Mode)}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns the run recorded under digest, or an error wrapping
// ErrNotFound.
func (s *Store) GetRun(ctx context.Context, digest ir.ContentHash) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, bundle_digest, world_id, mode, outcome
		FROM runs
		WHERE bundle_digest = ?
	`, string(digest))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", digest, ErrNotFound)
	}
	return run, err
}

// ListArtifacts returns the artifacts of a run ordered by name.
func (s *Store) ListArtifacts(ctx context.Context, digest ir.ContentHash) ([]ArtifactInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, content_hash, normative, length(content)
		FROM artifacts
		WHERE bundle_digest = ?
		ORDER BY name COLLATE BINARY ASC
	`, string(digest))
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	infos := []ArtifactInfo{}
	for rows.Next() {
		var (
			info      ArtifactInfo
			hash      string
			normative int
		)
		if err := rows.Scan(&info.Name, &hash, &normative, &info.Size); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		info.ContentHash = ir.ContentHash(hash)
		info.Normative = normative == 1
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return infos, nil
}

// ListVerifications returns the verify attempts of a run, oldest first.
func (s *Store) ListVerifications(ctx context.Context, digest ir.ContentHash) ([]Verification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, bundle_digest, profile, result, check_number, message, details
		FROM verifications
		WHERE bundle_digest = ?
		ORDER BY seq ASC
	`, string(digest))
	if err != nil {
		return nil, fmt.Errorf("query verifications: %w", err)
	}
	defer rows.Close()

	out := []Verification{}
	for rows.Next() {
		var (
			v           Verification
			bundleHash  string
			profile     string
			detailsJSON string
		)
		if err := rows.Scan(&v.Seq, &bundleHash, &profile, &v.Result, &v.Check, &v.Message, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		v.BundleDigest = ir.ContentHash(bundleHash)
		v.Profile = bundle.Profile(profile)
		if v.Details, err = unmarshalDetails(detailsJSON); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verifications: %w", err)
	}
	return out, nil
}

// LoadBundle rebuilds a recorded bundle from its stored artifacts. The
// rebuilt digest and every artifact hash must match what was recorded.
func (s *Store) LoadBundle(ctx context.Context, digest ir.ContentHash) (*bundle.Bundle, error) {
	if _, err := s.GetRun(ctx, digest); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, content_hash, normative, content
		FROM artifacts
		WHERE bundle_digest = ?
		ORDER BY name COLLATE BINARY ASC
	`, string(digest))
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	defer rows.Close()

	var inputs []bundle.Input
	for rows.Next() {
		var (
			in        bundle.Input
			hash      string
			normative int
		)
		if err := rows.Scan(&in.Name, &hash, &normative, &in.Content); err != nil {
			return nil, fmt.Errorf("load bundle: scan: %w", err)
		}
		in.Normative = normative == 1
		in.Precomputed = ir.ContentHash(hash)
		inputs = append(inputs, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load bundle: iterate: %w", err)
	}

	b, err := bundle.Build(inputs)
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", digest, err)
	}
	if b.Digest != digest {
		return nil, fmt.Errorf("load bundle: stored artifacts digest to %s, recorded %s", b.Digest, digest)
	}
	return b, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run    Run
		digest string
		mode   string
	)
	if err := row.Scan(&run.Seq, &digest, &run.WorldID, &mode, &run.Outcome); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.BundleDigest = ir.ContentHash(digest)
	run.Mode = bundle.Mode(mode)
	return run, nil
}
