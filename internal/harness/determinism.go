package harness

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/keel/internal/ir"
)

// DeterminismError reports a run whose bundle digest differs from run 0.
type DeterminismError struct {
	Index    int
	Expected ir.ContentHash
	Actual   ir.ContentHash
}

// Error implements the error interface.
func (e *DeterminismError) Error() string {
	return fmt.Sprintf("run %d produced bundle digest %s, run 0 produced %s", e.Index, e.Actual, e.Expected)
}

// CheckDeterminism calls run n times in parallel and requires every bundle
// digest to match. run must build its own world and runner; nothing is
// shared between calls. The common digest is returned.
func CheckDeterminism(ctx context.Context, n int, run func(ctx context.Context) (*RunOutput, error)) (ir.ContentHash, error) {
	if n < 1 {
		return "", fmt.Errorf("determinism check needs at least one run, got %d", n)
	}
	digests := make([]ir.ContentHash, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := run(ctx)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			digests[i] = res.Bundle.Digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	for i, d := range digests[1:] {
		if d != digests[0] {
			return "", &DeterminismError{Index: i + 1, Expected: digests[0], Actual: d}
		}
	}
	return digests[0], nil
}
