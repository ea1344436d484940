package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// batchResult is one item's outcome from a chunked fan-out, positioned at
// the item's input index.
type batchResult struct {
	nativeID string
	err      error
}

// runChunked fans the items out to a bounded worker pool in chunks and
// collects per-item results in input order. A failure in one chunk never
// aborts sibling chunks; callers aggregate the per-item errors.
func runChunked(ctx context.Context, n, batchSize, maxWorkers int, fn func(ctx context.Context, index int) (string, error)) []batchResult {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	results := make([]batchResult, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for start := 0; start < n; start += batchSize {
		start := start
		end := start + batchSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					results[i] = batchResult{err: err}
					continue
				}
				id, err := fn(gctx, i)
				results[i] = batchResult{nativeID: id, err: err}
			}
			// Item errors are carried in results; the group only observes
			// context cancellation.
			return nil
		})
	}
	_ = g.Wait()
	return results
}
