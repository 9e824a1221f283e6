package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInsertChunkSize is the number of rows per insert statement.
	DefaultInsertChunkSize = 500
	// DefaultInsertConcurrency bounds concurrent insert statements.
	DefaultInsertConcurrency = 4
)

// InsertInChunks splits rows into chunks of chunkSize and calls insert for
// each, running at most concurrency inserts at once. The first error cancels
// the remaining chunks and is returned.
func InsertInChunks[T any](ctx context.Context, rows []T, chunkSize, concurrency int, insert func(ctx context.Context, chunk []T) error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultInsertChunkSize
	}
	if concurrency <= 0 {
		concurrency = DefaultInsertConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return insert(gctx, chunk)
		})
	}

	return g.Wait()
}
