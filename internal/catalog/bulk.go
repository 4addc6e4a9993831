package catalog

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBulkConcurrency bounds in-flight operations of a bulk action.
const DefaultBulkConcurrency = 8

// BulkResult is the outcome for one id of a bulk action.
type BulkResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// BulkApply runs fn for every id with at most limit calls in flight. A
// failing id never stops the others. Results follow the order of ids.
func BulkApply(ctx context.Context, ids []string, limit int, fn func(ctx context.Context, id string) error) []BulkResult {
	if limit <= 0 {
		limit = DefaultBulkConcurrency
	}
	results := make([]BulkResult, len(ids))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i].ID = id
			if err := ctx.Err(); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			if err := fn(ctx, id); err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Publish activates listings in bulk.
func Publish(ctx context.Context, repo Repository, ids []string) []BulkResult {
	return BulkApply(ctx, ids, DefaultBulkConcurrency, func(ctx context.Context, id string) error {
		return repo.SetStatus(ctx, id, StatusActive)
	})
}

// DeleteAll removes listings in bulk.
func DeleteAll(ctx context.Context, repo Repository, ids []string) []BulkResult {
	return BulkApply(ctx, ids, DefaultBulkConcurrency, repo.Delete)
}
