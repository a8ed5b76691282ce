package tenant

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FanOut runs fn for every tenant with at most limit runs in flight.
// fn owns its error handling; one tenant failing never cancels the others.
func FanOut(ctx context.Context, ids []int64, limit int, fn func(ctx context.Context, tenantID int64)) {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}
