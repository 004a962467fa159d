package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs fn for every item with at most limit goroutines at a time and
// returns the first error. The context passed to fn is cancelled once any
// call fails. A limit of zero or less means no limit.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}

// ForEachMute runs fn for every item and waits, ignoring errors.
func ForEachMute[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) {
	_ = ForEach(ctx, items, limit, func(ctx context.Context, item T) error {
		_ = fn(ctx, item)
		return nil
	})
}
