package reindex

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// pool bounds the number of concurrent per-entity tasks across every run sharing
// an orchestrator. Only leaf tasks hold a slot, so nested batches cannot deadlock.
type pool struct {
	sem *semaphore.Weighted
}

func newPool(size int) *pool {
	if size < 1 {
		size = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(size))}
}

// each runs fn for every id and waits. When ctx ends before an id gets a slot,
// onCancel receives that id and the context error instead.
func (p *pool) each(ctx context.Context, ids []string, fn func(ctx context.Context, id string), onCancel func(id string, err error)) {
	var g errgroup.Group
	for i, id := range ids {
		err := ctx.Err()
		if err == nil {
			err = p.sem.Acquire(ctx, 1)
		}
		if err != nil {
			for _, rest := range ids[i:] {
				onCancel(rest, err)
			}
			break
		}
		id := id
		g.Go(func() error {
			defer p.sem.Release(1)
			fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}
