package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// CacheAllInputs drives CacheInput for every outstanding input with up to
// parallelism concurrent workers, then checks the first barrier. Inputs
// already cached and scanned are skipped, so a resumed run fetches only
// what a previous run left behind.
func (e *Executor) CacheAllInputs(ctx context.Context, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, key := range e.outstandingInputs() {
		key := key
		g.Go(func() error {
			return e.CacheInput(ctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.MarkInputsCached()
}

// StoreAllChunks drives StoreChunk for every outstanding chunk with up to
// parallelism concurrent workers, then checks the second barrier. Chunk
// writes land in disjoint ranges, so workers need no coordination.
func (e *Executor) StoreAllChunks(ctx context.Context, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}
	outstanding, err := e.outstandingChunks(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, key := range outstanding {
		key := key
		g.Go(func() error {
			return e.StoreChunk(gctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.MarkChunksWritten(ctx)
}

// Run executes the whole lifecycle in order: cache, prepare, store,
// finalize. A run interrupted at any point can be re-run; completed units
// are detected and skipped.
func (e *Executor) Run(ctx context.Context, parallelism int) error {
	if err := e.CacheAllInputs(ctx, parallelism); err != nil {
		return err
	}
	if e.State() == StateInputsCached {
		if err := e.PrepareTarget(ctx); err != nil {
			return err
		}
	}
	if err := e.StoreAllChunks(ctx, parallelism); err != nil {
		return err
	}
	if e.State() == StateChunksWritten {
		return e.FinalizeTarget(ctx)
	}
	return nil
}
