package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/katasec/tablesync/pkg/tablesync"
)

// task is one apply attempt of a batch. attempt counts the applies already
// completed for this batch, so 0 means first try.
type task struct {
	batch   *tablesync.Batch
	attempt int
}

// result is what a worker reports back on the completion channel. Workers
// never mutate coordinator state directly.
type result struct {
	batch        *tablesync.Batch
	attempt      int
	rowsAffected int64
	err          error
}

// startPool launches the fixed-size apply worker pool. Workers pull tasks
// from the shared queue until it is closed and report every outcome on
// results. Applies run on a context detached from cancellation: shutdown is
// cooperative at dispatch boundaries and an in-flight transaction is never
// killed mid-flight.
func startPool(ctx context.Context, target tablesync.TargetStore, workers int, tasks <-chan task, results chan<- result) *errgroup.Group {
	applyCtx := context.WithoutCancel(ctx)

	g := &errgroup.Group{}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for t := range tasks {
				rowsAffected, err := target.ApplyBatch(applyCtx, t.batch)
				results <- result{
					batch:        t.batch,
					attempt:      t.attempt + 1,
					rowsAffected: rowsAffected,
					err:          err,
				}
			}
			return nil
		})
	}
	return g
}
