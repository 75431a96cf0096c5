// Package coordinator implements the commit coordinator: the single control
// loop that pulls batches from the batcher, dispatches them to the apply
// worker pool, and turns out-of-order worker completions into a gap-free,
// durably checkpointed commit watermark.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/katasec/tablesync/internal/batch"
	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/internal/utils"
	"github.com/katasec/tablesync/pkg/tablesync"
)

var log = logging.GetLogger()

// Options tunes the coordinator. Zero values select the documented defaults.
type Options struct {
	Workers     int           // Concurrent in-flight batch applies
	LookAhead   int           // Batches pulled from the batcher ahead of dispatch
	MaxRetries  int           // Resubmissions allowed per batch on transient failure
	BackoffBase time.Duration // Delay before the first retry
	MaxBackoff  time.Duration // Retry delay ceiling
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.LookAhead <= 0 {
		o.LookAhead = 2 * o.Workers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Coordinator sequences batch dispatch, checkpoint persistence and failure
// classification. It owns every state transition; workers only apply batches
// and report results.
type Coordinator struct {
	target      tablesync.TargetStore
	checkpoints tablesync.CheckpointStore
	opts        Options
	backoff     *utils.BackoffManager
}

// New creates a Coordinator applying batches through target and persisting
// watermarks through checkpoints.
func New(target tablesync.TargetStore, checkpoints tablesync.CheckpointStore, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		target:      target,
		checkpoints: checkpoints,
		opts:        opts,
		backoff:     utils.NewBackoffManager(opts.BackoffBase, opts.MaxBackoff),
	}
}

// loopState is the coordinator's mutable state. It is only ever touched by
// the Run goroutine.
type loopState struct {
	pending        []*task               // first-try tasks in sequence order
	retries        []*task               // requeued transient failures; dispatched first
	inflight       int                   // batches currently held by workers
	inflightKeys   map[string]struct{}   // keys of in-flight batches
	applied        map[int64]struct{}    // committed to target, not yet covered by the watermark
	watermark      int64                 // highest checkpointed gap-free sequence
	retryTimers    map[int64]*time.Timer // backoff timers keyed by batch sequence
	pendingRetries int
	sourceDone     bool
	cancelled      bool
	fatal          error
}

// Run drives the synchronization until the source is drained and every
// in-flight batch has resolved, or until cancellation or a fatal error.
// startSeq is the first sequence the batcher will emit (0 for a fresh run,
// watermark+1 for a resumed one). Run blocks; it is the single owner of all
// batch state transitions.
func (c *Coordinator) Run(ctx context.Context, batcher *batch.Batcher, run *tablesync.SyncRun, startSeq int64) error {
	tasks := make(chan task)
	results := make(chan result, c.opts.Workers)
	retryCh := make(chan *task, c.opts.Workers+c.opts.LookAhead+8)

	pool := startPool(ctx, c.target, c.opts.Workers, tasks, results)

	// Checkpoints must still be written while draining after a cancel.
	persistCtx := context.WithoutCancel(ctx)

	st := &loopState{
		inflightKeys: make(map[string]struct{}),
		applied:      make(map[int64]struct{}),
		watermark:    startSeq - 1,
		retryTimers:  make(map[int64]*time.Timer),
	}

	log.Info("Commit coordinator starting", "runID", run.RunID, "startSeq", startSeq,
		"workers", c.opts.Workers, "lookAhead", c.opts.LookAhead, "maxRetries", c.opts.MaxRetries)

	done := ctx.Done()
	for {
		c.refill(ctx, batcher, st)

		if c.finished(st) {
			break
		}

		// Arm the dispatch case only when a batch can go out now. A nil
		// channel blocks forever, so the zero task is never sent.
		var dispatchCh chan<- task
		var nextVal task
		next := c.nextDispatchable(st)
		if next != nil {
			dispatchCh = tasks
			nextVal = *next
		}

		select {
		case dispatchCh <- nextVal:
			c.markDispatched(st, next)
		case r := <-results:
			c.handleResult(persistCtx, st, run, r, retryCh)
		case t := <-retryCh:
			st.pendingRetries--
			delete(st.retryTimers, t.batch.Seq)
			if st.cancelled || st.fatal != nil {
				break // dropped; resume re-drives it
			}
			st.retries = append(st.retries, t)
		case <-done:
			st.cancelled = true
			done = nil
			log.Info("Cancellation requested; draining in-flight batches", "runID", run.RunID)
		}
	}

	close(tasks)
	pool.Wait()

	switch {
	case st.fatal != nil:
		run.SetError(st.fatal)
		run.SetState(tablesync.RunAborted)
		log.Error("Run aborted", "runID", run.RunID, "error", st.fatal)
		return st.fatal
	case st.cancelled:
		run.SetState(tablesync.RunAborted)
		log.Info("Run cancelled with progress preserved", "runID", run.RunID, "watermark", st.watermark)
		return nil
	default:
		run.SetState(tablesync.RunCompleted)
		snapshot := run.Snapshot()
		log.Info("Run completed", "runID", run.RunID,
			"rowsCommitted", snapshot.RowsCommitted, "batchesFailed", snapshot.BatchesFailed)
		return nil
	}
}

// refill pulls batches from the batcher up to the look-ahead window. Retry
// timers count against the window so outstanding work is bounded.
func (c *Coordinator) refill(ctx context.Context, batcher *batch.Batcher, st *loopState) {
	for !st.sourceDone && st.fatal == nil && !st.cancelled &&
		len(st.pending)+len(st.retries)+st.pendingRetries < c.opts.LookAhead {
		b, err := batcher.Next(ctx)
		if errors.Is(err, tablesync.ErrEndOfSource) {
			st.sourceDone = true
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				st.cancelled = true
				return
			}
			st.fatal = err
			log.Error("Source read failed; aborting run", "error", err)
			return
		}
		st.pending = append(st.pending, &task{batch: b})
	}
}

// nextDispatchable returns the task to hand to a worker now, or nil. Retries
// go first, then fresh batches in sequence order. Dispatch is refused while
// the in-flight window is full or the candidate shares a key with an
// in-flight batch.
func (c *Coordinator) nextDispatchable(st *loopState) *task {
	if st.fatal != nil || st.cancelled || st.inflight >= c.opts.Workers {
		return nil
	}
	var t *task
	if len(st.retries) > 0 {
		t = st.retries[0]
	} else if len(st.pending) > 0 {
		t = st.pending[0]
	} else {
		return nil
	}
	for _, row := range t.batch.Rows {
		if _, busy := st.inflightKeys[row.Key]; busy {
			return nil
		}
	}
	return t
}

// markDispatched transitions the batch to in-flight and reserves its keys.
func (c *Coordinator) markDispatched(st *loopState, t *task) {
	if len(st.retries) > 0 && st.retries[0] == t {
		st.retries = st.retries[1:]
	} else {
		st.pending = st.pending[1:]
	}
	t.batch.Status = tablesync.BatchInFlight
	for _, row := range t.batch.Rows {
		st.inflightKeys[row.Key] = struct{}{}
	}
	st.inflight++
	log.Debug("Dispatched batch", "seq", t.batch.Seq, "attempt", t.attempt+1, "inflight", st.inflight)
}

// handleResult processes one worker completion: success is counted committed
// and feeds the watermark, transient failures are rescheduled with backoff,
// everything else is an isolated permanent failure that does not stop the
// run.
func (c *Coordinator) handleResult(persistCtx context.Context, st *loopState, run *tablesync.SyncRun, r result, retryCh chan<- *task) {
	st.inflight--
	for _, row := range r.batch.Rows {
		delete(st.inflightKeys, row.Key)
	}

	if r.err == nil {
		// The batch's transaction is durable, so it counts as committed
		// now even when a failed predecessor pins the watermark below it.
		// The checkpoint only lags behind; resume re-applies the
		// uncheckpointed tail idempotently.
		r.batch.Status = tablesync.BatchCommitted
		run.AddCommitted(int64(len(r.batch.Rows)))
		st.applied[r.batch.Seq] = struct{}{}
		r.batch.Rows = nil // committed rows are no longer needed in memory
		log.Debug("Batch committed", "seq", r.batch.Seq, "rowsAffected", r.rowsAffected)
		c.advanceWatermark(persistCtx, st, run)
		return
	}

	if tablesync.IsTransient(r.err) && r.attempt <= c.opts.MaxRetries {
		if st.cancelled || st.fatal != nil {
			// Still retryable, but the run is shutting down: drop the
			// batch instead of misreporting it as failed. Resume
			// re-drives it.
			r.batch.Status = tablesync.BatchPending
			log.Debug("Dropping retryable batch during shutdown", "seq", r.batch.Seq, "error", r.err)
			return
		}
		delay := c.backoff.IntervalForAttempt(r.attempt - 1)
		log.Warn("Transient apply failure; scheduling retry",
			"seq", r.batch.Seq, "attempt", r.attempt, "delay", delay, "error", r.err)
		r.batch.Status = tablesync.BatchPending
		t := &task{batch: r.batch, attempt: r.attempt}
		st.pendingRetries++
		st.retryTimers[r.batch.Seq] = time.AfterFunc(delay, func() {
			retryCh <- t
		})
		return
	}

	r.batch.Status = tablesync.BatchFailed
	run.AddFailedBatch(r.batch.Keys())
	log.Error("Batch failed permanently; run continues",
		"seq", r.batch.Seq, "attempts", r.attempt, "rows", len(r.batch.Rows), "error", r.err)
}

// advanceWatermark extends the gap-free checkpointed prefix over the applied
// sequences and persists it. A batch that failed permanently pins the
// watermark so resume re-drives everything after it; batches applied above
// the pin stay committed, the checkpoint merely lags them.
func (c *Coordinator) advanceWatermark(persistCtx context.Context, st *loopState, run *tablesync.SyncRun) {
	if st.fatal != nil {
		return
	}

	next := st.watermark
	for {
		if _, ok := st.applied[next+1]; !ok {
			break
		}
		next++
	}
	if next == st.watermark {
		return
	}

	if err := c.checkpoints.RecordCommit(persistCtx, run.RunID, next); err != nil {
		st.fatal = &tablesync.CheckpointWriteError{Err: err}
		log.Error("Checkpoint write failed; aborting run", "seq", next, "error", err)
		return
	}

	for seq := st.watermark + 1; seq <= next; seq++ {
		delete(st.applied, seq)
	}
	st.watermark = next
	log.Debug("Advanced watermark", "runID", run.RunID, "lastCommittedSeq", next)
}

// finished reports whether the control loop can exit. On cancellation or a
// fatal error outstanding retry timers are stopped so the drain does not
// wait out their backoff delays.
func (c *Coordinator) finished(st *loopState) bool {
	if st.fatal != nil || st.cancelled {
		c.stopRetryTimers(st)
		return st.inflight == 0 && st.pendingRetries == 0
	}
	return st.sourceDone && st.inflight == 0 && st.pendingRetries == 0 &&
		len(st.pending) == 0 && len(st.retries) == 0
}

// stopRetryTimers cancels armed retry timers. A timer that already fired
// delivers into the buffered retry channel and is dropped there.
func (c *Coordinator) stopRetryTimers(st *loopState) {
	for seq, timer := range st.retryTimers {
		if timer.Stop() {
			st.pendingRetries--
			delete(st.retryTimers, seq)
		}
	}
}
