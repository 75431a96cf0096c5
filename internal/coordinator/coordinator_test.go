package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/tablesync/internal/batch"
	"github.com/katasec/tablesync/internal/source"
	"github.com/katasec/tablesync/pkg/tablesync"
)

// fakeTarget records every apply attempt and can fail scripted attempts per
// sequence. It also tracks key overlap across concurrent applies so tests can
// assert in-flight batches stay key-disjoint.
type fakeTarget struct {
	mu          sync.Mutex
	busyKeys    map[string]struct{}
	overlap     bool
	attempts    map[int64]int
	successes   map[int64]int
	appliedKeys map[string]int
	script      map[int64][]error
	delay       func() time.Duration
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		busyKeys:    make(map[string]struct{}),
		attempts:    make(map[int64]int),
		successes:   make(map[int64]int),
		appliedKeys: make(map[string]int),
		script:      make(map[int64][]error),
	}
}

func (f *fakeTarget) failNext(seq int64, errs ...error) {
	f.mu.Lock()
	f.script[seq] = append(f.script[seq], errs...)
	f.mu.Unlock()
}

func (f *fakeTarget) ApplyBatch(ctx context.Context, b *tablesync.Batch) (int64, error) {
	f.mu.Lock()
	for _, row := range b.Rows {
		if _, busy := f.busyKeys[row.Key]; busy {
			f.overlap = true
		}
		f.busyKeys[row.Key] = struct{}{}
	}
	f.attempts[b.Seq]++
	var err error
	if s := f.script[b.Seq]; len(s) > 0 {
		err = s[0]
		f.script[b.Seq] = s[1:]
	}
	var d time.Duration
	if f.delay != nil {
		d = f.delay()
	}
	f.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range b.Rows {
		delete(f.busyKeys, row.Key)
	}
	if err != nil {
		return 0, err
	}
	f.successes[b.Seq]++
	for _, row := range b.Rows {
		f.appliedKeys[row.Key]++
	}
	return int64(len(b.Rows)), nil
}

// fakeCheckpoint is an in-memory CheckpointStore with a fault hook and a
// per-commit observer for invariant checks.
type fakeCheckpoint struct {
	mu       sync.Mutex
	last     map[string]int64
	commits  []int64
	failOn   func(seq int64) error
	onCommit func(seq int64)
}

func newFakeCheckpoint() *fakeCheckpoint {
	return &fakeCheckpoint{last: make(map[string]int64)}
}

func (f *fakeCheckpoint) RecordCommit(ctx context.Context, runID string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		if err := f.failOn(seq); err != nil {
			return err
		}
	}
	f.commits = append(f.commits, seq)
	f.last[runID] = seq
	if f.onCommit != nil {
		f.onCommit(seq)
	}
	return nil
}

func (f *fakeCheckpoint) Load(ctx context.Context, runID string) (*tablesync.CheckpointRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.last[runID]
	if !ok {
		return nil, tablesync.ErrCheckpointNotFound
	}
	return &tablesync.CheckpointRecord{RunID: runID, LastCommittedSeq: seq, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeCheckpoint) lastSeq(runID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.last[runID]
	return seq, ok
}

func deltaRows(n int) []tablesync.DeltaRow {
	rows := make([]tablesync.DeltaRow, n)
	for i := range rows {
		rows[i] = tablesync.DeltaRow{Key: fmt.Sprintf("k%04d", i), Values: []any{i}}
	}
	return rows
}

func newBatcher(rows []tablesync.DeltaRow, size int) *batch.Batcher {
	return batch.New(source.NewSliceReader([]string{"price"}, rows), size)
}

func transientErr(seq int64) error {
	return &tablesync.ApplyError{Kind: tablesync.ApplyTransient, Seq: seq, Err: errors.New("deadlock victim")}
}

func permanentErr(seq int64) error {
	return &tablesync.ApplyError{Kind: tablesync.ApplyPermanent, Seq: seq, Err: errors.New("constraint violation")}
}

func fastOpts(workers int) Options {
	return Options{
		Workers:     workers,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestRun_CompletesAllBatches(t *testing.T) {
	rows := deltaRows(95)
	target := newFakeTarget()
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-complete", int64(len(rows)))

	c := New(target, cp, fastOpts(4))
	err := c.Run(context.Background(), newBatcher(rows, 10), run, 0)
	require.NoError(t, err)

	assert.Equal(t, tablesync.RunCompleted, run.State())
	snap := run.Snapshot()
	assert.Equal(t, int64(95), snap.RowsCommitted)
	assert.Zero(t, snap.BatchesFailed)

	last, ok := cp.lastSeq(run.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(9), last)

	// Every key applied exactly once, no overlapping dispatches.
	assert.False(t, target.overlap)
	assert.Len(t, target.appliedKeys, 95)
	for key, n := range target.appliedKeys {
		assert.Equal(t, 1, n, "key %s applied %d times", key, n)
	}

	// Checkpoint sequence is strictly increasing.
	for i := 1; i < len(cp.commits); i++ {
		assert.Greater(t, cp.commits[i], cp.commits[i-1])
	}
}

func TestRun_TransientFailureRetriesThenSucceeds(t *testing.T) {
	rows := deltaRows(30)
	target := newFakeTarget()
	target.failNext(1, transientErr(1), transientErr(1))
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-retry", int64(len(rows)))

	c := New(target, cp, fastOpts(2))
	err := c.Run(context.Background(), newBatcher(rows, 10), run, 0)
	require.NoError(t, err)

	assert.Equal(t, tablesync.RunCompleted, run.State())
	assert.Equal(t, 3, target.attempts[1], "two failures then one success")
	assert.Equal(t, 1, target.successes[1])

	snap := run.Snapshot()
	assert.Equal(t, int64(30), snap.RowsCommitted)
	assert.Zero(t, snap.BatchesFailed)

	last, ok := cp.lastSeq(run.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(2), last)
}

func TestRun_TransientRetriesExhausted(t *testing.T) {
	rows := deltaRows(20)
	target := newFakeTarget()
	// maxRetries=3 allows the initial attempt plus three retries.
	target.failNext(0, transientErr(0), transientErr(0), transientErr(0), transientErr(0))
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-exhausted", int64(len(rows)))

	c := New(target, cp, fastOpts(2))
	err := c.Run(context.Background(), newBatcher(rows, 10), run, 0)
	require.NoError(t, err)

	// The run still completes; the failed batch is isolated.
	assert.Equal(t, tablesync.RunCompleted, run.State())
	assert.Equal(t, 4, target.attempts[0])
	assert.Equal(t, 1, target.successes[1])

	snap := run.Snapshot()
	assert.Equal(t, 1, snap.BatchesFailed)
	assert.Len(t, snap.FailedKeys, 10)
	assert.Contains(t, snap.FailedKeys, "k0000")

	// Batch 1 was applied and counts as committed, but the failed batch 0
	// pins the watermark so no checkpoint is ever written.
	assert.Equal(t, int64(10), snap.RowsCommitted)
	_, ok := cp.lastSeq(run.RunID)
	assert.False(t, ok)
}

func TestRun_PermanentFailureIsolated(t *testing.T) {
	rows := deltaRows(40)
	target := newFakeTarget()
	target.failNext(1, permanentErr(1))
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-permanent", int64(len(rows)))

	c := New(target, cp, fastOpts(2))
	err := c.Run(context.Background(), newBatcher(rows, 10), run, 0)
	require.NoError(t, err)

	assert.Equal(t, tablesync.RunCompleted, run.State())
	assert.Equal(t, 1, target.attempts[1], "permanent failures are not retried")

	snap := run.Snapshot()
	assert.Equal(t, 1, snap.BatchesFailed)
	assert.Len(t, snap.FailedKeys, 10)

	// Every batch except the failed one counts as committed; the failed
	// batch only pins the checkpoint watermark.
	assert.Equal(t, int64(30), snap.RowsCommitted)
	last, ok := cp.lastSeq(run.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(0), last)
	assert.Equal(t, 1, target.successes[2])
	assert.Equal(t, 1, target.successes[3])
}

func TestRun_CommittedCountExcludesOnlyFailedKeys(t *testing.T) {
	rows := deltaRows(40)
	target := newFakeTarget()
	target.failNext(0, permanentErr(0))
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-count", int64(len(rows)))

	c := New(target, cp, fastOpts(2))
	err := c.Run(context.Background(), newBatcher(rows, 10), run, 0)
	require.NoError(t, err)
	assert.Equal(t, tablesync.RunCompleted, run.State())

	// Committed rows are the whole delta minus the failed batch's keys,
	// even though the failed batch 0 keeps the watermark from advancing.
	snap := run.Snapshot()
	assert.Equal(t, int64(30), snap.RowsCommitted)
	assert.Len(t, snap.FailedKeys, 10)
	for seq := int64(1); seq <= 3; seq++ {
		assert.Equal(t, 1, target.successes[seq])
	}
	_, ok := cp.lastSeq(run.RunID)
	assert.False(t, ok, "a failed first batch leaves no checkpoint")
}

func TestRun_CheckpointWriteFailureAborts(t *testing.T) {
	rows := deltaRows(30)
	target := newFakeTarget()
	cp := newFakeCheckpoint()
	cp.failOn = func(seq int64) error { return errors.New("disk full") }
	run := tablesync.NewSyncRun("run-cpfail", int64(len(rows)))

	c := New(target, cp, fastOpts(2))
	err := c.Run(context.Background(), newBatcher(rows, 10), run, 0)
	require.Error(t, err)
	assert.True(t, tablesync.IsCheckpointWrite(err))
	assert.Equal(t, tablesync.RunAborted, run.State())
	assert.Error(t, run.Err())
	// Batches applied before the fatal write still count as committed.
	assert.GreaterOrEqual(t, run.Snapshot().RowsCommitted, int64(10))
}

// failingReader errors after serving a fixed number of rows.
type failingReader struct {
	*source.SliceReader
	failAfter int
	served    int
}

func (f *failingReader) Read(ctx context.Context, max int) ([]tablesync.DeltaRow, error) {
	if f.served >= f.failAfter {
		return nil, errors.New("i/o timeout")
	}
	if remaining := f.failAfter - f.served; max > remaining {
		max = remaining
	}
	rows, err := f.SliceReader.Read(ctx, max)
	f.served += len(rows)
	return rows, err
}

func TestRun_SourceReadFaultAborts(t *testing.T) {
	reader := &failingReader{
		SliceReader: source.NewSliceReader([]string{"price"}, deltaRows(50)),
		failAfter:   20,
	}
	target := newFakeTarget()
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-srcfail", 50)

	c := New(target, cp, fastOpts(2))
	err := c.Run(context.Background(), batch.New(reader, 10), run, 0)
	require.Error(t, err)
	assert.True(t, tablesync.IsSourceRead(err))
	assert.Equal(t, tablesync.RunAborted, run.State())
}

func TestRun_WatermarkNeverAheadOfApplied(t *testing.T) {
	rows := deltaRows(100)
	target := newFakeTarget()
	rng := rand.New(rand.NewSource(42))
	var rngMu sync.Mutex
	target.delay = func() time.Duration {
		rngMu.Lock()
		defer rngMu.Unlock()
		return time.Duration(rng.Intn(3)) * time.Millisecond
	}

	cp := newFakeCheckpoint()
	var violations []int64
	cp.onCommit = func(seq int64) {
		// Every sequence at or below the recorded watermark must already
		// be applied to the target.
		for s := int64(0); s <= seq; s++ {
			target.mu.Lock()
			ok := target.successes[s] > 0
			target.mu.Unlock()
			if !ok {
				violations = append(violations, s)
			}
		}
	}

	run := tablesync.NewSyncRun("run-watermark", int64(len(rows)))
	c := New(target, cp, fastOpts(6))
	err := c.Run(context.Background(), newBatcher(rows, 5), run, 0)
	require.NoError(t, err)

	assert.Empty(t, violations, "checkpoint advanced past an unapplied batch")
	assert.False(t, target.overlap)
	assert.Equal(t, tablesync.RunCompleted, run.State())
	last, ok := cp.lastSeq(run.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(19), last)
}

func TestRun_CancellationPreservesProgress(t *testing.T) {
	rows := deltaRows(200)
	target := newFakeTarget()
	target.delay = func() time.Duration { return 5 * time.Millisecond }
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-cancel", int64(len(rows)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Let a few batches through, then cancel.
		for {
			target.mu.Lock()
			n := len(target.successes)
			target.mu.Unlock()
			if n >= 3 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	c := New(target, cp, fastOpts(2))
	err := c.Run(ctx, newBatcher(rows, 4), run, 0)
	require.NoError(t, err, "cancellation is not an error")
	assert.Equal(t, tablesync.RunAborted, run.State())

	// In-flight batches were drained, not torn down: every dispatched batch
	// resolved exactly once and the checkpoint covers all of them.
	target.mu.Lock()
	successes := make(map[int64]int, len(target.successes))
	for seq, n := range target.successes {
		successes[seq] = n
	}
	target.mu.Unlock()
	for seq, n := range successes {
		assert.Equal(t, 1, n, "batch %d applied %d times", seq, n)
	}
	last, ok := cp.lastSeq(run.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(len(successes)-1), last, "watermark covers the full drained prefix")
	assert.Equal(t, int64(len(successes)*4), run.Snapshot().RowsCommitted)
	assert.Less(t, len(successes), 50, "cancellation stopped dispatch before the source drained")
}

func TestRun_CancelDropsRetryableBatch(t *testing.T) {
	rows := deltaRows(40)
	target := newFakeTarget()
	target.delay = func() time.Duration { return 10 * time.Millisecond }
	// Batch 1 keeps failing transiently; it stays within the retry budget
	// while the run is cancelled.
	target.failNext(1, transientErr(1), transientErr(1), transientErr(1))
	cp := newFakeCheckpoint()
	run := tablesync.NewSyncRun("run-cancel-retry", int64(len(rows)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			target.mu.Lock()
			n := len(target.successes)
			target.mu.Unlock()
			if n >= 1 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	c := New(target, cp, fastOpts(1))
	require.NoError(t, c.Run(ctx, newBatcher(rows, 10), run, 0))
	assert.Equal(t, tablesync.RunAborted, run.State())

	// The transiently failing batch was dropped by the drain, not recorded
	// as permanently failed; resume will re-drive it.
	snap := run.Snapshot()
	assert.Zero(t, snap.BatchesFailed)
	assert.Empty(t, snap.FailedKeys)
	assert.Equal(t, int64(10), snap.RowsCommitted)
	last, ok := cp.lastSeq(run.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(0), last)
}

func TestRun_CancelThenResume(t *testing.T) {
	rows := deltaRows(100)
	target := newFakeTarget()
	target.delay = func() time.Duration { return 3 * time.Millisecond }
	cp := newFakeCheckpoint()

	// Phase 1: cancel mid-run.
	run1 := tablesync.NewSyncRun("run-resume", int64(len(rows)))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			target.mu.Lock()
			n := len(target.successes)
			target.mu.Unlock()
			if n >= 4 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer cancel()

	c := New(target, cp, fastOpts(2))
	require.NoError(t, c.Run(ctx, newBatcher(rows, 5), run1, 0))
	require.Equal(t, tablesync.RunAborted, run1.State())

	last1, ok := cp.lastSeq(run1.RunID)
	require.True(t, ok)
	target.delay = nil

	// Phase 2: resume from the checkpoint with a fresh batcher over the same
	// delta, skipping the committed prefix.
	resumed := newBatcher(rows, 5)
	require.NoError(t, resumed.SkipTo(last1+1))
	run2 := tablesync.NewSyncRun("run-resume", int64(len(rows)))
	require.NoError(t, c.Run(context.Background(), resumed, run2, last1+1))
	assert.Equal(t, tablesync.RunCompleted, run2.State())

	// All batches applied, committed ones never re-applied.
	assert.Len(t, target.appliedKeys, 100)
	for seq := int64(0); seq < 20; seq++ {
		assert.Equal(t, 1, target.successes[seq], "batch %d applied %d times", seq, target.successes[seq])
	}
	lastFinal, ok := cp.lastSeq(run1.RunID)
	require.True(t, ok)
	assert.Equal(t, int64(19), lastFinal)

	// The two phases together commit every row exactly once.
	total := run1.Snapshot().RowsCommitted + run2.Snapshot().RowsCommitted
	assert.Equal(t, int64(100), total)
}
