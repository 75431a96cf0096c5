// Package engine is the sync orchestrator: it wires the batcher, commit
// coordinator, worker pool and checkpoint store together and exposes
// start/resume/cancel plus aggregate progress for synchronization runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/katasec/tablesync/internal/batch"
	"github.com/katasec/tablesync/internal/config"
	"github.com/katasec/tablesync/internal/coordinator"
	"github.com/katasec/tablesync/internal/locking"
	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/pkg/tablesync"
)

var log = logging.GetLogger()

// tableBootstrapper is implemented by checkpoint stores that need a one-time
// schema bootstrap before first use.
type tableBootstrapper interface {
	EnsureTable(ctx context.Context) error
}

// Engine drives bulk table synchronization runs against one source/target
// pair. Start and Resume block until the run is terminal; Cancel and
// Progress may be called concurrently from other goroutines.
type Engine struct {
	cfg           *config.SyncConfig
	source        tablesync.SourceReader
	target        tablesync.TargetStore
	checkpoints   tablesync.CheckpointStore
	lockerFactory *locking.LockerFactory

	mu      sync.Mutex
	runs    map[string]*runHandle
	closers []func() error
}

type runHandle struct {
	run    *tablesync.SyncRun
	cancel context.CancelFunc
}

// New creates an Engine with explicitly provided collaborators. Use
// FromConfig to build them from configuration.
func New(cfg *config.SyncConfig, source tablesync.SourceReader, target tablesync.TargetStore, checkpoints tablesync.CheckpointStore) *Engine {
	return &Engine{
		cfg:         cfg,
		source:      source,
		target:      target,
		checkpoints: checkpoints,
		runs:        make(map[string]*runHandle),
	}
}

// SetLockerFactory enables the optional distributed run lock.
func (e *Engine) SetLockerFactory(f *locking.LockerFactory) {
	e.lockerFactory = f
}

// Start begins a fresh synchronization run and blocks until it is terminal.
// The returned SyncRun reflects the final state even when an error is
// returned.
func (e *Engine) Start(ctx context.Context) (*tablesync.SyncRun, error) {
	runID := e.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return e.launch(ctx, runID, 0)
}

// Resume continues an interrupted run from its checkpoint. Batches at or
// below the stored watermark are never re-dispatched. A run with no
// checkpoint starts from the beginning.
func (e *Engine) Resume(ctx context.Context, runID string) (*tablesync.SyncRun, error) {
	e.bootstrapCheckpoints(ctx)

	startSeq := int64(0)
	rec, err := e.checkpoints.Load(ctx, runID)
	switch {
	case errors.Is(err, tablesync.ErrCheckpointNotFound):
		log.Info("No checkpoint for run; starting from the beginning", "runID", runID)
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint for run %s: %w", runID, err)
	default:
		startSeq = rec.LastCommittedSeq + 1
		log.Info("Resuming run from checkpoint", "runID", runID,
			"lastCommittedSeq", rec.LastCommittedSeq, "startSeq", startSeq)
	}
	return e.launch(ctx, runID, startSeq)
}

// Cancel requests cooperative shutdown of a running run: in-flight batches
// finish, no new batches are dispatched, and the run ends Aborted with its
// checkpoint preserved.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	handle, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active run with ID %s", runID)
	}
	log.Info("Cancelling run", "runID", runID)
	handle.cancel()
	return nil
}

// Progress returns a point-in-time snapshot of an active run.
func (e *Engine) Progress(runID string) (tablesync.Progress, error) {
	e.mu.Lock()
	handle, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return tablesync.Progress{}, fmt.Errorf("no active run with ID %s", runID)
	}
	return handle.run.Snapshot(), nil
}

// Close releases resources owned by the engine (database pools opened by
// FromConfig).
func (e *Engine) Close() error {
	var firstErr error
	for _, closer := range e.closers {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) bootstrapCheckpoints(ctx context.Context) {
	if b, ok := e.checkpoints.(tableBootstrapper); ok {
		if err := b.EnsureTable(ctx); err != nil {
			log.Error("Checkpoint table bootstrap failed", "error", err)
		}
	}
}

func (e *Engine) launch(ctx context.Context, runID string, startSeq int64) (*tablesync.SyncRun, error) {
	e.bootstrapCheckpoints(ctx)

	if e.lockerFactory != nil {
		release, err := e.acquireRunLock(ctx, runID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	planned, err := e.source.Count(ctx)
	if err != nil {
		return nil, &tablesync.SourceReadError{Err: err}
	}

	batcher := batch.New(e.source, e.cfg.BatchSize)
	if startSeq > 0 {
		if err := batcher.SkipTo(startSeq); err != nil {
			return nil, err
		}
	}

	run := tablesync.NewSyncRun(runID, planned)
	if startSeq > 0 {
		// Rows covered by the checkpointed prefix were committed by the
		// original run; count them so progress reflects the whole delta.
		skipped := startSeq * int64(e.cfg.BatchSize)
		if skipped > planned {
			skipped = planned
		}
		run.AddCommitted(skipped)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.register(runID, run, cancel); err != nil {
		return nil, err
	}
	defer e.unregister(runID)

	backoffBase, err := e.cfg.GetBackoffBase()
	if err != nil {
		return nil, err
	}
	maxBackoff, err := e.cfg.GetMaxBackoff()
	if err != nil {
		return nil, err
	}

	log.Info("Starting synchronization run", "runID", runID,
		"rowsPlanned", planned, "batchSize", e.cfg.BatchSize,
		"workers", e.cfg.WorkerConcurrency, "startSeq", startSeq)

	coord := coordinator.New(e.target, e.checkpoints, coordinator.Options{
		Workers:     e.cfg.WorkerConcurrency,
		LookAhead:   e.cfg.LookAhead,
		MaxRetries:  e.cfg.GetMaxRetries(),
		BackoffBase: backoffBase,
		MaxBackoff:  maxBackoff,
	})
	err = coord.Run(runCtx, batcher, run, startSeq)
	return run, err
}

func (e *Engine) acquireRunLock(ctx context.Context, runID string) (func(), error) {
	lockName := e.lockerFactory.GetLockName(runID)
	locker, err := e.lockerFactory.CreateLocker(lockName)
	if err != nil {
		return nil, fmt.Errorf("failed to create run locker: %w", err)
	}
	leaseID, err := locker.AcquireLock(ctx, lockName)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if leaseID == "" {
		return nil, fmt.Errorf("run %s is already locked by another process", runID)
	}
	locker.StartLockRenewal(ctx, lockName)
	release := func() {
		if err := locker.ReleaseLock(context.Background(), lockName, leaseID); err != nil {
			log.Error("Failed to release run lock", "runID", runID, "error", err)
		}
	}
	return release, nil
}

func (e *Engine) register(runID string, run *tablesync.SyncRun, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runs[runID]; exists {
		return fmt.Errorf("run %s is already active", runID)
	}
	e.runs[runID] = &runHandle{run: run, cancel: cancel}
	return nil
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}
