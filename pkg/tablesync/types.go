package tablesync

import (
	"sync"
	"time"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	// BatchPending means the batch has been built but not yet dispatched
	BatchPending BatchStatus = "pending"
	// BatchInFlight means a worker currently holds the batch
	BatchInFlight BatchStatus = "in_flight"
	// BatchCommitted means the batch was durably applied to the target;
	// the checkpoint watermark may still lag behind it
	BatchCommitted BatchStatus = "committed"
	// BatchFailed means the batch exhausted retries or failed permanently
	BatchFailed BatchStatus = "failed"
)

// DeltaRow is one row of the delta dataset: the join key plus the new
// column values. Values are positional and aligned with the ordered column
// list reported by the SourceReader that produced the row.
type DeltaRow struct {
	Key    string
	Values []any
}

// Batch is a bounded group of delta rows applied as one transaction.
// Sequence numbers are strictly increasing and contiguous within a run.
// A batch is owned by the commit coordinator; a worker only borrows it for
// the duration of one apply attempt.
type Batch struct {
	Seq    int64
	Rows   []DeltaRow
	Status BatchStatus
}

// Keys returns the join keys of all rows in the batch.
func (b *Batch) Keys() []string {
	keys := make([]string, len(b.Rows))
	for i, row := range b.Rows {
		keys[i] = row.Key
	}
	return keys
}

// CheckpointRecord is the durable resume point of one run. LastCommittedSeq
// is a gap-free watermark: every batch with a sequence at or below it has
// been applied to the target.
type CheckpointRecord struct {
	RunID            string    `json:"run_id"`
	LastCommittedSeq int64     `json:"last_committed_seq"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RunState represents the lifecycle state of a synchronization run
type RunState string

const (
	// RunRunning means the run is actively dispatching or draining batches
	RunRunning RunState = "running"
	// RunCompleted means the source was drained and every batch resolved
	RunCompleted RunState = "completed"
	// RunAborted means the run was cancelled or hit a fatal error
	RunAborted RunState = "aborted"
)

// Progress is a point-in-time snapshot of a run, safe to hand to callers.
type Progress struct {
	RunID         string   `json:"run_id"`
	RowsPlanned   int64    `json:"rows_planned"`
	RowsCommitted int64    `json:"rows_committed"`
	BatchesFailed int      `json:"batches_failed"`
	FailedKeys    []string `json:"failed_keys,omitempty"`
	State         RunState `json:"state"`
}

// SyncRun tracks aggregate state for one synchronization run. The commit
// coordinator is the only writer; Snapshot may be called concurrently by
// progress pollers.
type SyncRun struct {
	RunID     string
	StartedAt time.Time

	mu            sync.Mutex
	rowsPlanned   int64
	rowsCommitted int64
	batchesFailed int
	failedKeys    []string
	state         RunState
	err           error
}

// NewSyncRun creates a run in the Running state.
func NewSyncRun(runID string, rowsPlanned int64) *SyncRun {
	return &SyncRun{
		RunID:       runID,
		StartedAt:   time.Now().UTC(),
		rowsPlanned: rowsPlanned,
		state:       RunRunning,
	}
}

// AddCommitted records n rows as durably applied and checkpointed.
func (r *SyncRun) AddCommitted(n int64) {
	r.mu.Lock()
	r.rowsCommitted += n
	r.mu.Unlock()
}

// AddFailedBatch records one permanently failed batch and surfaces its keys
// so a caller can re-drive them in a follow-up run.
func (r *SyncRun) AddFailedBatch(keys []string) {
	r.mu.Lock()
	r.batchesFailed++
	r.failedKeys = append(r.failedKeys, keys...)
	r.mu.Unlock()
}

// SetState transitions the run. Completed and Aborted are terminal; a
// terminal state is never overwritten.
func (r *SyncRun) SetState(state RunState) {
	r.mu.Lock()
	if r.state == RunRunning {
		r.state = state
	}
	r.mu.Unlock()
}

// SetError records the fatal error that aborted the run, if any.
func (r *SyncRun) SetError(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Err returns the fatal error recorded for the run, or nil.
func (r *SyncRun) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State returns the current run state.
func (r *SyncRun) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// FailedKeys returns a copy of the keys belonging to permanently failed
// batches.
func (r *SyncRun) FailedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.failedKeys))
	copy(keys, r.failedKeys)
	return keys
}

// Snapshot returns a point-in-time progress view of the run.
func (r *SyncRun) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.failedKeys))
	copy(keys, r.failedKeys)
	return Progress{
		RunID:         r.RunID,
		RowsPlanned:   r.rowsPlanned,
		RowsCommitted: r.rowsCommitted,
		BatchesFailed: r.batchesFailed,
		FailedKeys:    keys,
		State:         r.state,
	}
}
