package tablesync

import "context"

// SourceReader streams the delta dataset in a stable order. It must be
// offset-addressable so a resumed run can reproduce the exact
// row-to-sequence assignment of the original run.
type SourceReader interface {
	// Columns returns the ordered target column names that every
	// DeltaRow's Values slice is aligned with.
	Columns() []string

	// Count reports the total number of delta rows for progress planning.
	Count(ctx context.Context) (int64, error)

	// Read returns up to max rows in source order. It returns
	// ErrEndOfSource once the delta is drained.
	Read(ctx context.Context, max int) ([]DeltaRow, error)

	// Seek positions the reader at the given absolute row offset.
	Seek(offset int64) error
}

// TargetStore applies one batch against the base table as a single
// set-based conditional update inside one transaction. Either every row of
// the batch is applied or none is; partial application is never observable.
// Implementations classify failures as transient or permanent by returning
// an ApplyError.
type TargetStore interface {
	// ApplyBatch applies the batch and returns the number of base rows
	// updated.
	ApplyBatch(ctx context.Context, batch *Batch) (int64, error)
}

// CheckpointStore durably tracks the commit watermark of a run. RecordCommit
// must not return before the record is durable: resume correctness depends
// on the checkpoint never advancing ahead of what was actually applied.
type CheckpointStore interface {
	// RecordCommit persists seq as the new watermark for the run.
	RecordCommit(ctx context.Context, runID string, seq int64) error

	// Load returns the checkpoint for the run, or ErrCheckpointNotFound.
	Load(ctx context.Context, runID string) (*CheckpointRecord, error)
}
