package tablesync

import (
	"errors"
	"fmt"
)

// ErrEndOfSource is returned by SourceReader.Read once the delta dataset is
// drained. It is a normal termination signal, not a fault.
var ErrEndOfSource = errors.New("end of source")

// ErrCheckpointNotFound is returned by CheckpointStore.Load when no
// checkpoint exists for the requested run.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// SourceReadError wraps a read fault from the delta source. It is fatal to
// the run: no recovery is possible below the batcher.
type SourceReadError struct {
	Err error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("source read failed: %v", e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// ApplyErrorKind classifies a batch apply failure for the retry policy.
type ApplyErrorKind string

const (
	// ApplyTransient covers deadlocks, lock timeouts and connection loss;
	// the coordinator retries these with exponential backoff.
	ApplyTransient ApplyErrorKind = "transient"
	// ApplyPermanent covers constraint violations and type mismatches;
	// the batch is marked failed and the run continues.
	ApplyPermanent ApplyErrorKind = "permanent"
)

// ApplyError is a classified batch apply failure returned by a TargetStore.
type ApplyError struct {
	Kind ApplyErrorKind
	Seq  int64
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply batch %d failed (%s): %v", e.Seq, e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// CheckpointWriteError wraps a checkpoint persistence failure. It is fatal
// to the run: progress can no longer be tracked safely.
type CheckpointWriteError struct {
	Err error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint write failed: %v", e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient apply failure.
func IsTransient(err error) bool {
	var applyErr *ApplyError
	return errors.As(err, &applyErr) && applyErr.Kind == ApplyTransient
}

// IsPermanent reports whether err is a permanent apply failure.
func IsPermanent(err error) bool {
	var applyErr *ApplyError
	return errors.As(err, &applyErr) && applyErr.Kind == ApplyPermanent
}

// IsSourceRead reports whether err originated from the delta source.
func IsSourceRead(err error) bool {
	var srcErr *SourceReadError
	return errors.As(err, &srcErr)
}

// IsCheckpointWrite reports whether err is a checkpoint persistence failure.
func IsCheckpointWrite(err error) bool {
	var cpErr *CheckpointWriteError
	return errors.As(err, &cpErr)
}
