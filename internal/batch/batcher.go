package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/pkg/tablesync"
)

var log = logging.GetLogger()

// Batcher partitions the delta source into fixed-size batches with strictly
// increasing, contiguous sequence numbers. Batch i always covers source rows
// [i*size, (i+1)*size), so a resumed run that seeks the source to the same
// offset reproduces the exact row-to-sequence assignment of the original run.
type Batcher struct {
	source  tablesync.SourceReader
	size    int
	nextSeq int64
	seen    map[string]struct{}
	done    bool
}

// New creates a Batcher emitting batches of at most size rows.
func New(source tablesync.SourceReader, size int) *Batcher {
	return &Batcher{
		source: source,
		size:   size,
		seen:   make(map[string]struct{}),
	}
}

// Next returns the next batch, or tablesync.ErrEndOfSource once the delta is
// drained. The final batch may hold fewer than size rows. A duplicate join
// key within the run violates the delta key-uniqueness precondition and is
// reported as a SourceReadError, as are read faults from the source itself.
func (b *Batcher) Next(ctx context.Context) (*tablesync.Batch, error) {
	if b.done {
		return nil, tablesync.ErrEndOfSource
	}

	rows := make([]tablesync.DeltaRow, 0, b.size)
	for len(rows) < b.size {
		chunk, err := b.source.Read(ctx, b.size-len(rows))
		if errors.Is(err, tablesync.ErrEndOfSource) {
			b.done = true
			break
		}
		if err != nil {
			return nil, &tablesync.SourceReadError{Err: err}
		}
		if len(chunk) == 0 {
			b.done = true
			break
		}
		for _, row := range chunk {
			if _, dup := b.seen[row.Key]; dup {
				return nil, &tablesync.SourceReadError{
					Err: fmt.Errorf("duplicate key %q in delta; keys must be unique per run", row.Key),
				}
			}
			b.seen[row.Key] = struct{}{}
		}
		rows = append(rows, chunk...)
	}

	if len(rows) == 0 {
		return nil, tablesync.ErrEndOfSource
	}

	batch := &tablesync.Batch{
		Seq:    b.nextSeq,
		Rows:   rows,
		Status: tablesync.BatchPending,
	}
	b.nextSeq++
	log.Debug("Built batch", "seq", batch.Seq, "rows", len(batch.Rows))
	return batch, nil
}

// SkipTo positions the batcher so the next emitted batch carries sequence
// seq, seeking the source past the rows those batches covered. Used on
// resume to skip exactly the already-committed batches.
func (b *Batcher) SkipTo(seq int64) error {
	if seq < 0 {
		return fmt.Errorf("invalid resume sequence %d", seq)
	}
	if err := b.source.Seek(seq * int64(b.size)); err != nil {
		return &tablesync.SourceReadError{Err: err}
	}
	b.nextSeq = seq
	log.Info("Batcher skipped to sequence", "seq", seq, "rowOffset", seq*int64(b.size))
	return nil
}
