package source

import (
	"context"
	"fmt"

	"github.com/katasec/tablesync/pkg/tablesync"
)

// SliceReader is an in-memory SourceReader backed by a fixed row slice. It
// backs tests and follow-up runs that re-drive the failed keys reported by
// an earlier run.
type SliceReader struct {
	columns []string
	rows    []tablesync.DeltaRow
	pos     int64
}

// NewSliceReader creates a reader over the given rows. The rows' Values are
// expected to align with columns.
func NewSliceReader(columns []string, rows []tablesync.DeltaRow) *SliceReader {
	return &SliceReader{columns: columns, rows: rows}
}

// Columns returns the ordered column names shared by all rows.
func (s *SliceReader) Columns() []string { return s.columns }

// Count reports the total number of rows.
func (s *SliceReader) Count(ctx context.Context) (int64, error) {
	return int64(len(s.rows)), nil
}

// Read returns up to max rows, or tablesync.ErrEndOfSource once drained.
func (s *SliceReader) Read(ctx context.Context, max int) ([]tablesync.DeltaRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= int64(len(s.rows)) {
		return nil, tablesync.ErrEndOfSource
	}
	end := s.pos + int64(max)
	if end > int64(len(s.rows)) {
		end = int64(len(s.rows))
	}
	rows := s.rows[s.pos:end]
	s.pos = end
	return rows, nil
}

// Seek positions the reader at the given absolute row offset.
func (s *SliceReader) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("invalid offset %d", offset)
	}
	s.pos = offset
	return nil
}
