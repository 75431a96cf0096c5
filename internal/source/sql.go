package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/internal/utils"
	"github.com/katasec/tablesync/pkg/tablesync"
)

var log = logging.GetLogger()

// SQLReader streams delta rows from a SQL table ordered by the key column.
// Pages are fetched with offset queries, which makes the reader
// offset-addressable for resume as long as the delta table is stable for
// the duration of the run.
type SQLReader struct {
	db        *sql.DB
	dialect   string
	table     string
	keyColumn string
	columns   []string
	offset    int64
}

// NewSQLReader creates a reader over table, returning keyColumn plus columns
// in key order. dialect is "sqlserver" or "sqlite".
func NewSQLReader(db *sql.DB, dialect, table, keyColumn string, columns []string) (*SQLReader, error) {
	switch dialect {
	case "sqlserver", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dialect)
	}
	if err := utils.ValidateIdentifiers(append([]string{table, keyColumn}, columns...)...); err != nil {
		return nil, err
	}
	return &SQLReader{
		db:        db,
		dialect:   dialect,
		table:     table,
		keyColumn: keyColumn,
		columns:   columns,
	}, nil
}

// Columns returns the ordered value column names.
func (r *SQLReader) Columns() []string { return r.columns }

// Count reports the total number of delta rows for progress planning.
func (r *SQLReader) Count(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.table)
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", r.table, err)
	}
	return count, nil
}

// Read fetches the next page of up to max rows in key order, returning
// tablesync.ErrEndOfSource once the table is exhausted.
func (r *SQLReader) Read(ctx context.Context, max int) ([]tablesync.DeltaRow, error) {
	columnList := r.keyColumn + ", " + strings.Join(r.columns, ", ")

	var query string
	var args []any
	switch r.dialect {
	case "sqlserver":
		query = fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY %s OFFSET @offset ROWS FETCH NEXT @limit ROWS ONLY",
			columnList, r.table, r.keyColumn)
		args = []any{sql.Named("offset", r.offset), sql.Named("limit", max)}
	default:
		query = fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?",
			columnList, r.table, r.keyColumn)
		args = []any{max, r.offset}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.table, err)
	}
	defer rows.Close()

	var page []tablesync.DeltaRow
	for rows.Next() {
		var key string
		values := make([]any, len(r.columns))
		targets := make([]any, 0, len(r.columns)+1)
		targets = append(targets, &key)
		for i := range values {
			targets = append(targets, &values[i])
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", r.table, err)
		}
		page = append(page, tablesync.DeltaRow{Key: key, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows from %s: %w", r.table, err)
	}

	if len(page) == 0 {
		return nil, tablesync.ErrEndOfSource
	}
	r.offset += int64(len(page))
	log.Debug("Read delta page", "table", r.table, "rows", len(page), "nextOffset", r.offset)
	return page, nil
}

// Seek positions the reader at the given absolute row offset.
func (r *SQLReader) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("invalid offset %d", offset)
	}
	r.offset = offset
	return nil
}
