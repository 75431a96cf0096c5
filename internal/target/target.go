// Package target applies batches of delta rows against the base table as
// set-based conditional updates. One batch is always one transaction: either
// every row's update is accepted or the whole batch rolls back, so partial
// application is never observable.
package target

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/internal/utils"
	"github.com/katasec/tablesync/pkg/tablesync"
)

var log = logging.GetLogger()

// dialect abstracts the vendor-specific pieces of a set-based batch update:
// the statement shape, the parameter budget per statement, and the mapping
// of driver errors onto the transient/permanent taxonomy.
type dialect interface {
	// updateStmt renders one multi-row conditional update covering rowCount
	// rows of (key, columns...) parameters.
	updateStmt(table, keyColumn string, columns []string, rowCount int) string

	// maxParams is the driver's parameter ceiling per statement.
	maxParams() int

	// classify maps a driver error to the retry taxonomy.
	classify(err error) tablesync.ApplyErrorKind
}

// Store is a tablesync.TargetStore over a SQL base table.
type Store struct {
	db        *sql.DB
	dialect   dialect
	table     string
	keyColumn string
	columns   []string
}

// NewStore creates a Store updating columns of table keyed by keyColumn.
// dialectName is "sqlserver" or "sqlite".
func NewStore(db *sql.DB, dialectName, table, keyColumn string, columns []string) (*Store, error) {
	var d dialect
	switch dialectName {
	case "sqlserver":
		d = sqlserverDialect{}
	case "sqlite":
		d = sqliteDialect{}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dialectName)
	}
	if err := utils.ValidateIdentifiers(append([]string{table, keyColumn}, columns...)...); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no target columns configured")
	}
	return &Store{
		db:        db,
		dialect:   d,
		table:     table,
		keyColumn: keyColumn,
		columns:   columns,
	}, nil
}

// rowsPerStatement keeps each generated statement under the driver's
// parameter ceiling. The batch still commits as one transaction; only the
// statement is split.
func (s *Store) rowsPerStatement() int {
	perRow := len(s.columns) + 1 // key + value columns
	n := s.dialect.maxParams() / perRow
	if n < 1 {
		n = 1
	}
	return n
}

// ApplyBatch applies the whole batch inside a single transaction on a
// dedicated connection. The connection is released on every exit path.
// Failures are returned as classified ApplyErrors; the transaction is
// rolled back in full on any failure.
func (s *Store) ApplyBatch(ctx context.Context, batch *tablesync.Batch) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, s.applyError(batch.Seq, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.applyError(batch.Seq, err)
	}

	var total int64
	chunkSize := s.rowsPerStatement()
	for start := 0; start < len(batch.Rows); start += chunkSize {
		end := start + chunkSize
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}
		chunk := batch.Rows[start:end]

		stmt := s.dialect.updateStmt(s.table, s.keyColumn, s.columns, len(chunk))
		args := make([]any, 0, len(chunk)*(len(s.columns)+1))
		for _, row := range chunk {
			args = append(args, row.Key)
			args = append(args, row.Values...)
		}

		res, execErr := tx.ExecContext(ctx, stmt, args...)
		if execErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("Rollback failed after apply error", "seq", batch.Seq, "error", rbErr)
			}
			return 0, s.applyError(batch.Seq, execErr)
		}
		if n, raErr := res.RowsAffected(); raErr == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, s.applyError(batch.Seq, err)
	}

	log.Debug("Applied batch", "seq", batch.Seq, "rows", len(batch.Rows), "rowsAffected", total)
	return total, nil
}

func (s *Store) applyError(seq int64, err error) *tablesync.ApplyError {
	return &tablesync.ApplyError{
		Kind: s.dialect.classify(err),
		Seq:  seq,
		Err:  err,
	}
}
