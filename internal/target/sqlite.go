package target

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/katasec/tablesync/pkg/tablesync"
)

// SQLite's default variable ceiling is 999; stay under it so the statement
// works regardless of how the library was built.
const sqliteMaxParams = 990

type sqliteDialect struct{}

func (sqliteDialect) maxParams() int { return sqliteMaxParams }

// updateStmt renders an UPDATE ... FROM over an inline VALUES table. SQLite
// names VALUES columns column1..columnN, so a SELECT wrapper renames them.
func (sqliteDialect) updateStmt(table, keyColumn string, columns []string, rowCount int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "UPDATE %s SET ", table)
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = source.%s", col, col)
	}

	sb.WriteString(" FROM (SELECT ")
	fmt.Fprintf(&sb, "column1 AS %s", keyColumn)
	for i, col := range columns {
		fmt.Fprintf(&sb, ", column%d AS %s", i+2, col)
	}
	sb.WriteString(" FROM (VALUES ")
	placeholders := "(?" + strings.Repeat(", ?", len(columns)) + ")"
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders)
	}
	sb.WriteString(")) AS source ")
	fmt.Fprintf(&sb, "WHERE %s.%s = source.%s", table, keyColumn, keyColumn)
	return sb.String()
}

// classify maps SQLite result codes onto the retry taxonomy. Busy and
// locked are contention and retried; constraint and type mismatch faults
// are permanent. Unknown errors default to transient since the batch rolled
// back and the retry budget is bounded.
func (sqliteDialect) classify(err error) tablesync.ApplyErrorKind {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_PROTOCOL:
			return tablesync.ApplyTransient
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_ERROR:
			return tablesync.ApplyPermanent
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return tablesync.ApplyTransient
	}
	return tablesync.ApplyTransient
}
