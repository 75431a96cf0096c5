package target

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"

	"github.com/katasec/tablesync/pkg/tablesync"
)

// SQL Server allows 2100 parameters per request; stay under it with margin.
const sqlserverMaxParams = 2000

type sqlserverDialect struct{}

func (sqlserverDialect) maxParams() int { return sqlserverMaxParams }

// updateStmt renders a MERGE that updates every matched key from an inline
// VALUES table in one set-based operation. go-mssqldb binds positional args
// as @p1..@pN.
func (sqlserverDialect) updateStmt(table, keyColumn string, columns []string, rowCount int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "MERGE INTO %s AS target\nUSING (VALUES ", table)
	param := 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := 0; col <= len(columns); col++ {
			if col > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "@p%d", param)
			param++
		}
		sb.WriteString(")")
	}
	fmt.Fprintf(&sb, ") AS source (%s, %s)\n", keyColumn, strings.Join(columns, ", "))
	fmt.Fprintf(&sb, "ON target.%s = source.%s\n", keyColumn, keyColumn)
	sb.WriteString("WHEN MATCHED THEN UPDATE SET ")
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "target.%s = source.%s", col, col)
	}
	sb.WriteString(";")
	return sb.String()
}

// classify maps SQL Server error numbers onto the retry taxonomy. Unknown
// errors default to transient: the batch was rolled back, so retrying is
// safe, and the retry budget bounds the damage of a misclassification.
func (sqlserverDialect) classify(err error) tablesync.ApplyErrorKind {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		// Deadlock victim, lock timeouts, resource pressure, Azure throttling.
		case 1205, 1222, 1204, 8645, 10928, 10929, 40197, 40501, 40613:
			return tablesync.ApplyTransient
		// Constraint violations, duplicate keys, NULL and conversion faults.
		case 547, 2601, 2627, 515, 245, 8114, 8152, 207, 208:
			return tablesync.ApplyPermanent
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return tablesync.ApplyTransient
	}
	return tablesync.ApplyTransient
}
