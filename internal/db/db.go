package db

import (
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
	_ "modernc.org/sqlite"
)

// driverName maps an engine dialect to its database/sql driver name.
func driverName(dialect string) (string, error) {
	switch dialect {
	case "sqlserver":
		return "sqlserver", nil
	case "sqlite":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", dialect)
	}
}

// Connect establishes a connection pool for the given dialect and verifies
// it with a ping.
func Connect(dialect, connectionString string) (*sql.DB, error) {
	name, err := driverName(dialect)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(name, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return conn, nil
}
