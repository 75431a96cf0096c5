// Package checkpoint persists commit watermarks so an interrupted run can
// resume without re-driving already-committed batches. The watermark may lag
// the target (a crash between apply and checkpoint re-applies one batch,
// which the idempotent update tolerates) but never runs ahead of it.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/katasec/tablesync/internal/logging"
	"github.com/katasec/tablesync/internal/utils"
	"github.com/katasec/tablesync/pkg/tablesync"
)

var log = logging.GetLogger()

// DefaultTableName is the checkpoint table used when none is configured.
const DefaultTableName = "sync_checkpoints"

// TableStore persists checkpoints in a SQL table, one row per run. The
// write path is an upsert guarded to never move the watermark backward.
type TableStore struct {
	db      *sql.DB
	dialect string
	table   string
}

// NewTableStore creates a TableStore on the given connection. dialect is
// "sqlserver" or "sqlite"; an empty table name selects DefaultTableName.
func NewTableStore(db *sql.DB, dialect, table string) (*TableStore, error) {
	switch dialect {
	case "sqlserver", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dialect)
	}
	if table == "" {
		table = DefaultTableName
	}
	if err := utils.ValidateIdentifier(table); err != nil {
		return nil, err
	}
	return &TableStore{db: db, dialect: dialect, table: table}, nil
}

// EnsureTable creates the checkpoint table if it does not exist. Timestamps
// are stored as unix seconds on SQLite because its drivers round-trip text
// timestamps poorly.
func (s *TableStore) EnsureTable(ctx context.Context) error {
	var query string
	switch s.dialect {
	case "sqlserver":
		query = fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			run_id NVARCHAR(128) PRIMARY KEY,
			last_committed_seq BIGINT NOT NULL,
			updated_at DATETIME2 NOT NULL
		);
	END`, s.table, s.table)
	default:
		query = fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT PRIMARY KEY,
		last_committed_seq INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	log.Debug("Initialized checkpoint table", "table", s.table)
	return nil
}

// RecordCommit upserts seq as the watermark for the run. The statement only
// advances the stored value, so a stale writer cannot move it backward.
func (s *TableStore) RecordCommit(ctx context.Context, runID string, seq int64) error {
	now := time.Now().UTC()

	var err error
	switch s.dialect {
	case "sqlserver":
		query := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@runID, @seq, @updatedAt)) AS source (run_id, last_committed_seq, updated_at)
	ON target.run_id = source.run_id
	WHEN MATCHED AND source.last_committed_seq > target.last_committed_seq THEN
		UPDATE SET last_committed_seq = source.last_committed_seq, updated_at = source.updated_at
	WHEN NOT MATCHED THEN
		INSERT (run_id, last_committed_seq, updated_at)
		VALUES (source.run_id, source.last_committed_seq, source.updated_at);`, s.table)
		_, err = s.db.ExecContext(ctx, query,
			sql.Named("runID", runID),
			sql.Named("seq", seq),
			sql.Named("updatedAt", now),
		)
	default:
		query := fmt.Sprintf(`
	INSERT INTO %s (run_id, last_committed_seq, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		last_committed_seq = excluded.last_committed_seq,
		updated_at = excluded.updated_at
	WHERE excluded.last_committed_seq > %s.last_committed_seq`, s.table, s.table)
		_, err = s.db.ExecContext(ctx, query, runID, seq, now.Unix())
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for run %s: %w", runID, err)
	}

	log.Debug("Saved checkpoint", "runID", runID, "lastCommittedSeq", seq)
	return nil
}

// Load returns the checkpoint for the run, or tablesync.ErrCheckpointNotFound.
func (s *TableStore) Load(ctx context.Context, runID string) (*tablesync.CheckpointRecord, error) {
	query := fmt.Sprintf("SELECT last_committed_seq, updated_at FROM %s WHERE run_id = ", s.table)

	var seq int64
	var updatedAt time.Time
	var err error
	switch s.dialect {
	case "sqlserver":
		err = s.db.QueryRowContext(ctx, query+"@runID", sql.Named("runID", runID)).Scan(&seq, &updatedAt)
	default:
		var unix int64
		err = s.db.QueryRowContext(ctx, query+"?", runID).Scan(&seq, &unix)
		updatedAt = time.Unix(unix, 0).UTC()
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tablesync.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for run %s: %w", runID, err)
	}

	return &tablesync.CheckpointRecord{
		RunID:            runID,
		LastCommittedSeq: seq,
		UpdatedAt:        updatedAt,
	}, nil
}
