package engine

import (
	"fmt"

	"github.com/katasec/tablesync/internal/checkpoint"
	"github.com/katasec/tablesync/internal/config"
	"github.com/katasec/tablesync/internal/db"
	"github.com/katasec/tablesync/internal/locking"
	"github.com/katasec/tablesync/internal/source"
	"github.com/katasec/tablesync/internal/target"
	"github.com/katasec/tablesync/pkg/tablesync"
)

// FromConfig builds a fully wired Engine from a validated configuration:
// source and target connection pools, the dialect-specific reader and
// target store, the configured checkpoint backend and the optional
// distributed run lock. Close the engine to release the pools.
func FromConfig(cfg *config.SyncConfig) (*Engine, error) {
	sourceDB, err := db.Connect(cfg.Driver, cfg.SourceConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source: %w", err)
	}

	targetDB, err := db.Connect(cfg.Driver, cfg.TargetConnectionString)
	if err != nil {
		sourceDB.Close()
		return nil, fmt.Errorf("failed to connect to target: %w", err)
	}

	cleanup := func() {
		sourceDB.Close()
		targetDB.Close()
	}

	reader, err := source.NewSQLReader(sourceDB, cfg.Driver, cfg.SourceTable, cfg.KeyColumn, cfg.Columns)
	if err != nil {
		cleanup()
		return nil, err
	}

	store, err := target.NewStore(targetDB, cfg.Driver, cfg.TargetTable, cfg.KeyColumn, cfg.Columns)
	if err != nil {
		cleanup()
		return nil, err
	}

	var checkpoints tablesync.CheckpointStore
	switch cfg.Checkpoint.Type {
	case "file":
		checkpoints, err = checkpoint.NewFileStore(cfg.Checkpoint.Path)
	default:
		checkpoints, err = checkpoint.NewTableStore(targetDB, cfg.Driver, cfg.Checkpoint.Table)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	e := New(cfg, reader, store, checkpoints)
	e.closers = append(e.closers, sourceDB.Close, targetDB.Close)

	if cfg.Lock.Type != "" {
		e.SetLockerFactory(locking.NewLockerFactory(
			cfg.Lock.Type,
			cfg.Lock.ConnectionString,
			cfg.Lock.ContainerName,
			cfg.TargetConnectionString,
		))
	}

	return e, nil
}
