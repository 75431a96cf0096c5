package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/katasec/tablesync/pkg/tablesync"
)

// FileStore persists checkpoints as JSON files, one per run, in a single
// directory. Writes go through a temp file with an fsync before an atomic
// rename, so a crash never leaves a torn checkpoint behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".checkpoint.json")
}

// RecordCommit persists seq as the watermark for the run. A stored watermark
// is never moved backward.
func (s *FileStore) RecordCommit(ctx context.Context, runID string, seq int64) error {
	if existing, err := s.Load(ctx, runID); err == nil && existing.LastCommittedSeq >= seq {
		return nil
	}

	record := tablesync.CheckpointRecord{
		RunID:            runID,
		LastCommittedSeq: seq,
		UpdatedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tempPath := s.path(runID) + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	// Close before rename for Windows compatibility.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tempPath, s.path(runID)); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	log.Debug("Saved checkpoint file", "runID", runID, "lastCommittedSeq", seq)
	return nil
}

// Load returns the checkpoint for the run, or tablesync.ErrCheckpointNotFound.
func (s *FileStore) Load(ctx context.Context, runID string) (*tablesync.CheckpointRecord, error) {
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, tablesync.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var record tablesync.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint file: %w", err)
	}
	return &record, nil
}
