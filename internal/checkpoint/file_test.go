package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/tablesync/pkg/tablesync"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.RecordCommit(ctx, "run-1", 7))

	record, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, int64(7), record.LastCommittedSeq)
	assert.False(t, record.UpdatedAt.IsZero())
}

func TestFileStore_NotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, tablesync.ErrCheckpointNotFound)
}

func TestFileStore_WatermarkNeverMovesBackward(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.RecordCommit(ctx, "run-1", 5))
	require.NoError(t, store.RecordCommit(ctx, "run-1", 3))

	record, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), record.LastCommittedSeq)

	require.NoError(t, store.RecordCommit(ctx, "run-1", 9))
	record, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), record.LastCommittedSeq)
}

func TestFileStore_RunsAreIsolated(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.RecordCommit(ctx, "run-a", 2))
	require.NoError(t, store.RecordCommit(ctx, "run-b", 8))

	a, err := store.Load(ctx, "run-a")
	require.NoError(t, err)
	b, err := store.Load(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.LastCommittedSeq)
	assert.Equal(t, int64(8), b.LastCommittedSeq)
}

func TestFileStore_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.RecordCommit(context.Background(), "run-1", 1))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1.checkpoint.json", filepath.Base(entries[0].Name()))
}
