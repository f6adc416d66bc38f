package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	saveTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return saveTime }

	c := New([]string{"logs-2021", "logs-2020"}, "logs-all")
	c.CurrentSegment = "logs-2020"
	c.CurrentTask = "node-1:12345"
	c.ReopenOnFinish = true
	c.Message = "reindexing logs-2020 into logs-all"
	// Stale liveness values that the save must overwrite
	c.Host = "old-host"
	c.ProcessID = -1
	c.LastUpdate = saveTime.Add(-time.Hour)

	require.NoError(t, s.Save(ctx, c))

	loaded, err := s.FindMatching(ctx, NewJobKey([]string{"logs-2020", "logs-2021"}, "logs-all"))
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.Equal(t, c.ID, loaded.ID)
	require.Equal(t, []string{"logs-2020", "logs-2021"}, loaded.SourceSegments)
	require.Equal(t, "logs-all", loaded.Destination)
	require.Equal(t, "logs-2020", loaded.CurrentSegment)
	require.Equal(t, "node-1:12345", loaded.CurrentTask)
	require.True(t, loaded.ReopenOnFinish)
	require.Equal(t, StatusOK, loaded.Status)
	require.Equal(t, "reindexing logs-2020 into logs-all", loaded.Message)

	// Liveness fields are refreshed on every save
	require.NotEqual(t, "old-host", loaded.Host)
	require.NotEqual(t, -1, loaded.ProcessID)
	require.WithinDuration(t, saveTime, loaded.LastUpdate, time.Second)
}

func TestSQLiteStore_FindMatchingNone(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	c := New([]string{"a", "b"}, "dest")
	require.NoError(t, s.Save(ctx, c))

	loaded, err := s.FindMatching(ctx, NewJobKey([]string{"a", "b"}, "other-dest"))
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestSQLiteStore_SaveUpserts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	c := New([]string{"a"}, "dest")
	require.NoError(t, s.Save(ctx, c))

	c.CurrentSegment = "a"
	c.Status = StatusCrashed
	c.Message = "boom"
	require.NoError(t, s.Save(ctx, c))

	loaded, err := s.FindMatching(ctx, c.Key())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, c.ID, loaded.ID)
	require.Equal(t, "a", loaded.CurrentSegment)
	require.Equal(t, StatusCrashed, loaded.Status)
	require.Equal(t, "boom", loaded.Message)
}

func TestSQLiteStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	c := New([]string{"a"}, "dest")
	require.NoError(t, s.Save(ctx, c))

	require.NoError(t, s.Delete(ctx, c.ID))
	require.NoError(t, s.Delete(ctx, c.ID))

	loaded, err := s.FindMatching(ctx, c.Key())
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestSQLiteStore_EnsureStorageTwice(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureStorage(ctx))
	require.NoError(t, s.EnsureStorage(ctx))
}
