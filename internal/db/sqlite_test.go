package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPing(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.Ping())
}

func TestEventsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.RecordEvent("demo", "aaaaaaa1", "dispatched", ""))
	require.NoError(t, store.RecordEvent("demo", "aaaaaaa1", "blocked", "exit code 2"))
	require.NoError(t, store.RecordEvent("other", "bbbbbbb1", "dispatched", ""))

	events, err := store.RecentEvents("demo", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, "blocked", events[0].Kind)
	assert.Equal(t, "exit code 2", events[0].Detail)
	assert.Equal(t, "dispatched", events[1].Kind)
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestRecentEventsLimit(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordEvent("demo", "aaaaaaa1", "dispatched", ""))
	}
	events, err := store.RecentEvents("demo", 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestClaimConflict(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.AcquireClaim("demo", "aaaaaaa1", "runner-1"))
	// Same runner may re-acquire.
	assert.NoError(t, store.AcquireClaim("demo", "aaaaaaa1", "runner-1"))
	// Another runner may not.
	assert.ErrorIs(t, store.AcquireClaim("demo", "aaaaaaa1", "runner-2"), ErrClaimHeld)

	claims, err := store.ActiveClaims("demo")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "runner-1", claims[0].RunnerID)

	require.NoError(t, store.ReleaseClaim("demo", "aaaaaaa1", "runner-1"))
	assert.NoError(t, store.AcquireClaim("demo", "aaaaaaa1", "runner-2"))
}

func TestReleaseClaimWrongRunnerIsNoop(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AcquireClaim("demo", "aaaaaaa1", "runner-1"))
	require.NoError(t, store.ReleaseClaim("demo", "aaaaaaa1", "runner-2"))

	claims, err := store.ActiveClaims("demo")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestFactoryDefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	store, err := NewStore(StoreConfig{ConnectionString: path})
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping())
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	_, err := NewStore(StoreConfig{Type: "mongodb"})
	assert.Error(t, err)
}
