package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T, clock Clock) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T, clock Clock) Backend {
		return newTestSQLiteStore(t, clock)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	clock := newFakeClock()
	ctx := context.Background()

	s, err := NewSQLiteStore(path, clock.Now)
	require.NoError(t, err)
	first, err := s.Put(ctx, "mykey", json.RawMessage(`"value1"`))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Put(ctx, "mykey", json.RawMessage(`"value2"`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, clock.Now)
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.GetLatest(ctx, "mykey")
	require.NoError(t, err)
	assert.Equal(t, `"value2"`, string(latest.Value))

	old, err := reopened.GetAsOf(ctx, "mykey", first.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, `"value1"`, string(old.Value))
	assert.False(t, old.CreatedAt.IsZero())
}

func TestSQLiteStore_UsesIndex(t *testing.T) {
	s := newTestSQLiteStore(t, newFakeClock().Now)

	rows, err := s.db.Query(`EXPLAIN QUERY PLAN
		SELECT value, timestamp, created_at FROM kv_store
		WHERE key = ? AND timestamp <= ? ORDER BY timestamp DESC LIMIT 1`, "k", 1)
	require.NoError(t, err)
	defer rows.Close()

	var plan string
	for rows.Next() {
		var id, parent, notused int
		var detail string
		require.NoError(t, rows.Scan(&id, &parent, &notused, &detail))
		plan += detail + "\n"
	}
	require.NoError(t, rows.Err())
	assert.Contains(t, plan, "idx_kv_store_key_timestamp")
}

func TestSQLiteStore_CorruptCreatedAt(t *testing.T) {
	s := newTestSQLiteStore(t, newFakeClock().Now)
	_, err := s.db.Exec(`INSERT INTO kv_store (key, value, timestamp, created_at) VALUES (?, ?, ?, ?)`,
		"k", `"v"`, 100, "yesterday")
	require.NoError(t, err)

	_, err = s.GetLatest(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "created_at")
}

// Verify Backend interface compliance.
func TestSQLiteStore_ImplementsBackend(t *testing.T) {
	var _ Backend = (*SQLiteStore)(nil)
	var _ Backend = (*MemoryStore)(nil)
	var _ Backend = (*JetStreamStore)(nil)
	var _ Backend = (*ReplicatedStore)(nil)
}
