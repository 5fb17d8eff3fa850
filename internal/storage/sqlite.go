package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	timestamp  INTEGER NOT NULL,
	created_at TEXT    NOT NULL,
	UNIQUE (key, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_kv_store_key_timestamp ON kv_store (key, timestamp DESC);`

// SQLiteStore implements Backend on an embedded SQLite file using pure-Go
// SQLite (modernc.org/sqlite).
type SQLiteStore struct {
	db    *sql.DB
	clock Clock

	closeOnce sync.Once
	closeErr  error
}

// NewSQLiteStore opens (or creates) the database at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string, clock Clock) (*SQLiteStore, error) {
	inMemory := path == ":memory:"
	dsn := path
	if !inMemory {
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent read performance.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, clock: clock}, nil
}

// Name implements Backend.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Put implements Backend. The upsert is a single statement, so a repeated
// write in the same tick replaces the row atomically.
func (s *SQLiteStore) Put(ctx context.Context, key string, value json.RawMessage) (Record, error) {
	now := s.clock.Now()
	rec := Record{
		Key:       key,
		Value:     cloneRaw(value),
		Timestamp: now.Unix(),
		CreatedAt: now.UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, timestamp, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key, timestamp) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at`,
		rec.Key, string(rec.Value), rec.Timestamp, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("put %q: %w", key, s.mapErr(err))
	}
	return rec, nil
}

// GetLatest implements Backend.
func (s *SQLiteStore) GetLatest(ctx context.Context, key string) (Record, error) {
	return s.GetAsOf(ctx, key, maxTimestamp)
}

// GetAsOf implements Backend. The query is answered from the
// (key, timestamp DESC) index.
func (s *SQLiteStore) GetAsOf(ctx context.Context, key string, ts int64) (Record, error) {
	var value, createdAt string
	rec := Record{Key: key}

	err := s.db.QueryRowContext(ctx, `
		SELECT value, timestamp, created_at FROM kv_store
		WHERE key = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1`,
		key, ts,
	).Scan(&value, &rec.Timestamp, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %q as of %d: %w", key, ts, s.mapErr(err))
	}

	createdTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("decode created_at of %q@%d: %w", key, rec.Timestamp, err)
	}
	rec.Value = json.RawMessage(value)
	rec.CreatedAt = createdTime
	return rec, nil
}

// Health implements Backend.
func (s *SQLiteStore) Health(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT key) FROM kv_store",
	).Scan(&st.Records, &st.Keys)
	if err != nil {
		return Stats{}, fmt.Errorf("count records: %w", s.mapErr(err))
	}
	return st, nil
}

// Close implements Backend.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *SQLiteStore) mapErr(err error) error {
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}
