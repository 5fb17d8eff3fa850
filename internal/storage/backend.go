// Package storage persists and queries version records.
//
// Backend is the capability set every physical store implements: the volatile
// btree MemoryStore, the embedded SQLiteStore, the networked JetStreamStore and
// the raft-replicated ReplicatedStore. All of them apply the same rules:
// (key, timestamp) is unique, a repeated write in the same tick replaces that
// tick's record, and GetAsOf returns the newest record at or before the bound.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/myuser/chronokv/internal/kverrors"
)

// ErrNotFound is returned when no record satisfies a lookup.
var ErrNotFound = kverrors.ErrNotFound

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("backend closed")

// Record is one immutable version of a key.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats summarises backend contents for health reporting.
type Stats struct {
	Records int64 `json:"records"`
	Keys    int64 `json:"keys"`
}

// Backend is implemented by every storage variant.
type Backend interface {
	// Name identifies the variant in logs and health output.
	Name() string

	// Put stores value under key at the current clock tick and returns the
	// committed record. A record already at that tick is replaced.
	Put(ctx context.Context, key string, value json.RawMessage) (Record, error)

	// GetLatest returns the record with the greatest timestamp.
	GetLatest(ctx context.Context, key string) (Record, error)

	// GetAsOf returns the record with the greatest timestamp <= ts.
	GetAsOf(ctx context.Context, key string, ts int64) (Record, error)

	// Health reports record and distinct key counts, or why the backend is unusable.
	Health(ctx context.Context) (Stats, error)

	// Close releases connections and file handles. Safe to call more than once.
	Close() error
}

// Clock supplies write timestamps. A nil Clock reads the wall clock.
type Clock func() time.Time

// Now returns the current time. Timestamps are its whole seconds.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// maxTimestamp is the bound GetLatest queries with.
const maxTimestamp = int64(^uint64(0) >> 1)

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
