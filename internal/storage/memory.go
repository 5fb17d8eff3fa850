package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// MemoryStore implements Backend on an ordered btree. State lives as long as
// the process.
type MemoryStore struct {
	clock Clock

	mu     sync.RWMutex
	tree   *btree.BTree
	keys   map[string]int // versions per key
	closed bool
}

type item struct {
	key []byte // EncodeKey(user key, ts)
	rec Record
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

// NewMemoryStore returns an empty store. A nil clock reads the wall clock.
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		tree:  btree.New(32),
		keys:  make(map[string]int),
	}
}

// Name implements Backend.
func (s *MemoryStore) Name() string { return "memory" }

// Put implements Backend.
func (s *MemoryStore) Put(_ context.Context, key string, value json.RawMessage) (Record, error) {
	now := s.clock.Now()
	rec := Record{
		Key:       key,
		Value:     cloneRaw(value),
		Timestamp: now.Unix(),
		CreatedAt: now.UTC(),
	}
	if err := s.apply(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// apply inserts rec, replacing any record at the same (key, timestamp).
func (s *MemoryStore) apply(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.applyLocked(rec)
	return nil
}

func (s *MemoryStore) applyLocked(rec Record) {
	it := &item{key: EncodeKey([]byte(rec.Key), uint64(rec.Timestamp)), rec: rec}
	if s.tree.ReplaceOrInsert(it) == nil {
		s.keys[rec.Key]++
	}
}

// GetLatest implements Backend.
func (s *MemoryStore) GetLatest(ctx context.Context, key string) (Record, error) {
	return s.GetAsOf(ctx, key, maxTimestamp)
}

// GetAsOf implements Backend. It seeks to (key, ts) and takes the first entry;
// inverted timestamps make that the newest version not after ts.
func (s *MemoryStore) GetAsOf(_ context.Context, key string, ts int64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}
	if ts < 0 {
		return Record{}, ErrNotFound
	}

	var found *item
	userKey := []byte(key)
	s.tree.AscendGreaterOrEqual(&item{key: EncodeKey(userKey, uint64(ts))}, func(i btree.Item) bool {
		it := i.(*item)
		if sameKey(it.key, userKey) {
			found = it
		}
		return false
	})

	if found == nil {
		return Record{}, ErrNotFound
	}
	rec := found.rec
	rec.Value = cloneRaw(rec.Value)
	return rec, nil
}

// Health implements Backend.
func (s *MemoryStore) Health(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}, ErrClosed
	}
	return Stats{Records: int64(s.tree.Len()), Keys: int64(len(s.keys))}, nil
}

// Close implements Backend. The contents are dropped.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.tree.Clear(false)
	s.keys = make(map[string]int)
	return nil
}

// SnapshotData serializes every record, oldest version of each key last.
func (s *MemoryStore) SnapshotData() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]Record, 0, s.tree.Len())
	s.tree.Ascend(func(i btree.Item) bool {
		recs = append(recs, i.(*item).rec)
		return true
	})
	return json.Marshal(recs)
}

// RestoreSnapshot replaces the store contents with a SnapshotData payload.
func (s *MemoryStore) RestoreSnapshot(data []byte) error {
	var recs []Record
	if len(data) > 0 {
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.tree.Clear(false)
	s.keys = make(map[string]int)
	for _, rec := range recs {
		s.applyLocked(rec)
	}
	return nil
}
