package raft

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/myuser/chronokv/internal/storage/wal"
)

// DiskStorage is a raft.MemoryStorage whose mutations are first written to a
// WAL, so a restarted node rebuilds the same log, hard state and snapshot.
type DiskStorage struct {
	*raft.MemoryStorage
	wal *wal.WAL
}

type recordType int

const (
	recordEntry recordType = iota + 1
	recordHardState
	recordSnapshot
)

// walRecord is one WAL frame: a type tag and the protobuf encoded payload.
type walRecord struct {
	Type recordType `json:"type"`
	Data []byte     `json:"data"`
}

type marshaler interface {
	Marshal() ([]byte, error)
}

// NewDiskStorage opens the WAL at walPath and replays it into memory.
func NewDiskStorage(walPath string) (*DiskStorage, error) {
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}

	mem := raft.NewMemoryStorage()
	ds := &DiskStorage{
		MemoryStorage: mem,
		wal:           w,
	}

	err = w.Iterate(func(data []byte) error {
		var r walRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}

		switch r.Type {
		case recordEntry:
			var ent raftpb.Entry
			if err := ent.Unmarshal(r.Data); err != nil {
				return err
			}
			return ds.replayEntry(ent)
		case recordHardState:
			var hs raftpb.HardState
			if err := hs.Unmarshal(r.Data); err != nil {
				return err
			}
			return mem.SetHardState(hs)
		case recordSnapshot:
			var snap raftpb.Snapshot
			if err := snap.Unmarshal(r.Data); err != nil {
				return err
			}
			return ds.replaySnapshot(snap)
		default:
			return fmt.Errorf("unknown wal record type %d", r.Type)
		}
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	return ds, nil
}

func (ds *DiskStorage) replayEntry(ent raftpb.Entry) error {
	first, _ := ds.MemoryStorage.FirstIndex()
	if ent.Index < first {
		// Already covered by a replayed snapshot.
		return nil
	}
	return ds.MemoryStorage.Append([]raftpb.Entry{ent})
}

// replaySnapshot keeps log entries that were persisted after the snapshot
// index but before the snapshot record was written.
func (ds *DiskStorage) replaySnapshot(snap raftpb.Snapshot) error {
	last, _ := ds.MemoryStorage.LastIndex()
	idx := snap.Metadata.Index
	if idx > last {
		return ds.MemoryStorage.ApplySnapshot(snap)
	}

	cs := snap.Metadata.ConfState
	if _, err := ds.MemoryStorage.CreateSnapshot(idx, &cs, snap.Data); err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return err
	}
	if err := ds.MemoryStorage.Compact(idx); err != nil && !errors.Is(err, raft.ErrCompacted) {
		return err
	}
	return nil
}

// Save persists entries and hard state, then makes them visible to raft.
func (ds *DiskStorage) Save(entries []raftpb.Entry, state raftpb.HardState) error {
	for i := range entries {
		if err := ds.persist(recordEntry, &entries[i]); err != nil {
			return err
		}
	}
	if !raft.IsEmptyHardState(state) {
		if err := ds.persist(recordHardState, &state); err != nil {
			return err
		}
		if err := ds.MemoryStorage.SetHardState(state); err != nil {
			return err
		}
	}
	return ds.MemoryStorage.Append(entries)
}

func (ds *DiskStorage) persist(typ recordType, m marshaler) error {
	payload, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshal wal record %d: %w", typ, err)
	}
	frame, err := json.Marshal(walRecord{Type: typ, Data: payload})
	if err != nil {
		return err
	}
	return ds.wal.Append(frame)
}

// Close closes the WAL.
func (ds *DiskStorage) Close() error {
	return ds.wal.Close()
}

// CreateSnapshot records a snapshot at index i and compacts the in-memory log.
func (ds *DiskStorage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	snap, err := ds.MemoryStorage.CreateSnapshot(i, cs, data)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if err := ds.persist(recordSnapshot, &snap); err != nil {
		return raftpb.Snapshot{}, err
	}
	if err := ds.MemoryStorage.Compact(i); err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, nil
}

// ApplySnapshot installs a snapshot received from the leader.
func (ds *DiskStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	if err := ds.persist(recordSnapshot, &snap); err != nil {
		return err
	}
	return ds.MemoryStorage.ApplySnapshot(snap)
}
