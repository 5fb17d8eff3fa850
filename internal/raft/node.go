// Package raft wraps etcd/raft into a node that persists its log to a WAL,
// ships messages over HTTP and hands committed entries to an Applier.
package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Node wraps etcd/raft.Node to provide a simpler interface.
type Node struct {
	ID        uint64
	RaftNode  raft.Node
	Storage   Storage
	Transport Transport
	Applier   Applier

	voters        []uint64
	replayed      uint64 // normal entries up to here were applied in NewNode
	tick          time.Duration
	snapshotEvery uint64
	logger        *slog.Logger
}

// Storage is the subset of DiskStorage the node needs.
type Storage interface {
	raft.Storage
	Save(entries []raftpb.Entry, state raftpb.HardState) error
	CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	ApplySnapshot(snap raftpb.Snapshot) error
	Close() error
}

// Applier applies committed entries to the state machine.
type Applier interface {
	Apply(entry raftpb.Entry)
	GetSnapshot() ([]byte, error)
	Restore(data []byte) error
}

// Transport delivers outgoing messages to peers.
type Transport interface {
	Send(msgs []raftpb.Message)
}

// Config for the Node
type Config struct {
	ID    uint64
	Peers []uint64

	// WALPath persists the log. Empty keeps it in memory only.
	WALPath string

	// TickInterval drives elections and heartbeats. Default 100ms.
	TickInterval time.Duration

	// SnapshotEvery applied entries a snapshot is taken. Default 1000.
	SnapshotEvery uint64

	Logger *slog.Logger
}

// NewNode creates a new Raft node, restoring the applier from the latest
// persisted snapshot.
func NewNode(cfg Config, applier Applier, transport Transport) (*Node, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Peers) == 0 {
		cfg.Peers = []uint64{cfg.ID}
	}

	var storage Storage
	if cfg.WALPath != "" {
		ds, err := NewDiskStorage(cfg.WALPath)
		if err != nil {
			return nil, err
		}
		storage = ds
	} else {
		storage = &memoryStorageWrapper{raft.NewMemoryStorage()}
	}

	snap, err := storage.Snapshot()
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !raft.IsEmptySnap(snap) {
		if err := applier.Restore(snap.Data); err != nil {
			storage.Close()
			return nil, fmt.Errorf("restore snapshot %d: %w", snap.Metadata.Index, err)
		}
	}

	replayed, err := replayCommitted(storage, applier, snap.Metadata.Index)
	if err != nil {
		storage.Close()
		return nil, err
	}

	c := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		Applied:         snap.Metadata.Index,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		CheckQuorum:     len(cfg.Peers) > 1,
		PreVote:         true,
		Logger:          NewLogger(cfg.Logger.With("component", "etcd-raft")),
	}

	var rn raft.Node
	lastIndex, err := storage.LastIndex()
	if err != nil {
		storage.Close()
		return nil, err
	}
	if lastIndex > 0 || !raft.IsEmptySnap(snap) {
		rn = raft.RestartNode(c)
	} else {
		peers := make([]raft.Peer, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			peers = append(peers, raft.Peer{ID: p})
		}
		rn = raft.StartNode(c, peers)
	}

	return &Node{
		ID:            cfg.ID,
		RaftNode:      rn,
		Storage:       storage,
		Transport:     transport,
		Applier:       applier,
		voters:        cfg.Peers,
		replayed:      replayed,
		tick:          cfg.TickInterval,
		snapshotEvery: cfg.SnapshotEvery,
		logger:        cfg.Logger.With("raft_id", cfg.ID),
	}, nil
}

// replayCommitted applies the normal entries between the snapshot and the
// persisted commit index, so the state machine is current before the node
// serves reads. raft still redelivers them from the snapshot index on, which
// keeps conf changes flowing through ApplyConfChange; Run skips the normal
// ones at or below the returned index.
func replayCommitted(storage Storage, applier Applier, snapIndex uint64) (uint64, error) {
	hs, _, err := storage.InitialState()
	if err != nil {
		return 0, fmt.Errorf("load hard state: %w", err)
	}
	last, err := storage.LastIndex()
	if err != nil {
		return 0, err
	}
	commit := min(hs.Commit, last)
	if commit <= snapIndex {
		return snapIndex, nil
	}

	ents, err := storage.Entries(snapIndex+1, commit+1, math.MaxUint64)
	if err != nil {
		return 0, fmt.Errorf("read committed entries: %w", err)
	}
	for _, ent := range ents {
		if ent.Type == raftpb.EntryNormal && len(ent.Data) > 0 {
			applier.Apply(ent)
		}
	}
	return commit, nil
}

// memoryStorageWrapper makes MemoryStorage satisfy our Storage interface (Save method)
type memoryStorageWrapper struct {
	*raft.MemoryStorage
}

func (m *memoryStorageWrapper) Save(entries []raftpb.Entry, state raftpb.HardState) error {
	if !raft.IsEmptyHardState(state) {
		if err := m.SetHardState(state); err != nil {
			return err
		}
	}
	return m.Append(entries)
}

func (m *memoryStorageWrapper) Close() error { return nil }

// Run drives the node until ctx is cancelled or persisting state fails.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()
	defer n.RaftNode.Stop()

	var lead uint64
	lastSnap := n.SnapshotIndex()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.RaftNode.Tick()
		case rd := <-n.RaftNode.Ready():
			if rd.SoftState != nil && rd.SoftState.Lead != lead {
				lead = rd.SoftState.Lead
				n.logger.Info("raft leader changed", "leader", lead, "state", rd.SoftState.RaftState.String())
			}

			if !raft.IsEmptySnap(rd.Snapshot) {
				n.logger.Info("applying raft snapshot", "index", rd.Snapshot.Metadata.Index)
				if err := n.Storage.ApplySnapshot(rd.Snapshot); err != nil {
					return fmt.Errorf("persist snapshot: %w", err)
				}
				if err := n.Applier.Restore(rd.Snapshot.Data); err != nil {
					return fmt.Errorf("restore snapshot: %w", err)
				}
				lastSnap = rd.Snapshot.Metadata.Index
			}

			if err := n.Storage.Save(rd.Entries, rd.HardState); err != nil {
				return fmt.Errorf("persist raft state: %w", err)
			}

			n.Transport.Send(rd.Messages)

			for _, entry := range rd.CommittedEntries {
				switch entry.Type {
				case raftpb.EntryNormal:
					if len(entry.Data) > 0 && entry.Index > n.replayed {
						n.Applier.Apply(entry)
					}
				case raftpb.EntryConfChange:
					var cc raftpb.ConfChange
					if err := cc.Unmarshal(entry.Data); err != nil {
						return fmt.Errorf("decode conf change: %w", err)
					}
					n.RaftNode.ApplyConfChange(cc)
				}
			}

			if k := len(rd.CommittedEntries); k > 0 {
				applied := rd.CommittedEntries[k-1].Index
				if applied-lastSnap >= n.snapshotEvery {
					if err := n.snapshot(applied); err != nil {
						n.logger.Warn("raft snapshot failed", "index", applied, "error", err)
					} else {
						lastSnap = applied
					}
				}
			}

			n.RaftNode.Advance()
		}
	}
}

func (n *Node) snapshot(index uint64) error {
	data, err := n.Applier.GetSnapshot()
	if err != nil {
		return err
	}
	cs := &raftpb.ConfState{Voters: n.voters}
	if _, err := n.Storage.CreateSnapshot(index, cs, data); err != nil {
		return err
	}
	n.logger.Info("raft snapshot created", "index", index)
	return nil
}

// SnapshotIndex returns the index of the latest persisted snapshot.
func (n *Node) SnapshotIndex() uint64 {
	snap, err := n.Storage.Snapshot()
	if err != nil {
		return 0
	}
	return snap.Metadata.Index
}

// Leader returns the current leader id, 0 when unknown.
func (n *Node) Leader() uint64 {
	return n.RaftNode.Status().Lead
}

// Propose submits data to the log. It returns once the proposal is handed to
// the raft loop, not when it commits.
func (n *Node) Propose(ctx context.Context, data []byte) error {
	return n.RaftNode.Propose(ctx, data)
}

// Step feeds a message received from a peer.
func (n *Node) Step(ctx context.Context, msg raftpb.Message) error {
	return n.RaftNode.Step(ctx, msg)
}

// Close releases the log storage. Run must have returned.
func (n *Node) Close() error {
	return n.Storage.Close()
}
