package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/myuser/chronokv/internal/raft"
)

// ReplicatedConfig configures the raft-backed backend.
type ReplicatedConfig struct {
	ID            uint64
	Peers         map[uint64]string // ID -> base URL, including this node
	WALPath       string
	TickInterval  time.Duration
	SnapshotEvery uint64
	// ResolveTimeout bounds how long a put whose context expired waits for
	// its cancel entry to settle the outcome. Defaults to 5s.
	ResolveTimeout time.Duration
	Logger         *slog.Logger
}

// ReplicatedStore implements Backend by proposing every write through a raft
// log and applying committed writes to a local MemoryStore. The log is the
// single writer: all puts are applied in log order on every node. Reads are
// served from local state.
//
// A put that misses its deadline appends a cancel entry for its id. Whichever
// of the two commits first decides the outcome on every replica, so a write
// reported as failed never becomes visible later.
type ReplicatedStore struct {
	mem       *MemoryStore
	node      *raft.Node
	transport *raft.HTTPTransport
	clock     Clock
	logger    *slog.Logger
	resolve   time.Duration

	mu      sync.Mutex
	waiters map[string]chan bool // id -> applied

	// cancelled holds ids whose cancel entry committed before their put.
	// Only the apply path touches it.
	cancelled map[string]struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	closeOnce sync.Once
}

const (
	opPut    = "put"
	opCancel = "cancel"
)

// command is one raft log entry. Entries written before cancel support have
// no op and are puts.
type command struct {
	Op     string  `json:"op,omitempty"`
	ID     string  `json:"id"`
	Record *Record `json:"record,omitempty"`
}

// replicatedSnapshot is the state machine image handed to raft.
type replicatedSnapshot struct {
	Records   json.RawMessage `json:"records"`
	Cancelled []string        `json:"cancelled,omitempty"`
}

// applierAdapter connects raft to the local store.
type applierAdapter struct {
	s *ReplicatedStore
}

func (a applierAdapter) Apply(entry raftpb.Entry) {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		a.s.logger.Error("skipping undecodable raft entry", "index", entry.Index, "error", err)
		return
	}

	switch cmd.Op {
	case opCancel:
		a.s.cancelled[cmd.ID] = struct{}{}
		a.s.notify(cmd.ID, false)
	case opPut, "":
		if _, ok := a.s.cancelled[cmd.ID]; ok {
			delete(a.s.cancelled, cmd.ID)
			a.s.notify(cmd.ID, false)
			return
		}
		if cmd.Record == nil {
			a.s.logger.Error("skipping put without record", "index", entry.Index, "id", cmd.ID)
			return
		}
		if err := a.s.mem.apply(*cmd.Record); err != nil {
			a.s.logger.Warn("apply raft entry", "index", entry.Index, "key", cmd.Record.Key, "error", err)
		}
		a.s.notify(cmd.ID, true)
	default:
		a.s.logger.Error("skipping raft entry with unknown op", "index", entry.Index, "op", cmd.Op)
	}
}

func (a applierAdapter) GetSnapshot() ([]byte, error) {
	records, err := a.s.mem.SnapshotData()
	if err != nil {
		return nil, err
	}
	snap := replicatedSnapshot{Records: records}
	for id := range a.s.cancelled {
		snap.Cancelled = append(snap.Cancelled, id)
	}
	sort.Strings(snap.Cancelled)
	return json.Marshal(snap)
}

// Restore accepts both the current snapshot object and the bare record array
// written before cancel support.
func (a applierAdapter) Restore(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		clear(a.s.cancelled)
		return a.s.mem.RestoreSnapshot(trimmed)
	}

	var snap replicatedSnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := a.s.mem.RestoreSnapshot(snap.Records); err != nil {
		return err
	}
	clear(a.s.cancelled)
	for _, id := range snap.Cancelled {
		a.s.cancelled[id] = struct{}{}
	}
	return nil
}

// NewReplicatedStore starts a raft node and replays its WAL.
func NewReplicatedStore(cfg ReplicatedConfig, clock Clock) (*ReplicatedStore, error) {
	if cfg.ID == 0 {
		cfg.ID = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}

	s := newReplicatedState(clock, cfg.Logger.With("backend", "raft"))
	s.resolve = cfg.ResolveTimeout

	s.transport = raft.NewHTTPTransport(cfg.Logger)
	peers := make([]uint64, 0, len(cfg.Peers))
	remote := make(map[uint64]string, len(cfg.Peers))
	for id, url := range cfg.Peers {
		peers = append(peers, id)
		if id != cfg.ID {
			remote[id] = url
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	s.transport.SetPeers(remote)

	node, err := raft.NewNode(raft.Config{
		ID:            cfg.ID,
		Peers:         peers,
		WALPath:       cfg.WALPath,
		TickInterval:  cfg.TickInterval,
		SnapshotEvery: cfg.SnapshotEvery,
		Logger:        cfg.Logger,
	}, applierAdapter{s}, s.transport)
	if err != nil {
		return nil, fmt.Errorf("start raft node: %w", err)
	}
	s.node = node

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := node.Run(ctx); err != nil {
			s.logger.Error("raft node stopped", "error", err)
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}()

	return s, nil
}

func newReplicatedState(clock Clock, logger *slog.Logger) *ReplicatedStore {
	return &ReplicatedStore{
		mem:       NewMemoryStore(clock),
		clock:     clock,
		logger:    logger,
		waiters:   make(map[string]chan bool),
		cancelled: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Name implements Backend.
func (s *ReplicatedStore) Name() string { return "raft" }

// RaftHandler receives messages from peers.
func (s *ReplicatedStore) RaftHandler() http.Handler {
	return s.transport.Handler(s.node)
}

// notify reports the outcome of id to its waiter, if this node proposed it.
func (s *ReplicatedStore) notify(id string, applied bool) {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ok {
		ch <- applied
	}
}

func (s *ReplicatedStore) err() error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.runErr != nil {
			return s.runErr
		}
		return ErrClosed
	default:
		return nil
	}
}

// Put implements Backend. The timestamp is taken on the proposing node and
// carried in the log entry, so every replica applies the same record.
//
// If ctx ends before the put applies, Put proposes a cancel for it and
// reports whichever entry committed first: the record if the put won, the
// context error if the cancel won.
func (s *ReplicatedStore) Put(ctx context.Context, key string, value json.RawMessage) (Record, error) {
	if err := s.err(); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("put %q: %w", key, err)
	}

	now := s.clock.Now()
	rec := Record{
		Key:       key,
		Value:     cloneRaw(value),
		Timestamp: now.Unix(),
		CreatedAt: now.UTC(),
	}
	cmd := command{Op: opPut, ID: uuid.NewString(), Record: &rec}
	data, err := json.Marshal(cmd)
	if err != nil {
		return Record{}, fmt.Errorf("encode %q: %w", key, err)
	}

	outcome := make(chan bool, 1)
	s.mu.Lock()
	s.waiters[cmd.ID] = outcome
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, cmd.ID)
		s.mu.Unlock()
	}()

	if err := s.node.Propose(ctx, data); err != nil {
		if ctx.Err() == nil {
			return Record{}, fmt.Errorf("propose %q: %w", key, err)
		}
		// The entry may have reached the log before ctx ended.
		return s.settle(key, cmd.ID, outcome, rec, ctx.Err())
	}

	select {
	case applied := <-outcome:
		return s.result(key, applied, rec, nil)
	case <-ctx.Done():
		return s.settle(key, cmd.ID, outcome, rec, ctx.Err())
	case <-s.done:
		return Record{}, s.err()
	}
}

// settle proposes a cancel for id and waits until either entry applies.
func (s *ReplicatedStore) settle(key, id string, outcome <-chan bool, rec Record, cause error) (Record, error) {
	data, err := json.Marshal(command{Op: opCancel, ID: id})
	if err != nil {
		return Record{}, fmt.Errorf("encode cancel %q: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.resolve)
	defer cancel()

	if err := s.node.Propose(ctx, data); err != nil {
		// Nothing stops the put from committing later.
		select {
		case applied := <-outcome:
			return s.result(key, applied, rec, cause)
		default:
		}
		return Record{}, fmt.Errorf("put %q outcome unknown: cancel not proposed: %w", key, errors.Join(cause, err))
	}

	select {
	case applied := <-outcome:
		return s.result(key, applied, rec, cause)
	case <-ctx.Done():
		return Record{}, fmt.Errorf("put %q outcome unknown: %w", key, cause)
	case <-s.done:
		return Record{}, s.err()
	}
}

func (s *ReplicatedStore) result(key string, applied bool, rec Record, cause error) (Record, error) {
	if applied {
		return rec, nil
	}
	if cause == nil {
		cause = errors.New("cancelled")
	}
	return Record{}, fmt.Errorf("await commit %q: %w", key, cause)
}

// GetLatest implements Backend.
func (s *ReplicatedStore) GetLatest(ctx context.Context, key string) (Record, error) {
	return s.GetAsOf(ctx, key, maxTimestamp)
}

// GetAsOf implements Backend.
func (s *ReplicatedStore) GetAsOf(ctx context.Context, key string, ts int64) (Record, error) {
	if err := s.err(); err != nil {
		return Record{}, err
	}
	return s.mem.GetAsOf(ctx, key, ts)
}

// Health implements Backend. A node without a known leader cannot accept
// writes and reports unhealthy.
func (s *ReplicatedStore) Health(ctx context.Context) (Stats, error) {
	if err := s.err(); err != nil {
		return Stats{}, err
	}
	if s.node.Leader() == 0 {
		return Stats{}, errors.New("no raft leader")
	}
	return s.mem.Health(ctx)
}

// Close implements Backend.
func (s *ReplicatedStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		err = s.node.Close()
		s.mem.Close()
	})
	return err
}
