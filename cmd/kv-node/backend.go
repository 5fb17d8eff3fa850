package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/myuser/chronokv/internal/config"
	"github.com/myuser/chronokv/internal/storage"
)

// raftMounted is implemented by backends that take peer traffic over HTTP.
type raftMounted interface {
	RaftHandler() http.Handler
}

// openBackend constructs the configured backend. The caller owns Close.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(nil), nil

	case config.BackendSQLite:
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		return storage.NewSQLiteStore(cfg.SQLite.Path, nil)

	case config.BackendJetStream:
		return storage.NewJetStreamStore(ctx, storage.JetStreamConfig{
			URL:            cfg.JetStream.URL,
			Bucket:         cfg.JetStream.Bucket,
			Replicas:       cfg.JetStream.Replicas,
			ConnectTimeout: cfg.JetStream.ConnectTimeout.D(),
		}, nil)

	case config.BackendRaft:
		walPath := cfg.Raft.WALPath()
		if err := ensureDir(walPath); err != nil {
			return nil, err
		}
		peers := cfg.Raft.Peers
		if len(peers) == 0 {
			peers = map[uint64]string{cfg.Raft.ID: ""}
		}
		return storage.NewReplicatedStore(storage.ReplicatedConfig{
			ID:            cfg.Raft.ID,
			Peers:         peers,
			WALPath:       walPath,
			TickInterval:  cfg.Raft.Tick.D(),
			SnapshotEvery: cfg.Raft.SnapshotEvery,
			Logger:        logger,
		}, nil)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func ensureDir(file string) error {
	if file == ":memory:" {
		return nil
	}
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
