// Command kv-node serves a versioned key-value store over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/myuser/chronokv/internal/api"
	"github.com/myuser/chronokv/internal/config"
	"github.com/myuser/chronokv/internal/engine"
	"github.com/myuser/chronokv/internal/logging"
	"github.com/myuser/chronokv/internal/metrics"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kv-node:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.LookupEnv)
	if err != nil {
		return err
	}

	nodeName := fmt.Sprintf("%s-%s", cfg.Backend, cfg.HTTP.Addr)
	if cfg.Backend == config.BackendRaft {
		nodeName = fmt.Sprintf("raft-%d", cfg.Raft.ID)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, nodeName, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	backend, err := openBackend(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	m := metrics.New()
	eng := engine.New(backend,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithTimeout(cfg.Engine.OpTimeout.D()),
	)
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("close backend", "error", err)
		}
	}()

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}
	if rm, ok := backend.(raftMounted); ok {
		opts = append(opts, api.WithRaftHandler(rm.RaftHandler()))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(eng, opts...).Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.D(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr, "backend", backend.Name())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
