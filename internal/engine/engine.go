// Package engine is the versioned store the HTTP layer talks to. It validates
// input, bounds each backend call with a timeout and shapes results and
// errors. It holds no record state of its own.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/myuser/chronokv/internal/kverrors"
	"github.com/myuser/chronokv/internal/metrics"
	"github.com/myuser/chronokv/internal/storage"
	"github.com/myuser/chronokv/internal/validate"
)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 5 * time.Second

// Engine coordinates validation and a storage backend. Safe for concurrent use.
type Engine struct {
	backend storage.Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records operation outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTimeout bounds each backend call. Zero or negative disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithClock sets the clock query timestamps are checked against.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine over backend. The engine does not take ownership of
// the backend beyond Close.
func New(backend storage.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WriteResult is the committed version returned by Write.
type WriteResult struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// ReadResult is the version visible to a read.
type ReadResult struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// Write stores the single key-value pair in body as a new version.
func (e *Engine) Write(ctx context.Context, body []byte) (res WriteResult, err error) {
	start := time.Now()
	defer func() { e.observe("write", start, err) }()

	key, value, err := validate.WriteBody(body)
	if err != nil {
		return WriteResult{}, err
	}
	if err := validate.Key(key); err != nil {
		return WriteResult{}, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rec, err := e.backend.Put(ctx, key, value)
	if err != nil {
		return WriteResult{}, e.storageErr("write", key, err)
	}
	return WriteResult{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp}, nil
}

// Read returns the latest version of key.
func (e *Engine) Read(ctx context.Context, key string) (res ReadResult, err error) {
	start := time.Now()
	defer func() { e.observe("read", start, err) }()

	if err := validate.Key(key); err != nil {
		return ReadResult{}, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rec, err := e.backend.GetLatest(ctx, key)
	if err != nil {
		return ReadResult{}, e.readErr("read", key, err)
	}
	return ReadResult{Value: rec.Value, Timestamp: rec.Timestamp}, nil
}

// ReadAsOf returns the version of key visible at the raw timestamp parameter.
func (e *Engine) ReadAsOf(ctx context.Context, key, rawTimestamp string) (res ReadResult, err error) {
	start := time.Now()
	defer func() { e.observe("read_as_of", start, err) }()

	if err := validate.Key(key); err != nil {
		return ReadResult{}, err
	}
	ts, err := validate.Timestamp(rawTimestamp, e.now())
	if err != nil {
		return ReadResult{}, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rec, err := e.backend.GetAsOf(ctx, key, ts)
	if err != nil {
		return ReadResult{}, e.readErr("read_as_of", key, err)
	}
	return ReadResult{Value: rec.Value, Timestamp: rec.Timestamp}, nil
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return ctx, func() {}
}

func (e *Engine) readErr(op, key string, err error) error {
	if kverrors.IsNotFound(err) {
		return kverrors.New(kverrors.KindNotFound, op, key, err)
	}
	return e.storageErr(op, key, err)
}

func (e *Engine) storageErr(op, key string, err error) error {
	e.logger.Error("storage operation failed",
		"op", op,
		"key", key,
		"backend", e.backend.Name(),
		"error", err,
	)
	return kverrors.Storage(op, key, err)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = kverrors.KindOf(err).String()
	}
	e.metrics.ObserveOp(op, e.backend.Name(), outcome, time.Since(start))
}
