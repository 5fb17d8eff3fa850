// Package api exposes the engine over HTTP.
//
//	POST /object               {"<key>": <value>}  -> {"key","value","timestamp"}
//	GET  /object/{key}         [?timestamp=<unix>] -> {"value","timestamp"}
//	GET  /health                                   -> 200 healthy, 503 unhealthy
//	GET  /metrics                                  -> prometheus exposition
//	POST /raft                                     -> raft peer messages, raft backend only
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/myuser/chronokv/internal/engine"
	"github.com/myuser/chronokv/internal/metrics"
)

// MaxBodyBytes bounds a write request body.
const MaxBodyBytes = 1 << 20

// Store is the engine surface the handlers need.
type Store interface {
	Write(ctx context.Context, body []byte) (engine.WriteResult, error)
	Read(ctx context.Context, key string) (engine.ReadResult, error)
	ReadAsOf(ctx context.Context, key, rawTimestamp string) (engine.ReadResult, error)
	Health(ctx context.Context) engine.HealthReport
}

// Server routes HTTP requests to a Store.
type Server struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	raft    http.Handler
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records request metrics and serves /metrics from m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit caps /object requests at rps with the given burst. A
// non-positive rps leaves the API unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRaftHandler mounts h at /raft for peer traffic.
func WithRaftHandler(h http.Handler) Option {
	return func(s *Server) { s.raft = h }
}

func NewServer(store Store, opts ...Option) *Server {
	s := &Server{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/object", s.handleWrite)
		r.Get("/object/{key}", s.handleRead)
	})

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.raft != nil {
		r.Handle("/raft", s.raft)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "no such route", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}
