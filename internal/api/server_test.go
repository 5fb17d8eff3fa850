package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/chronokv/internal/engine"
	"github.com/myuser/chronokv/internal/kverrors"
	"github.com/myuser/chronokv/internal/metrics"
	"github.com/myuser/chronokv/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	e := engine.New(storage.NewMemoryStore(clock.Now), engine.WithClock(clock.Now), engine.WithLogger(quiet))
	t.Cleanup(func() { _ = e.Close() })

	opts = append([]Option{WithLogger(quiet)}, opts...)
	srv := httptest.NewServer(NewServer(e, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, clock
}

func do(t *testing.T, method, url, body string) (int, map[string]any, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out, resp.Header
}

func TestServer_History(t *testing.T) {
	srv, clock := newTestServer(t)

	code, w1, _ := do(t, http.MethodPost, srv.URL+"/object", `{"mykey":"value1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "mykey", w1["key"])
	assert.Equal(t, "value1", w1["value"])
	t1 := int64(w1["timestamp"].(float64))

	clock.Advance(5 * time.Second)
	code, w2, _ := do(t, http.MethodPost, srv.URL+"/object", `{"mykey":{"nested":[1,2]}}`)
	require.Equal(t, http.StatusOK, code)
	t2 := int64(w2["timestamp"].(float64))
	require.Greater(t, t2, t1)

	code, got, _ := do(t, http.MethodGet, srv.URL+"/object/mykey", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"nested": []any{1.0, 2.0}}, got["value"])
	assert.Equal(t, float64(t2), got["timestamp"])

	code, got, _ = do(t, http.MethodGet, fmt.Sprintf("%s/object/mykey?timestamp=%d", srv.URL, t1), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "value1", got["value"])

	code, _, _ = do(t, http.MethodGet, fmt.Sprintf("%s/object/mykey?timestamp=%d", srv.URL, t1-1), "")
	assert.Equal(t, http.StatusNotFound, code)

	code, got, _ = do(t, http.MethodGet, srv.URL+"/object/other", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", got["kind"])
}

func TestServer_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		kind   string
	}{
		{"empty object", http.MethodPost, "/object", `{}`, "invalid_body"},
		{"two properties", http.MethodPost, "/object", `{"a":1,"b":2}`, "invalid_body"},
		{"not json", http.MethodPost, "/object", `key=value`, "invalid_body"},
		{"bad key", http.MethodPost, "/object", `{"bad key!":1}`, "invalid_key"},
		{"bad key in path", http.MethodGet, "/object/bad%20key", "", "invalid_key"},
		{"empty timestamp", http.MethodGet, "/object/k?timestamp=", "", "invalid_timestamp"},
		{"negative timestamp", http.MethodGet, "/object/k?timestamp=-5", "", "invalid_timestamp"},
		{"future timestamp", http.MethodGet, "/object/k?timestamp=99999999999", "", "invalid_timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, got, _ := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.kind, got["kind"])
			assert.NotEmpty(t, got["error"])
		})
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"k":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	code, _, _ := do(t, http.MethodPost, srv.URL+"/object", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/object", `{"a":1}`)

	code, got, _ := do(t, http.MethodGet, srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", got["status"])
	assert.Equal(t, "memory", got["backend"])
	assert.Equal(t, map[string]any{"records": 1.0, "keys": 1.0}, got["stats"])
}

func TestServer_RequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, h := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Len(t, h.Get(RequestIDHeader), 36)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get(RequestIDHeader))
}

func TestServer_RateLimit(t *testing.T) {
	m := metrics.New()
	srv, _ := newTestServer(t, WithRateLimit(0.001, 2), WithMetrics(m))

	for i := 0; i < 2; i++ {
		code, _, _ := do(t, http.MethodGet, srv.URL+"/object/k", "")
		assert.Equal(t, http.StatusNotFound, code)
	}
	code, _, h := do(t, http.MethodGet, srv.URL+"/object/k", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "1", h.Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))

	// Health is outside the limiter.
	code, _, _ = do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	srv, _ := newTestServer(t, WithMetrics(m))
	do(t, http.MethodGet, srv.URL+"/object/missing", "")
	// The request is counted after the response is written.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/object/{key}", "404")) == 1
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `chronokv_http_requests_total{code="404",method="GET",route="/object/{key}"} 1`)
}

func TestServer_NoMetricsRouteWithoutRegistry(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _, _ := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_RaftMount(t *testing.T) {
	var hit atomic.Bool
	raftHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	srv, _ := newTestServer(t, WithRaftHandler(raftHandler))

	resp, err := http.Post(srv.URL+"/raft", "application/octet-stream", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, hit.Load())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _, _ := do(t, http.MethodDelete, srv.URL+"/object/k", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

// brokenStore fails or panics on every call.
type brokenStore struct {
	panicOnRead bool
}

func (b brokenStore) Write(context.Context, []byte) (engine.WriteResult, error) {
	return engine.WriteResult{}, kverrors.Storage("write", "k", errors.New("disk on fire"))
}

func (b brokenStore) Read(context.Context, string) (engine.ReadResult, error) {
	if b.panicOnRead {
		panic("boom")
	}
	return engine.ReadResult{}, kverrors.Storage("read", "k", errors.New("disk on fire"))
}

func (b brokenStore) ReadAsOf(ctx context.Context, key, _ string) (engine.ReadResult, error) {
	return b.Read(ctx, key)
}

func (b brokenStore) Health(context.Context) engine.HealthReport {
	return engine.HealthReport{Status: engine.StatusUnhealthy, Backend: "broken", Reason: "disk on fire"}
}

func TestServer_StorageErrors(t *testing.T) {
	srv := httptest.NewServer(NewServer(brokenStore{}, WithLogger(quiet)).Handler())
	defer srv.Close()

	code, got, _ := do(t, http.MethodPost, srv.URL+"/object", `{"k":1}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "storage error", got["error"], "cause stays out of the response")
	assert.Equal(t, "storage", got["kind"])

	code, got, _ = do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", got["status"])
	assert.Equal(t, "disk on fire", got["reason"])
}

func TestServer_RecoversFromPanic(t *testing.T) {
	srv := httptest.NewServer(NewServer(brokenStore{panicOnRead: true}, WithLogger(quiet)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/object/k")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
