package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOp(t *testing.T) {
	m := New()

	m.ObserveOp("write", "memory", "ok", time.Millisecond)
	m.ObserveOp("write", "memory", "ok", time.Millisecond)
	m.ObserveOp("read", "memory", "not_found", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("read", "not_found")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Operations.WithLabelValues("read", "ok")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOp("write", "memory", "ok", time.Millisecond)
		m.ObserveHTTP("GET", "/health", "200", time.Millisecond)
		m.IncRateLimited()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/object/{key}", "200", 5*time.Millisecond)
	m.IncRateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chronokv_http_requests_total{code="200",method="GET",route="/object/{key}"} 1`)
	assert.Contains(t, string(body), "chronokv_http_rate_limited_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
