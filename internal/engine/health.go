package engine

import (
	"context"
	"time"

	"github.com/myuser/chronokv/internal/storage"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthReport describes backend liveness.
type HealthReport struct {
	Status    string         `json:"status"`
	Backend   string         `json:"backend"`
	Stats     *storage.Stats `json:"stats,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Healthy reports whether the backend answered.
func (r HealthReport) Healthy() bool {
	return r.Status == StatusHealthy
}

// Health asks the backend for its stats. Failures are reported in the
// returned report, never as an error.
func (e *Engine) Health(ctx context.Context) HealthReport {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	report := HealthReport{Backend: e.backend.Name(), CheckedAt: e.now().UTC()}
	st, err := e.backend.Health(ctx)
	if err != nil {
		e.logger.Warn("backend unhealthy", "backend", report.Backend, "error", err)
		report.Status = StatusUnhealthy
		report.Reason = err.Error()
		return report
	}
	report.Status = StatusHealthy
	report.Stats = &st
	return report
}
