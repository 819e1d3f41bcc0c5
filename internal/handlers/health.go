package handlers

import (
	"net/http"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	clock  func() time.Time
	start  time.Time
}

// HealthOption customises the handlers.
type HealthOption func(*HealthHandlers)

// WithSystemService wires the readiness probe to dependency health reporting.
func WithSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthClock injects a custom clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers. Without a system service the
// readiness probe degrades to the liveness response.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.start = h.clock()
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.start).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// Readyz probes downstream dependencies and returns 503 while any of them errors.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":  string(domain.HealthStatusError),
			"message": "health report unavailable",
		})
		return
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status": string(check.Status),
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		if check.Latency > 0 {
			entry["latency_ms"] = check.Latency.Milliseconds()
		}
		checks[name] = entry
	}

	payload := map[string]any{
		"status":       string(report.Status),
		"checks":       checks,
		"generated_at": formatTime(report.GeneratedAt),
	}
	if report.Version != "" {
		payload["version"] = report.Version
	}
	if report.Environment != "" {
		payload["environment"] = report.Environment
	}
	if report.Uptime > 0 {
		payload["uptime"] = report.Uptime.String()
	}

	writeJSONResponse(w, status, payload)
}
