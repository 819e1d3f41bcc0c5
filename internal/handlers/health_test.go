package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/services"
)

type stubSystemService struct {
	reportFn func(context.Context) (domain.SystemHealthReport, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.reportFn != nil {
		return s.reportFn(ctx)
	}
	return domain.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

func TestHealthzReportsUptime(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := NewHealthHandlers(WithHealthClock(clock))
	now = now.Add(90 * time.Second)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	var payload struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Uptime != "1m30s" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadyzHealthyDependencies(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
					"pubsub":    {Status: domain.HealthStatusOK},
				},
				Environment: "production",
				GeneratedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	rec := httptest.NewRecorder()
	NewHealthHandlers(WithSystemService(system)).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Status      string                    `json:"status"`
		Environment string                    `json:"environment"`
		Checks      map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Environment != "production" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, ok := payload.Checks["firestore"]; !ok {
		t.Fatalf("expected firestore check, got %v", payload.Checks)
	}
}

func TestReadyzFailingDependency(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
				},
			}, nil
		},
	}

	rec := httptest.NewRecorder()
	NewHealthHandlers(WithSystemService(system)).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestReadyzReportError(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, errors.New("boom")
		},
	}

	rec := httptest.NewRecorder()
	NewHealthHandlers(WithSystemService(system)).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestReadyzWithoutSystemServiceFallsBackToLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

var _ services.SystemService = (*stubSystemService)(nil)
