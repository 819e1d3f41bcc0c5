package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
)

func TestDependencyHealthCollectAllHealthy(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	checks := []DependencyCheck{
		{Name: "firestore", Check: func(ctx context.Context) error {
			select {
			case <-time.After(10 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{Name: "storage", Check: func(context.Context) error { return nil }},
	}

	repo, err := NewDependencyHealthRepository(checks,
		WithDependencyClock(func() time.Time { return fixed }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("report status = %s, want ok", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("check %s status = %s, want ok", name, check.Status)
		}
		if !check.CheckedAt.Equal(fixed) {
			t.Fatalf("check %s checkedAt = %s, want %s", name, check.CheckedAt, fixed)
		}
	}
	if !report.GeneratedAt.Equal(fixed) {
		t.Fatalf("generatedAt = %s, want %s", report.GeneratedAt, fixed)
	}
}

func TestDependencyHealthCollectDegradedOnFailure(t *testing.T) {
	probeErr := errors.New("boom")
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return probeErr }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("report status = %s, want degraded", report.Status)
	}
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusDegraded {
		t.Fatalf("firestore status = %s, want degraded", check.Status)
	}
	if check.Error != probeErr.Error() {
		t.Fatalf("firestore error = %q, want %q", check.Error, probeErr.Error())
	}
	if report.Checks["pubsub"].Status != domain.HealthStatusOK {
		t.Fatalf("pubsub status = %s, want ok", report.Checks["pubsub"].Status)
	}
}

func TestDependencyHealthCollectTimeout(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{
			Name:    "secrets",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(20 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("report status = %s, want error", report.Status)
	}
	check := report.Checks["secrets"]
	if check.Status != domain.HealthStatusError {
		t.Fatalf("secrets status = %s, want error", check.Status)
	}
	if check.Detail != "timeout" {
		t.Fatalf("secrets detail = %q, want timeout", check.Detail)
	}
}

func TestNewDependencyHealthRepositoryRejectsBadChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error for empty check set")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: " ", Check: func(context.Context) error { return nil }},
	}); err == nil {
		t.Fatal("expected error for unnamed check")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore"},
	}); err == nil {
		t.Fatal("expected error for check without probe func")
	}
}
