package domain

import "time"

// HealthStatus categorises the result of a dependency probe.
type HealthStatus string

const (
	// HealthStatusOK indicates the dependency responded within budget.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded indicates the dependency responded with an error.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError indicates the dependency timed out or was unreachable.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck records the outcome of probing a single dependency.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks for readiness reporting.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
