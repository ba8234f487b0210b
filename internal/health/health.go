// SPDX-License-Identifier: MIT

// Package health serves liveness and readiness probes with per-component
// detail, suitable for Docker HEALTHCHECK and Kubernetes probes.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/slskd"
)

// Status grades a component or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the probe payload. Liveness always answers 200; readiness
// answers 503 when Ready is false.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one probeable component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checks.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// Register adds a checker. Registration happens during startup.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

func (m *Manager) evaluate(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     true,
		Version:   m.version,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(m.checkers)),
	}

	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
			resp.Ready = false
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHealth answers the liveness probe. The process being able to
// answer is the whole point; component state only shows in the body.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	resp := m.evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		l := log.WithComponentFromContext(r.Context(), "health")
		l.Error().Err(err).Msg("health encode failed")
	}
}

// ServeReady answers the readiness probe.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		l := log.WithComponentFromContext(r.Context(), "readiness")
		l.Error().Err(err).Msg("readiness encode failed")
	}
}

// DatabaseChecker pings the SQLite handle.
type DatabaseChecker struct {
	db *sql.DB
}

func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// DownloadClientChecker probes the external download client. An
// unreachable client degrades readiness rather than failing it: the
// catalog side keeps working without transfers.
type DownloadClientChecker struct {
	client slskd.Client
}

func NewDownloadClientChecker(client slskd.Client) *DownloadClientChecker {
	return &DownloadClientChecker{client: client}
}

func (c *DownloadClientChecker) Name() string { return "slskd" }

func (c *DownloadClientChecker) Check(ctx context.Context) CheckResult {
	if !c.client.IsAvailable(ctx) {
		return CheckResult{Status: StatusDegraded, Message: "download client unreachable"}
	}
	return CheckResult{Status: StatusHealthy}
}

// WorkersChecker reflects the orchestrator's aggregate worker health.
type WorkersChecker struct {
	healthy func() bool
	detail  func() string
}

func NewWorkersChecker(healthy func() bool, detail func() string) *WorkersChecker {
	return &WorkersChecker{healthy: healthy, detail: detail}
}

func (c *WorkersChecker) Name() string { return "workers" }

func (c *WorkersChecker) Check(context.Context) CheckResult {
	if !c.healthy() {
		return CheckResult{Status: StatusUnhealthy, Message: c.detail()}
	}
	return CheckResult{Status: StatusHealthy}
}
