// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks. The daemon is
// alive as long as the process answers; it is ready only once storage
// responds and every required configuration key is set.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cmdarr/cmdarr/internal/log"
)

// Status is a component or overall health state.
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

// Response is the health endpoint payload.
type Response struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is a named component check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a health manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Check runs every checker and aggregates the overall status.
func (m *Manager) Check(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(m.checkers)),
	}
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHealth answers the health endpoint: 200 when healthy or degraded,
// 503 when any component is unhealthy (for instance, missing required
// configuration).
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	resp := m.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// SQLiteChecker pings the configuration database.
type SQLiteChecker struct {
	db *sql.DB
}

// NewSQLiteChecker wraps the config database pool.
func NewSQLiteChecker(db *sql.DB) *SQLiteChecker {
	return &SQLiteChecker{db: db}
}

func (c *SQLiteChecker) Name() string { return "sqlite" }

func (c *SQLiteChecker) Check(ctx context.Context) CheckResult {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "database reachable"}
}

// RequiredConfigChecker reports unhealthy while required settings (the
// library manager connection, at minimum) are unset.
type RequiredConfigChecker struct {
	missing func() []string
}

// NewRequiredConfigChecker wraps the config store's missing-required probe.
func NewRequiredConfigChecker(missing func() []string) *RequiredConfigChecker {
	return &RequiredConfigChecker{missing: missing}
}

func (c *RequiredConfigChecker) Name() string { return "required_config" }

func (c *RequiredConfigChecker) Check(ctx context.Context) CheckResult {
	keys := c.missing()
	if len(keys) > 0 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "missing required configuration",
			Message: strings.Join(keys, ", "),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "all required settings present"}
}

// CacheChecker verifies the cache backend answers a probe read.
type CacheChecker struct {
	probe func(ctx context.Context) error
}

// NewCacheChecker wraps a cache backend probe.
func NewCacheChecker(probe func(ctx context.Context) error) *CacheChecker {
	return &CacheChecker{probe: probe}
}

func (c *CacheChecker) Name() string { return "cache" }

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.probe(probeCtx); err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "cache reachable"}
}
