// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cmdarr/cmdarr/internal/registry"
	"github.com/cmdarr/cmdarr/internal/scheduler"
)

// handleSystemStatus reports process-level information.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"version":         s.deps.Version,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"num_cpu":         runtime.NumCPU(),
		"memory_alloc_mb": mem.Alloc / 1024 / 1024,
		"memory_sys_mb":   mem.Sys / 1024 / 1024,
		"timestamp":       time.Now().UTC(),
	})
}

type commandStatus struct {
	CommandName        string               `json:"command_name"`
	DisplayName        string               `json:"display_name"`
	Enabled            bool                 `json:"enabled"`
	Schedule           string               `json:"schedule"`
	IntervalHours      float64              `json:"interval_hours,omitempty"`
	IsRunning          bool                 `json:"is_running"`
	LastRun            *time.Time           `json:"last_run"`
	LastSuccess        *bool                `json:"last_success"`
	LastDuration       float64              `json:"last_duration"`
	LastError          string               `json:"last_error,omitempty"`
	SuccessRatePercent float64              `json:"success_rate_percent"`
	RecentExecutions   []registry.Execution `json:"recent_executions"`
}

// handleCommandStatus lists every user-facing command with its run state.
// Helper commands flagged internal are excluded.
func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfgs, err := s.deps.Registry.ListCommandConfigs()
	if err != nil {
		writeInternal(w, err)
		return
	}
	running, err := s.deps.Registry.ListRunning(ctx)
	if err != nil {
		writeInternal(w, err)
		return
	}
	runningSet := make(map[string]struct{}, len(running))
	for _, e := range running {
		runningSet[e.CommandName] = struct{}{}
	}

	out := make([]commandStatus, 0, len(cfgs))
	for _, cc := range cfgs {
		if cc.Internal {
			continue
		}
		rate, err := s.deps.Registry.SuccessRate(ctx, cc.Name, 20)
		if err != nil {
			writeInternal(w, err)
			return
		}
		recent, err := s.deps.Registry.ListFor(ctx, cc.Name, 5)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if recent == nil {
			recent = []registry.Execution{}
		}
		_, isRunning := runningSet[cc.Name]
		out = append(out, commandStatus{
			CommandName:        cc.Name,
			DisplayName:        cc.DisplayName,
			Enabled:            cc.Enabled,
			Schedule:           cc.Schedule,
			IntervalHours:      cc.IntervalHours,
			IsRunning:          isRunning,
			LastRun:            cc.LastRun,
			LastSuccess:        cc.LastSuccess,
			LastDuration:       cc.LastDuration,
			LastError:          cc.LastError,
			SuccessRatePercent: rate,
			RecentExecutions:   recent,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRecentExecutions returns the most recent executions across all
// commands. limit defaults to 20, capped at 100.
func (s *Server) handleRecentExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}
	execs, err := s.deps.Registry.ListRecent(r.Context(), limit)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if execs == nil {
		execs = []registry.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleCacheStats reports response-cache and library-cache counters,
// optionally narrowed to one service.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"response_cache": s.deps.Cache.Stats(target),
			"library_cache":  s.deps.Library.Stats(target),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response_cache": s.deps.Cache.AllStats(),
	})
}

// handleCacheReset clears the hit/miss counters.
func (s *Server) handleCacheReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.ResetStats()
	s.deps.Library.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleTrigger starts a command outside its schedule.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id, err := s.deps.Scheduler.TriggerNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownCommand):
		writeNotFound(w, err.Error())
	case errors.Is(err, registry.ErrAlreadyRunning):
		writeConflict(w, "already_running")
	case errors.Is(err, scheduler.ErrBusy):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case err != nil:
		writeInternal(w, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "command_name": name})
	}
}
