// SPDX-License-Identifier: MIT

// Package api exposes the HTTP and WebSocket surface: health, status,
// configuration, import lists, the new-releases scan and live log
// streaming.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/artifact"
	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/config"
	"github.com/cmdarr/cmdarr/internal/health"
	"github.com/cmdarr/cmdarr/internal/library"
	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/logstream"
	"github.com/cmdarr/cmdarr/internal/newreleases"
	"github.com/cmdarr/cmdarr/internal/registry"
	"github.com/cmdarr/cmdarr/internal/scheduler"
	"github.com/cmdarr/cmdarr/internal/services"
)

// Deps carries everything the handlers reach. Scanner and Testers may be
// nil when the corresponding services are not configured.
type Deps struct {
	Config    *config.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Cache     *cache.Manager
	Library   *library.Manager
	Artifacts *artifact.Store
	Health    *health.Manager
	Fanout    *logstream.Fanout
	Scanner   *newreleases.Scanner
	Testers   func() map[string]services.ConnectionTester
	Version   string
}

// Server is the HTTP surface.
type Server struct {
	deps    Deps
	logger  zerolog.Logger
	started time.Time
}

// New builds a server over its dependencies.
func New(deps Deps) *Server {
	return &Server{
		deps:    deps,
		logger:  log.WithComponent("api"),
		started: time.Now(),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.deps.Health.ServeHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)

	r.Get("/import_lists/metrics", s.handleImportListMetrics)
	r.Get("/import_lists/{name}", s.handleImportList)

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))

		r.Get("/status/system", s.handleSystemStatus)
		r.Get("/status/commands", s.handleCommandStatus)
		r.Get("/status/executions/recent", s.handleRecentExecutions)
		r.Get("/status/cache", s.handleCacheStats)
		r.Post("/status/cache/reset", s.handleCacheReset)

		r.Get("/config/", s.handleConfigList)
		r.Post("/config/validate/", s.handleConfigValidate)
		r.Post("/config/refresh/", s.handleConfigRefresh)
		r.Post("/config/test-connectivity", s.handleTestConnectivity)
		r.Get("/config/{key}", s.handleConfigGet)
		r.Put("/config/{key}", s.handleConfigPut)

		r.Post("/commands/{name}/trigger", s.handleTrigger)

		r.Get("/new-releases", s.handleNewReleases)
	})
	return r
}
