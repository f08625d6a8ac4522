// SPDX-License-Identifier: MIT

// Package daemon owns the cmdarr process lifecycle: storage and config
// first, then caches, registry, scheduler and the HTTP surface, with
// LIFO shutdown hooks tearing everything down in reverse.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cmdarr/cmdarr/internal/api"
	"github.com/cmdarr/cmdarr/internal/artifact"
	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/config"
	"github.com/cmdarr/cmdarr/internal/health"
	"github.com/cmdarr/cmdarr/internal/library"
	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/logstream"
	"github.com/cmdarr/cmdarr/internal/persistence/sqlite"
	"github.com/cmdarr/cmdarr/internal/registry"
	"github.com/cmdarr/cmdarr/internal/scheduler"
	"github.com/cmdarr/cmdarr/internal/telemetry"
)

// Options carries what the binary decides before config exists.
type Options struct {
	Version string
	// DataDir overrides the DATA_DIR environment variable; empty means
	// env or ./data.
	DataDir string
	// ConfigFile is an optional YAML overrides file, watched for changes.
	ConfigFile string
}

// ShutdownHook is one teardown step. Hooks run in reverse registration
// order.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Daemon is the assembled process.
type Daemon struct {
	opts    Options
	logger  zerolog.Logger
	dataDir string

	db    *sql.DB
	cfg   *config.Store
	hooks []namedHook
}

// New runs phase one: data dir, sqlite, config store, logging. Nothing
// here depends on optional service configuration.
func New(opts Options) (*Daemon, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = os.Getenv("DATA_DIR")
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(filepath.Join(dataDir, "config.db"), sqlite.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}

	cfg, err := config.NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("config store: %w", err)
	}

	if opts.ConfigFile != "" {
		if err := cfg.LoadOverridesFile(opts.ConfigFile); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("config overrides: %w", err)
		}
	}

	level, _ := cfg.String("LOG_LEVEL")
	log.Configure(log.Config{Level: level, Service: "cmdarr"})

	d := &Daemon{
		opts:    opts,
		logger:  log.WithComponent("daemon"),
		dataDir: dataDir,
		db:      db,
		cfg:     cfg,
	}
	d.registerHook("config-db", func(ctx context.Context) error { return db.Close() })
	return d, nil
}

func (d *Daemon) registerHook(name string, hook ShutdownHook) {
	d.hooks = append(d.hooks, namedHook{name: name, hook: hook})
}

// Run performs phase two and blocks until the context is cancelled or the
// HTTP server fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Str("event", "daemon.start").
		Str("version", d.opts.Version).
		Str("data_dir", d.dataDir).
		Msg("starting cmdarr")

	// Telemetry first so its hook runs last.
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		provider, err := telemetry.NewProvider(ctx, telemetry.Config{
			Enabled:        true,
			ServiceName:    "cmdarr",
			ServiceVersion: d.opts.Version,
			Endpoint:       endpoint,
			SamplingRate:   1.0,
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("event", "daemon.telemetry_failed").Msg("continuing without tracing")
		} else {
			d.registerHook("telemetry", provider.Shutdown)
		}
	}

	if d.opts.ConfigFile != "" {
		stop, err := d.cfg.WatchOverridesFile(d.opts.ConfigFile)
		if err != nil {
			d.logger.Warn().Err(err).Str("event", "daemon.config_watch_failed").Msg("config file changes will not be picked up")
		} else {
			d.registerHook("config-watcher", func(ctx context.Context) error { stop(); return nil })
		}
	}

	backend, err := d.openCacheBackend()
	if err != nil {
		return err
	}
	cm := cache.NewManager(backend)
	d.registerHook("cache", func(ctx context.Context) error { return cm.Close() })

	lib := library.NewManager(backend, d.matchPolicy(), d.libraryTTL(), d.cfgInt("LIBRARY_CACHE_MAX_MEMORY_MB", 500))

	reg, err := registry.New(d.db)
	if err != nil {
		return fmt.Errorf("execution registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(d.dataDir, "logs"), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	sink, err := log.OpenSink(filepath.Join(d.dataDir, "logs", "cmdarr.log"))
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	d.registerHook("log-sink", func(ctx context.Context) error { return sink.Close() })

	fanout := logstream.New(sink)
	d.registerHook("log-fanout", func(ctx context.Context) error { fanout.Close(); return nil })

	arts, err := artifact.NewStore(d.dataDir)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	rt := d.buildRuntime(cm, lib, arts)
	sched, err := scheduler.New(reg, d.cfg, sink, rt.commands)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	d.registerHook("scheduler", func(ctx context.Context) error { return sched.Stop() })

	hm := health.NewManager(d.opts.Version)
	hm.RegisterChecker(health.NewSQLiteChecker(d.db))
	hm.RegisterChecker(health.NewRequiredConfigChecker(d.cfg.MissingRequired))
	hm.RegisterChecker(health.NewCacheChecker(func(ctx context.Context) error {
		return cm.Set(ctx, "health_probe", "internal", "ok", 1)
	}))

	server := api.New(api.Deps{
		Config:    d.cfg,
		Registry:  reg,
		Scheduler: sched,
		Cache:     cm,
		Library:   lib,
		Artifacts: arts,
		Health:    hm,
		Fanout:    fanout,
		Scanner:   rt.scanner,
		Testers:   rt.testers,
		Version:   d.opts.Version,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go sched.Run(runCtx)
	go reg.CleanupLoop(runCtx, func() int { return d.cfgInt("EXECUTION_RETENTION", registry.DefaultRetention) })
	go d.cacheJanitor(runCtx, cm, lib)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(d.cfgInt("SERVER_PORT", 8080)),
		Handler:           otelhttp.NewHandler(server.Router(), "http"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().Str("event", "daemon.listening").Str("addr", httpServer.Addr).Msg("http server up")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	d.registerHook("http", httpServer.Shutdown)

	select {
	case err := <-errCh:
		d.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		cancel()
		d.shutdown()
		return nil
	}
}

// shutdown runs the registered hooks in LIFO order with a shared
// deadline.
func (d *Daemon) shutdown() {
	grace := time.Duration(d.cfgInt("SHUTDOWN_GRACE_SECONDS", 30)) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	d.logger.Info().Str("event", "daemon.stopping").Msg("shutting down")
	for i := len(d.hooks) - 1; i >= 0; i-- {
		h := d.hooks[i]
		if err := h.hook(ctx); err != nil {
			d.logger.Warn().Err(err).Str("event", "daemon.hook_failed").Str("hook", h.name).Msg("shutdown hook failed")
		}
	}
	d.logger.Info().Str("event", "daemon.stopped").Msg("cmdarr stopped")
}

// cacheJanitor evicts expired response cache entries and stale library
// snapshots hourly.
func (d *Daemon) cacheJanitor(ctx context.Context, cm *cache.Manager, lib *library.Manager) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := cm.CleanupExpired(ctx); err == nil && n > 0 {
				d.logger.Debug().Str("event", "cache.cleanup").Int("removed", n).Msg("expired cache entries removed")
			}
			if n, err := lib.Cleanup(ctx); err == nil && n > 0 {
				d.logger.Debug().Str("event", "library.cleanup").Int("removed", n).Msg("stale snapshots removed")
			}
		}
	}
}

func (d *Daemon) openCacheBackend() (cache.Backend, error) {
	backendName, _ := d.cfg.String("CACHE_BACKEND")
	if backendName == "redis" {
		addr, _ := d.cfg.String("REDIS_ADDR")
		password, _ := d.cfg.String("REDIS_PASSWORD")
		backend, err := cache.OpenRedis(cache.RedisConfig{
			Addr:     addr,
			Password: password,
			DB:       d.cfgInt("REDIS_DB", 0),
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return backend, nil
	}
	backend, err := cache.OpenBadger(filepath.Join(d.dataDir, "cache"))
	if err != nil {
		return nil, fmt.Errorf("badger cache: %w", err)
	}
	return backend, nil
}

func (d *Daemon) matchPolicy() library.MatchPolicy {
	policy := library.DefaultMatchPolicy()
	if v, err := d.cfg.Float("MATCH_TITLE_SIMILARITY"); err == nil {
		policy.TitleSimilarity = v
	}
	if v, err := d.cfg.Int("MATCH_ARTIST_REQUIRED"); err == nil {
		policy.ArtistRequired = float64(v)
	}
	if v, err := d.cfg.Float("MATCH_ALBUM_EXACT_BONUS"); err == nil {
		policy.AlbumExactBonus = v
	}
	if v, err := d.cfg.Float("MATCH_ALBUM_SUBSTRING_BONUS"); err == nil {
		policy.AlbumSubstringBonus = v
	}
	if v, err := d.cfg.Float("MATCH_ALBUM_FUZZY_BONUS"); err == nil {
		policy.AlbumFuzzyBonus = v
	}
	return policy
}

func (d *Daemon) libraryTTL() time.Duration {
	return time.Duration(d.cfgInt("LIBRARY_CACHE_TTL_HOURS", 72)) * time.Hour
}

func (d *Daemon) cfgInt(key string, fallback int) int {
	if v, err := d.cfg.Int(key); err == nil {
		return v
	}
	return fallback
}

func (d *Daemon) cfgFloat(key string, fallback float64) float64 {
	if v, err := d.cfg.Float(key); err == nil {
		return v
	}
	return fallback
}

func (d *Daemon) cfgString(key string) string {
	v, _ := d.cfg.String(key)
	return v
}

func (d *Daemon) cfgBool(key string) bool {
	v, _ := d.cfg.Bool(key)
	return v
}

// WaitForShutdown returns a context cancelled on SIGINT or SIGTERM.
func WaitForShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
