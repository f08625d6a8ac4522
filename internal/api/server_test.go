// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

type harness struct {
	server *Server
	cfg    *config.Store
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	sink   *log.Sink
	arts   *artifact.Store
	ts     *httptest.Server
}

func newHarness(t *testing.T, commands []scheduler.Command) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "config.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.NewStore(db)
	require.NoError(t, err)
	reg, err := registry.New(db)
	require.NoError(t, err)

	sink, err := log.OpenSink(filepath.Join(dir, "cmdarr.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	sched, err := scheduler.New(reg, cfg, sink, commands)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Stop() })

	backend, err := cache.OpenBadger(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	cm := cache.NewManager(backend)
	t.Cleanup(func() { _ = cm.Close() })

	lib := library.NewManager(backend, library.DefaultMatchPolicy(), 72*time.Hour, 500)

	arts, err := artifact.NewStore(dir)
	require.NoError(t, err)

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewSQLiteChecker(db))
	hm.RegisterChecker(health.NewRequiredConfigChecker(cfg.MissingRequired))

	fanout := logstream.New(sink)
	t.Cleanup(fanout.Close)

	server := New(Deps{
		Config:    cfg,
		Registry:  reg,
		Scheduler: sched,
		Cache:     cm,
		Library:   lib,
		Artifacts: arts,
		Health:    hm,
		Fanout:    fanout,
		Version:   "test",
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &harness{server: server, cfg: cfg, reg: reg, sched: sched, sink: sink, arts: arts, ts: ts}
}

func TestBootHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Checks["required_config"].Message, "LIDARR_URL")

	// Configure the required settings and the daemon becomes healthy.
	require.NoError(t, h.cfg.Set("LIDARR_URL", "http://lidarr.local:8686"))
	require.NoError(t, h.cfg.Set("LIDARR_API_KEY", "abc123"))
	h.cfg.Refresh()

	resp2, err := http.Get(h.ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestDoubleTriggerConflict(t *testing.T) {
	release := make(chan struct{})
	cmd := scheduler.Command{
		Name:        "discovery_lastfm",
		DisplayName: "Last.fm Discovery",
		Schedule:    "0 3 * * *",
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			<-release
			return nil, nil
		},
	}
	h := newHarness(t, []scheduler.Command{cmd})

	resp1, err := http.Post(h.ts.URL+"/api/commands/discovery_lastfm/trigger", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp1.Body.Close() }()
	assert.Equal(t, http.StatusAccepted, resp1.StatusCode)

	resp2, err := http.Post(h.ts.URL+"/api/commands/discovery_lastfm/trigger", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	close(release)
	require.Eventually(t, func() bool {
		running, err := h.reg.ListRunning(context.Background())
		return err == nil && len(running) == 0
	}, 5*time.Second, 20*time.Millisecond)

	execs, err := h.reg.ListFor(context.Background(), "discovery_lastfm", 10)
	require.NoError(t, err)
	require.Len(t, execs, 1, "exactly one execution row")
	assert.Equal(t, registry.StatusCompleted, execs[0].Status)
}

func TestTriggerUnknownCommand(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Post(h.ts.URL+"/api/commands/nope/trigger", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	// Unknown key is 404.
	resp, err := http.Get(h.ts.URL + "/api/config/NOT_A_KEY")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Type mismatch is 400.
	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/config/SERVER_PORT",
		strings.NewReader(`{"value":"not a number"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Valid update round-trips.
	req, err = http.NewRequest(http.MethodPut, h.ts.URL+"/api/config/SERVER_PORT",
		strings.NewReader(`{"value":"9191"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var view config.SettingView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, view.Value)
	assert.Equal(t, "9191", *view.Value)

	// Sensitive values come back redacted.
	require.NoError(t, h.cfg.Set("LIDARR_API_KEY", "super-secret"))
	resp, err = http.Get(h.ts.URL + "/api/config/LIDARR_API_KEY")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	require.NotNil(t, view.Value)
	assert.Equal(t, config.RedactedPlaceholder, *view.Value)
}

func TestConfigValidateEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Post(h.ts.URL+"/api/config/validate/", "application/json", nil)
	require.NoError(t, err)
	var body struct {
		Valid   bool     `json:"valid"`
		Missing []string `json:"missing_keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.False(t, body.Valid)
	assert.Contains(t, body.Missing, "LIDARR_URL")
}

func TestRecentExecutionsLimitValidation(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/api/status/executions/recent?limit=zero")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandStatusExcludesInternal(t *testing.T) {
	cmds := []scheduler.Command{
		{
			Name: "discovery_lastfm", DisplayName: "Last.fm Discovery", Schedule: "0 3 * * *",
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) { return nil, nil },
		},
		{
			Name: "library_cache_builder", DisplayName: "Library Cache Builder", IntervalHours: 12, Internal: true,
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) { return nil, nil },
		},
	}
	h := newHarness(t, cmds)

	resp, err := http.Get(h.ts.URL + "/api/status/commands")
	require.NoError(t, err)
	var statuses []commandStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	_ = resp.Body.Close()

	require.Len(t, statuses, 1)
	assert.Equal(t, "discovery_lastfm", statuses[0].CommandName)
}

func TestImportListEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.ts.URL + "/import_lists/discovery_lastfm")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, h.arts.Write("discovery_lastfm", []artifact.Entry{
		{MusicBrainzID: "mbid-1", ArtistName: "Nova Arc"},
	}))

	resp, err = http.Get(h.ts.URL + "/import_lists/discovery_lastfm")
	require.NoError(t, err)
	var entries []artifact.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	_ = resp.Body.Close()
	require.Len(t, entries, 1)
	assert.Equal(t, "Nova Arc", entries[0].ArtistName)

	resp, err = http.Get(h.ts.URL + "/import_lists/metrics")
	require.NoError(t, err)
	var infos []importListMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	_ = resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, artifact.StatusFresh, infos[0].Status)
	assert.NotEmpty(t, infos[0].AgeHuman)
}

func TestNewReleasesUnconfigured(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/api/new-releases")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketPingAndLogStream(t *testing.T) {
	release := make(chan struct{})
	cmd := scheduler.Command{
		Name:        "discovery_lastfm",
		DisplayName: "Last.fm Discovery",
		Schedule:    "0 3 * * *",
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			<-release
			logger.Info().Msg("working through candidates")
			return nil, nil
		},
	}
	h := newHarness(t, []scheduler.Command{cmd})

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	// Start the command, then stream its execution log.
	id, err := h.sched.TriggerNow(context.Background(), "discovery_lastfm")
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":         "start_log_streaming",
		"command_name": "discovery_lastfm",
		"execution_id": id,
	}))
	time.Sleep(100 * time.Millisecond) // let the tail loop take its offset
	close(release)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame struct {
		Type        string   `json:"type"`
		CommandName string   `json:"command_name"`
		Logs        []string `json:"logs"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "log_update", frame.Type)
	assert.Equal(t, "discovery_lastfm", frame.CommandName)
	require.NotEmpty(t, frame.Logs)
	assert.Contains(t, frame.Logs[0], fmt.Sprintf("[EXEC:%d]", id))
}
