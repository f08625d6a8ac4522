// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cmdarr/cmdarr/internal/config"
	"github.com/cmdarr/cmdarr/internal/persistence/sqlite"
	"github.com/cmdarr/cmdarr/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/cmdarr/cmdarr/internal/scheduler.(*Scheduler).Stop.func1"),
	)
}

func newTestScheduler(t *testing.T, maxParallel string, commands []Command) (*Scheduler, *registry.Registry) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "config.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.NewStore(db)
	require.NoError(t, err)
	require.NoError(t, cfg.Set("MAX_PARALLEL_COMMANDS", maxParallel))
	require.NoError(t, cfg.Set("SHUTDOWN_GRACE_SECONDS", "2"))

	reg, err := registry.New(db)
	require.NoError(t, err)

	s, err := New(reg, cfg, nil, commands)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, reg
}

func waitForStatus(t *testing.T, ch <-chan Event, status string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Status == status {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %q event received", status)
		}
	}
}

func TestTriggerNowLifecycle(t *testing.T) {
	cmd := Command{
		Name:        "discovery_lastfm",
		DisplayName: "Last.fm Discovery",
		Schedule:    "0 3 * * *",
		Target:      "lidarr",
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			return json.RawMessage(`{"final_count":2}`), nil
		},
	}
	s, reg := newTestScheduler(t, "3", []Command{cmd})

	events, unsub := s.Subscribe()
	defer unsub()

	id, err := s.TriggerNow(context.Background(), "discovery_lastfm")
	require.NoError(t, err)

	evt := waitForStatus(t, events, "completed")
	assert.Equal(t, id, evt.ExecutionID)

	execs, err := reg.ListFor(context.Background(), "discovery_lastfm", 1)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, registry.StatusCompleted, execs[0].Status)
	assert.Equal(t, registry.TriggeredByManual, execs[0].TriggeredBy)
	assert.Equal(t, "lidarr", execs[0].Target)
	assert.JSONEq(t, `{"final_count":2}`, string(execs[0].Output))
}

func TestTriggerUnknownCommand(t *testing.T) {
	s, _ := newTestScheduler(t, "3", nil)
	_, err := s.TriggerNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDoubleTriggerRefused(t *testing.T) {
	release := make(chan struct{})
	cmd := Command{
		Name:        "playlist_sync_spotify",
		DisplayName: "Spotify Playlist Sync",
		Schedule:    "0 */6 * * *",
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			<-release
			return nil, nil
		},
	}
	s, _ := newTestScheduler(t, "3", []Command{cmd})

	events, unsub := s.Subscribe()
	defer unsub()

	_, err := s.TriggerNow(context.Background(), "playlist_sync_spotify")
	require.NoError(t, err)
	waitForStatus(t, events, "started")

	_, err = s.TriggerNow(context.Background(), "playlist_sync_spotify")
	assert.ErrorIs(t, err, registry.ErrAlreadyRunning)

	close(release)
	waitForStatus(t, events, "completed")
}

func TestParallelCapSkipsInsteadOfQueueing(t *testing.T) {
	release := make(chan struct{})
	blocker := func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
		<-release
		return nil, nil
	}
	cmds := []Command{
		{Name: "discovery_lastfm", DisplayName: "A", Schedule: "0 3 * * *", Run: blocker},
		{Name: "discovery_listenbrainz", DisplayName: "B", Schedule: "0 4 * * *", Run: blocker},
	}
	s, _ := newTestScheduler(t, "1", cmds)

	events, unsub := s.Subscribe()
	defer unsub()

	_, err := s.TriggerNow(context.Background(), "discovery_lastfm")
	require.NoError(t, err)
	waitForStatus(t, events, "started")

	_, err = s.TriggerNow(context.Background(), "discovery_listenbrainz")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitForStatus(t, events, "completed")
}

func TestPanicGuard(t *testing.T) {
	cmd := Command{
		Name:        "discovery_lastfm",
		DisplayName: "Last.fm Discovery",
		Schedule:    "0 3 * * *",
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			panic("boom")
		},
	}
	s, reg := newTestScheduler(t, "3", []Command{cmd})

	events, unsub := s.Subscribe()
	defer unsub()

	_, err := s.TriggerNow(context.Background(), "discovery_lastfm")
	require.NoError(t, err)
	evt := waitForStatus(t, events, "failed")
	assert.Contains(t, evt.Error, "command panicked")

	execs, err := reg.ListFor(context.Background(), "discovery_lastfm", 1)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, registry.StatusFailed, execs[0].Status)
}

func TestBadScheduleRejectedAtRegistration(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "config.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cfg, err := config.NewStore(db)
	require.NoError(t, err)
	reg, err := registry.New(db)
	require.NoError(t, err)

	_, err = New(reg, cfg, nil, []Command{{
		Name:        "bad",
		DisplayName: "Bad",
		Schedule:    "not a cron line",
		Run:         func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) { return nil, nil },
	}})
	assert.Error(t, err)
}

func TestIsDueCron(t *testing.T) {
	s, _ := newTestScheduler(t, "3", nil)
	at3am := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)

	cc := registry.CommandConfig{Name: "x", Schedule: "0 3 * * *"}
	assert.True(t, s.isDue(cc, at3am.Truncate(time.Minute), at3am))
	later := at3am.Add(time.Minute)
	assert.False(t, s.isDue(cc, later.Truncate(time.Minute), later))
}

func TestIsDueIntervalFallback(t *testing.T) {
	s, _ := newTestScheduler(t, "3", nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	minute := now.Truncate(time.Minute)

	cc := registry.CommandConfig{Name: "x", IntervalHours: 6}
	assert.True(t, s.isDue(cc, minute, now), "never run commands are due")

	recent := now.Add(-time.Hour)
	cc.LastRun = &recent
	assert.False(t, s.isDue(cc, minute, now))

	old := now.Add(-7 * time.Hour)
	cc.LastRun = &old
	assert.True(t, s.isDue(cc, minute, now))
}

func TestTimeoutErrorMessage(t *testing.T) {
	cmd := Command{
		Name:        "playlist_sync_spotify",
		DisplayName: "Spotify Playlist Sync",
		Schedule:    "0 5 * * *",
		TimeoutMin:  1,
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			// An aborted downstream call surfaces the context error.
			return nil, context.DeadlineExceeded
		},
	}
	s, reg := newTestScheduler(t, "3", []Command{cmd})

	events, unsub := s.Subscribe()
	defer unsub()

	_, err := s.TriggerNow(context.Background(), "playlist_sync_spotify")
	require.NoError(t, err)
	evt := waitForStatus(t, events, "failed")
	assert.Equal(t, "Command timed out after 1 minutes", evt.Error)

	execs, err := reg.ListFor(context.Background(), "playlist_sync_spotify", 1)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "Command timed out after 1 minutes", execs[0].Error)
}

func TestBusyFireRetriedWithinMinute(t *testing.T) {
	release := make(chan struct{})
	ran := make(chan struct{}, 4)
	cmds := []Command{
		{Name: "discovery_lastfm", DisplayName: "A", Schedule: "0 9 * * *",
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				<-release
				return nil, nil
			}},
		{Name: "discovery_listenbrainz", DisplayName: "B", Schedule: "0 3 * * *",
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				ran <- struct{}{}
				return nil, nil
			}},
	}
	s, reg := newTestScheduler(t, "1", cmds)

	events, unsub := s.Subscribe()
	defer unsub()

	at := time.Date(2026, 8, 24, 3, 0, 1, 0, time.UTC)
	s.now = func() time.Time { return at }

	// The single slot is held by a manual run when the cron fire comes due.
	_, err := s.TriggerNow(context.Background(), "discovery_lastfm")
	require.NoError(t, err)
	waitForStatus(t, events, "started")

	s.fireDue(context.Background())
	execs, err := reg.ListFor(context.Background(), "discovery_listenbrainz", 5)
	require.NoError(t, err)
	assert.Empty(t, execs, "a fire refused by the cap must not count as fired")

	close(release)
	waitForStatus(t, events, "completed")

	// Later ticks in the same due minute pick the fire back up once the
	// slot frees.
	at = at.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		s.fireDue(context.Background())
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// The launch pinned the minute; further ticks must not fire again.
	at = at.Add(2 * time.Second)
	s.fireDue(context.Background())
	require.Eventually(t, func() bool {
		running, err := reg.ListRunning(context.Background())
		return err == nil && len(running) == 0
	}, 5*time.Second, 10*time.Millisecond)
	execs, err = reg.ListFor(context.Background(), "discovery_listenbrainz", 5)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestFireOncePerMinute(t *testing.T) {
	done := make(chan struct{}, 4)
	cmd := Command{
		Name:        "discovery_lastfm",
		DisplayName: "Last.fm Discovery",
		Schedule:    "* * * * *", // due every minute
		Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
			done <- struct{}{}
			return nil, nil
		},
	}
	s, reg := newTestScheduler(t, "3", []Command{cmd})

	at := time.Date(2026, 8, 24, 12, 0, 5, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.fireDue(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first fire did not run")
	}

	// Later ticks in the same minute must not fire again.
	at = at.Add(2 * time.Second)
	s.fireDue(context.Background())
	s.fireDue(context.Background())

	require.Eventually(t, func() bool {
		running, err := reg.ListRunning(context.Background())
		return err == nil && len(running) == 0
	}, 5*time.Second, 10*time.Millisecond)

	execs, err := reg.ListFor(context.Background(), "discovery_lastfm", 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}
