// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerManager(t *testing.T) *Manager {
	t.Helper()
	backend, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	m := NewManager(backend)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newRedisManager(t *testing.T) *Manager {
	t.Helper()
	srv := miniredis.RunT(t)
	backend, err := OpenRedis(RedisConfig{Addr: srv.Addr()})
	require.NoError(t, err)
	m := NewManager(backend)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func managers(t *testing.T) map[string]*Manager {
	return map[string]*Manager{
		"badger": newBadgerManager(t),
		"redis":  newRedisManager(t),
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "similar_artists:mbid-1:10", Fingerprint("similar_artists", "mbid-1", "10"))
	assert.Equal(t, "op", Fingerprint("op"))
}

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			key := Fingerprint("similar_artists", "mbid-1")
			require.NoError(t, m.Set(ctx, key, "lastfm", map[string]any{"name": "Emmure"}, 7))

			payload, found, err := m.Get(ctx, key, "lastfm")
			require.NoError(t, err)
			require.True(t, found)
			var got map[string]any
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, "Emmure", got["name"])

			// Different source namespace misses.
			_, found, err = m.Get(ctx, key, "musicbrainz")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestExpiryIsMiss(t *testing.T) {
	ctx := context.Background()
	m := newBadgerManager(t)

	key := Fingerprint("artist_lookup", "stale")
	require.NoError(t, m.Set(ctx, key, "musicbrainz", "v", 1))

	// Move the clock past the entry's expiry.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, found, err := m.Get(ctx, key, "musicbrainz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailedLookups(t *testing.T) {
	ctx := context.Background()
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			key := Fingerprint("artist_lookup", "Unknown Artist")

			failed, err := m.IsFailed(ctx, key, "musicbrainz")
			require.NoError(t, err)
			assert.False(t, failed)

			require.NoError(t, m.MarkFailed(ctx, key, "musicbrainz", "no match above threshold", 1))
			failed, err = m.IsFailed(ctx, key, "musicbrainz")
			require.NoError(t, err)
			assert.True(t, failed)
		})
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m := newBadgerManager(t)

	require.NoError(t, m.Set(ctx, "live", "lastfm", 1, 7))
	require.NoError(t, m.Set(ctx, "dead", "lastfm", 2, 1))
	require.NoError(t, m.MarkFailed(ctx, "dead-fail", "lastfm", "x", 1))

	m.now = func() time.Time { return time.Now().Add(36 * time.Hour) }
	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m.now = time.Now
	_, found, err := m.Get(ctx, "live", "lastfm")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestClearSource(t *testing.T) {
	ctx := context.Background()
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, m.Set(ctx, "a", "lastfm", 1, 7))
			require.NoError(t, m.Set(ctx, "b", "lastfm", 2, 7))
			require.NoError(t, m.Set(ctx, "c", "plex", 3, 7))
			require.NoError(t, m.MarkFailed(ctx, "d", "lastfm", "x", 1))

			n, err := m.ClearSource(ctx, "lastfm")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			_, found, err := m.Get(ctx, "c", "plex")
			require.NoError(t, err)
			assert.True(t, found)
		})
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m := newBadgerManager(t)

	require.NoError(t, m.Set(ctx, "k", "lastfm", 1, 7))
	_, _, _ = m.Get(ctx, "k", "lastfm")
	_, _, _ = m.Get(ctx, "absent", "lastfm")

	stats := m.Stats("lastfm")
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	m.ResetStats()
	assert.Equal(t, SourceStats{}, m.Stats("lastfm"))
}
