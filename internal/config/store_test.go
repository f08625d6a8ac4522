// SPDX-License-Identifier: MIT

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdarr/cmdarr/internal/persistence/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "config.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestPrecedence(t *testing.T) {
	store := newTestStore(t)

	// Default tier.
	v, err := store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	// Persisted tier beats default.
	require.NoError(t, store.Set("DISCOVERY_LIMIT", "9"))
	v, err = store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	// Environment beats persisted, regardless of memo state.
	t.Setenv("DISCOVERY_LIMIT", "11")
	store.Refresh()
	v, err = store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 11, v)
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("SERVER_PORT", "9090"))

	// Re-running the seed (as a restart would) must keep the stored value.
	require.NoError(t, store.seed())
	store.Refresh()
	v, err := store.Int("SERVER_PORT")
	require.NoError(t, err)
	assert.Equal(t, 9090, v)
}

func TestCoercion(t *testing.T) {
	store := newTestStore(t)

	for _, raw := range []string{"true", "1", "YES", "On"} {
		require.NoError(t, store.Set("PLAYLIST_SYNC_CLEANUP_EMPTY", raw), raw)
		store.Refresh()
		b, err := store.Bool("PLAYLIST_SYNC_CLEANUP_EMPTY")
		require.NoError(t, err)
		assert.True(t, b, raw)
	}

	// Bad int leaves the prior value untouched.
	require.NoError(t, store.Set("DISCOVERY_LIMIT", "7"))
	err := store.Set("DISCOVERY_LIMIT", "not-a-number")
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	store.Refresh()
	v, err := store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// Enum rejects values outside the option list.
	err = store.Set("CACHE_BACKEND", "memcached")
	require.ErrorAs(t, err, &typeErr)

	// JSON must be strict JSON.
	require.NoError(t, store.Set("PLAYLIST_SYNC_URLS", `["https://example.com/p1"]`))
	err = store.Set("PLAYLIST_SYNC_URLS", "{broken")
	require.ErrorAs(t, err, &typeErr)
}

func TestUnknownKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("NO_SUCH_KEY")
	var unknown *UnknownKeyError
	assert.ErrorAs(t, err, &unknown)
	assert.ErrorAs(t, store.Set("NO_SUCH_KEY", "x"), &unknown)
}

func TestRedaction(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("LIDARR_API_KEY", "super-secret"))

	view, err := store.View("LIDARR_API_KEY", true)
	require.NoError(t, err)
	require.NotNil(t, view.Value)
	assert.Equal(t, RedactedPlaceholder, *view.Value)

	view, err = store.View("LIDARR_API_KEY", false)
	require.NoError(t, err)
	require.NotNil(t, view.Value)
	assert.Equal(t, "super-secret", *view.Value)
}

func TestMissingRequired(t *testing.T) {
	store := newTestStore(t)
	missing := store.MissingRequired()
	assert.Contains(t, missing, "LIDARR_URL")
	assert.Contains(t, missing, "LIDARR_API_KEY")

	require.NoError(t, store.Set("LIDARR_URL", "http://localhost:8686"))
	require.NoError(t, store.Set("LIDARR_API_KEY", "abc"))
	store.Refresh()
	assert.Empty(t, store.MissingRequired())
}

func TestOverridesFile(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	writeFile(t, path, "DISCOVERY_LIMIT: \"8\"\n")

	require.NoError(t, store.LoadOverridesFile(path))
	v, err := store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	// Real environment still wins over the file tier.
	t.Setenv("DISCOVERY_LIMIT", "12")
	store.Refresh()
	v, err = store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	// Unknown keys in the file are rejected.
	writeFile(t, path, "TYPO_KEY: \"1\"\n")
	var unknown *UnknownKeyError
	assert.ErrorAs(t, store.LoadOverridesFile(path), &unknown)
}

func TestOverridesFileBelowPersisted(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	writeFile(t, path, "DISCOVERY_LIMIT: \"8\"\n")
	require.NoError(t, store.LoadOverridesFile(path))

	// An API write must take effect even while the key is file-listed.
	require.NoError(t, store.Set("DISCOVERY_LIMIT", "3"))
	v, err := store.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	// With no persisted value the file still beats the declared default.
	store2 := newTestStore(t)
	require.NoError(t, store2.LoadOverridesFile(path))
	v, err = store2.Int("DISCOVERY_LIMIT")
	require.NoError(t, err)
	assert.Equal(t, 8, v)
}
