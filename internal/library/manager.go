// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/metrics"
)

const keyPrefix = "lib:"

// memoryOverheadFactor estimates resident size from JSON-encoded bytes.
const memoryOverheadFactor = 1.5

// refreshWindow is how far back SmartRefresh asks for recently added tracks.
const refreshWindow = 36 * time.Hour

// verifyMissingThreshold triggers a rebuild when more than this share of
// sampled ids no longer exist on the server.
const verifyMissingThreshold = 0.2

// Builder is the capability set a media-server client provides for building
// and verifying snapshots.
type Builder interface {
	// BuildLibraryCache fetches the full track catalogue.
	BuildLibraryCache(ctx context.Context) ([]Track, error)
	// RecentTracks fetches tracks added or changed since the given time.
	RecentTracks(ctx context.Context, since time.Time) ([]Track, error)
	// VerifyTrackExists checks one track id against the live server.
	VerifyTrackExists(ctx context.Context, id string) (bool, error)
}

// Stats holds per-service lookup counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type envelope struct {
	Snapshot  *Snapshot `json:"snapshot"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager owns library snapshots across both tiers. Snapshots are immutable
// once published; readers get a pointer and read without locking.
type Manager struct {
	backend cache.Backend
	logger  zerolog.Logger
	policy  MatchPolicy
	ttl     time.Duration
	maxMem  int64

	mu       sync.Mutex
	batch    bool
	memory   map[string]*Snapshot
	resident int64
	stats    map[string]*Stats

	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a library cache manager over the cache-namespace
// backend. maxMemoryMB gates the memory tier process-wide.
func NewManager(backend cache.Backend, policy MatchPolicy, ttl time.Duration, maxMemoryMB int) *Manager {
	return &Manager{
		backend: backend,
		logger:  log.WithComponent("library"),
		policy:  policy,
		ttl:     ttl,
		maxMem:  int64(maxMemoryMB) * 1024 * 1024,
		memory:  make(map[string]*Snapshot),
		stats:   make(map[string]*Stats),
		now:     time.Now,
	}
}

// Policy returns the active matching policy.
func (m *Manager) Policy() MatchPolicy { return m.policy }

// Get returns the snapshot for key, memory tier first (batch mode only),
// then the persistent tier. Expired or schema-mismatched rows are misses.
func (m *Manager) Get(ctx context.Context, key Key) (*Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if m.batch {
		if snap, ok := m.memory[key.String()]; ok {
			m.mu.Unlock()
			return snap, true, nil
		}
	}
	m.mu.Unlock()

	raw, found, err := m.backend.Get(ctx, keyPrefix+key.String())
	if err != nil {
		return nil, false, fmt.Errorf("library get %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Snapshot == nil {
		_ = m.backend.Delete(ctx, keyPrefix+key.String())
		return nil, false, nil
	}
	if env.Snapshot.SchemaVersion != SchemaVersion || !m.now().Before(env.ExpiresAt) {
		return nil, false, nil
	}
	env.Snapshot.reindex()
	m.memoize(key, env.Snapshot, int64(float64(len(raw))*memoryOverheadFactor))
	return env.Snapshot, true, nil
}

// Set upserts the snapshot into both tiers.
func (m *Manager) Set(ctx context.Context, key Key, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := envelope{Snapshot: snap, ExpiresAt: m.now().Add(m.ttl)}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("library set %s: %w", key, err)
	}
	if err := m.backend.Set(ctx, keyPrefix+key.String(), raw, m.ttl); err != nil {
		return fmt.Errorf("library set %s: %w", key, err)
	}
	m.memoize(key, snap, int64(float64(len(raw))*memoryOverheadFactor))
	m.logger.Info().
		Str("event", "library.snapshot_stored").
		Str("key", key.String()).
		Int("tracks", snap.TotalTracks).
		Msg("library snapshot stored")
	return nil
}

// Build fetches the full catalogue and persists a fresh snapshot.
// Concurrent builds for the same key are collapsed.
func (m *Manager) Build(ctx context.Context, key Key, b Builder) (*Snapshot, error) {
	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		tracks, err := b.BuildLibraryCache(ctx)
		if err != nil {
			return nil, fmt.Errorf("library build %s: %w", key, err)
		}
		snap := NewSnapshot(key, tracks, m.now())
		if err := m.Set(ctx, key, snap); err != nil {
			return nil, err
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// SmartRefresh merges recently added tracks into an existing snapshot, or
// does a full build when none exists.
func (m *Manager) SmartRefresh(ctx context.Context, key Key, b Builder) (*Snapshot, error) {
	snap, found, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return m.Build(ctx, key, b)
	}

	recent, err := b.RecentTracks(ctx, m.now().Add(-refreshWindow))
	if err != nil {
		return nil, fmt.Errorf("library refresh %s: %w", key, err)
	}
	merged := snap.Merge(recent, m.now())
	if err := m.Set(ctx, key, merged); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("event", "library.smart_refresh").
		Str("key", key.String()).
		Int("recent", len(recent)).
		Int("tracks", merged.TotalTracks).
		Msg("library snapshot refreshed")
	return merged, nil
}

// VerifyAndRefresh samples ids against the live server and rebuilds when
// more than 20% are gone.
func (m *Manager) VerifyAndRefresh(ctx context.Context, key Key, b Builder, sampleIDs []string) (*Snapshot, error) {
	if len(sampleIDs) == 0 {
		return m.SmartRefresh(ctx, key, b)
	}
	missing := 0
	for _, id := range sampleIDs {
		exists, err := b.VerifyTrackExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("library verify %s: %w", key, err)
		}
		if !exists {
			missing++
		}
	}
	ratio := float64(missing) / float64(len(sampleIDs))
	if ratio > verifyMissingThreshold {
		m.logger.Warn().
			Str("event", "library.stale_detected").
			Str("key", key.String()).
			Float64("missing_ratio", ratio).
			Msg("snapshot references stale ids, rebuilding")
		m.Invalidate(ctx, key)
		return m.Build(ctx, key, b)
	}
	snap, _, err := m.Get(ctx, key)
	return snap, err
}

// Invalidate drops the snapshot from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key Key) {
	_ = m.backend.Delete(ctx, keyPrefix+key.String())
	m.mu.Lock()
	delete(m.memory, key.String())
	m.mu.Unlock()
}

// FindTrack resolves (title, artist, album) against the snapshot for key.
func (m *Manager) FindTrack(ctx context.Context, key Key, title, artist, album string) (*Track, bool, error) {
	start := m.now()
	snap, found, err := m.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	track, _, ok := m.policy.Search(snap, title, artist, album)
	m.recordLookup(key.Service, ok, m.now().Sub(start))
	return track, ok, nil
}

// BatchMode keeps snapshots resident in memory until EndBatch. Outside of
// batch mode the persistent tier is authoritative and the memory tier empty.
func (m *Manager) BatchMode() {
	m.mu.Lock()
	m.batch = true
	m.mu.Unlock()
}

// EndBatch leaves batch mode and releases resident snapshots.
func (m *Manager) EndBatch() {
	m.mu.Lock()
	m.batch = false
	m.memory = make(map[string]*Snapshot)
	m.resident = 0
	m.mu.Unlock()
}

// Cleanup deletes expired snapshots from the persistent tier.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	now := m.now()
	var stale []string
	err := m.backend.Scan(ctx, keyPrefix, func(key string, val []byte) error {
		var env struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(val, &env); err != nil || !now.Before(env.ExpiresAt) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range stale {
		if err := m.backend.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Stats returns lookup counters for one service.
func (m *Manager) Stats(service string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[service]; ok {
		return *s
	}
	return Stats{}
}

// ResetStats zeroes all lookup counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*Stats)
}

// memoize loads a snapshot into the memory tier when batch mode is active
// and the size estimate fits under the ceiling. Oversized snapshots are
// used without memoisation.
func (m *Manager) memoize(key Key, snap *Snapshot, estBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.batch {
		return
	}
	if _, already := m.memory[key.String()]; already {
		m.memory[key.String()] = snap
		return
	}
	if m.resident+estBytes > m.maxMem {
		m.logger.Debug().
			Str("event", "library.memory_skip").
			Str("key", key.String()).
			Int64("estimate_bytes", estBytes).
			Msg("snapshot exceeds memory ceiling, not memoised")
		return
	}
	m.memory[key.String()] = snap
	m.resident += estBytes
}

func (m *Manager) recordLookup(service string, hit bool, d time.Duration) {
	m.mu.Lock()
	s, ok := m.stats[service]
	if !ok {
		s = &Stats{}
		m.stats[service] = s
	}
	if hit {
		s.Hits++
	} else {
		s.Misses++
	}
	m.mu.Unlock()
	metrics.RecordLibraryLookup(service, hit, d)
}
