// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/metrics"
)

const (
	respPrefix = "resp:"
	failPrefix = "fail:"
)

// Entry is the stored envelope for a cached response.
type Entry struct {
	Key       string          `json:"key"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// FailedEntry marks a lookup that permanently failed, so callers skip the
// outbound call until the negative TTL lapses.
type FailedEntry struct {
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	Reason    string    `json:"error_reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SourceStats holds per-service hit/miss counters for the status surface.
type SourceStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Manager is the process-wide response/failure cache. Concurrent Set for the
// same key is last-writer-wins; values are idempotent per fingerprint.
type Manager struct {
	backend Backend
	logger  zerolog.Logger

	mu    sync.Mutex
	stats map[string]*SourceStats
	now   func() time.Time
}

// NewManager wraps a backend.
func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		logger:  log.WithComponent("cache"),
		stats:   make(map[string]*SourceStats),
		now:     time.Now,
	}
}

func respKey(source, key string) string { return respPrefix + source + ":" + key }
func failKey(source, key string) string { return failPrefix + source + ":" + key }

// Get returns the cached payload for key iff it has not expired. Expired
// rows are lazily deleted.
func (m *Manager) Get(ctx context.Context, key, source string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	raw, found, err := m.backend.Get(ctx, respKey(source, key))
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if found {
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil && m.now().Before(e.ExpiresAt) {
			m.record(source, true)
			return e.Payload, true, nil
		}
		_ = m.backend.Delete(ctx, respKey(source, key))
	}
	m.record(source, false)
	return nil, false, nil
}

// Set stores value under key with a TTL in days.
func (m *Manager) Set(ctx context.Context, key, source string, value any, ttlDays int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %s: marshal: %w", key, err)
	}
	ttl := time.Duration(ttlDays) * 24 * time.Hour
	now := m.now()
	e := Entry{Key: key, Source: source, Payload: payload, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache set %s: envelope: %w", key, err)
	}
	metrics.RecordCacheOp(source, "set")
	return m.backend.Set(ctx, respKey(source, key), raw, ttl)
}

// IsFailed reports whether a non-expired failure row exists for key.
// Callers consult this before any outbound call.
func (m *Manager) IsFailed(ctx context.Context, key, source string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, found, err := m.backend.Get(ctx, failKey(source, key))
	if err != nil {
		return false, fmt.Errorf("cache isfailed %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	var e FailedEntry
	if err := json.Unmarshal(raw, &e); err != nil || !m.now().Before(e.ExpiresAt) {
		_ = m.backend.Delete(ctx, failKey(source, key))
		return false, nil
	}
	return true, nil
}

// MarkFailed records a permanent failure for key with a TTL in days.
func (m *Manager) MarkFailed(ctx context.Context, key, source, reason string, ttlDays int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ttl := time.Duration(ttlDays) * 24 * time.Hour
	now := m.now()
	e := FailedEntry{Key: key, Source: source, Reason: reason, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache markfailed %s: %w", key, err)
	}
	metrics.RecordCacheOp(source, "mark_failed")
	return m.backend.Set(ctx, failKey(source, key), raw, ttl)
}

// CleanupExpired deletes every expired row and returns the count.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	deleted := 0
	now := m.now()
	for _, prefix := range []string{respPrefix, failPrefix} {
		var stale []string
		err := m.backend.Scan(ctx, prefix, func(key string, val []byte) error {
			var envelope struct {
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := json.Unmarshal(val, &envelope); err != nil || !now.Before(envelope.ExpiresAt) {
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		for _, key := range stale {
			if err := m.backend.Delete(ctx, key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	if deleted > 0 {
		m.logger.Debug().Str("event", "cache.cleanup").Int("deleted", deleted).Msg("expired cache rows removed")
	}
	return deleted, nil
}

// ClearSource deletes every row for a source and returns the count.
func (m *Manager) ClearSource(ctx context.Context, source string) (int, error) {
	deleted := 0
	for _, prefix := range []string{respPrefix + source + ":", failPrefix + source + ":"} {
		var keys []string
		err := m.backend.Scan(ctx, prefix, func(key string, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			if err := m.backend.Delete(ctx, key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns hit/miss counters for one source.
func (m *Manager) Stats(source string) SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[source]; ok {
		return *s
	}
	return SourceStats{}
}

// AllStats returns counters for every source seen since the last reset.
func (m *Manager) AllStats() map[string]SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SourceStats, len(m.stats))
	for k, v := range m.stats {
		out[k] = *v
	}
	return out
}

// ResetStats zeroes all counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*SourceStats)
}

// Close closes the backend.
func (m *Manager) Close() error { return m.backend.Close() }

func (m *Manager) record(source string, hit bool) {
	m.mu.Lock()
	s, ok := m.stats[source]
	if !ok {
		s = &SourceStats{}
		m.stats[source] = s
	}
	if hit {
		s.Hits++
	} else {
		s.Misses++
	}
	m.mu.Unlock()
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.RecordCacheOp(source, result)
}

// SourceFromKey extracts the source tag from a stored key, for diagnostics.
func SourceFromKey(storedKey string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(storedKey, respPrefix), failPrefix)
	if i := strings.IndexByte(rest, ':'); i > 0 {
		return rest[:i]
	}
	return rest
}
