// SPDX-License-Identifier: MIT

package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Ledger records when each managed artist was last sampled for
// recommendations, so repeat queries wait out the cooldown window.
type Ledger struct {
	path    string
	entries map[string]time.Time
	now     func() time.Time
}

// LoadLedger reads the ledger file, tolerating absence.
func LoadLedger(dataDir, command string) (*Ledger, error) {
	l := &Ledger{
		path:    filepath.Join(dataDir, "ledgers", command+".json"),
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: read ledger: %w", err)
	}
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("discovery: parse ledger: %w", err)
	}
	for id, ts := range raw {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue // malformed entries age out rather than poison the file
		}
		l.entries[id] = t
	}
	return l, nil
}

// Queried reports whether id was sampled within the cooldown.
func (l *Ledger) Queried(id string, cooldown time.Duration) bool {
	t, ok := l.entries[id]
	return ok && l.now().Sub(t) < cooldown
}

// Mark records that id was sampled now.
func (l *Ledger) Mark(id string) {
	l.entries[id] = l.now()
}

// Prune drops entries older than the cooldown.
func (l *Ledger) Prune(cooldown time.Duration) {
	cutoff := l.now().Add(-cooldown)
	for id, t := range l.entries {
		if t.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

// Save writes the ledger atomically.
func (l *Ledger) Save() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("discovery: ledger dir: %w", err)
	}
	raw := make(map[string]string, len(l.entries))
	for id, t := range l.entries {
		raw[id] = t.UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery: marshal ledger: %w", err)
	}
	if err := renameio.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("discovery: write ledger: %w", err)
	}
	return nil
}
