// SPDX-License-Identifier: MIT

// Package artifact writes the JSON import lists discovery produces and
// reports their freshness for the status endpoints.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
)

// Freshness buckets for an import list file.
const (
	StatusMissing      = "missing"
	StatusEmpty        = "empty"
	StatusNoNewArtists = "no_new_artists"
	StatusFresh        = "fresh"      // younger than 25h
	StatusStale        = "stale"      // younger than 72h
	StatusVeryStale    = "very_stale" // older than 72h
)

const (
	freshWindow = 25 * time.Hour
	staleWindow = 72 * time.Hour
)

// Entry is one artist in an import list, in the shape the library manager's
// custom-list importer consumes.
type Entry struct {
	MusicBrainzID string `json:"MusicBrainzId"`
	ArtistName    string `json:"ArtistName"`
}

// Info describes one import list file for the status endpoint.
type Info struct {
	Name       string     `json:"name"`
	Exists     bool       `json:"exists"`
	EntryCount int        `json:"entry_count"`
	FileSize   int64      `json:"file_size_bytes"`
	ModTime    *time.Time `json:"modified_at,omitempty"`
	AgeHours   float64    `json:"age_hours,omitempty"`
	Status     string     `json:"status"`
}

// Store owns the import_lists directory.
type Store struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates the import_lists directory under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "import_lists")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create dir: %w", err)
	}
	return &Store{dir: dir, logger: log.WithComponent("artifact"), now: time.Now}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Write replaces the named import list atomically. An empty slice writes an
// empty JSON array, which readers see as a valid no-new-artists result.
func (s *Store) Write(name string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal %s: %w", name, err)
	}
	if err := renameio.WriteFile(s.path(name), data, 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	s.logger.Info().
		Str("event", "artifact.written").
		Str("list", name).
		Int("entries", len(entries)).
		Msg("import list written")
	return nil
}

// Read returns the named import list's entries.
func (s *Store) Read(name string) ([]Entry, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("artifact: parse %s: %w", name, err)
	}
	return entries, nil
}

// Inspect reports existence, size, entry count and freshness bucket for one
// import list.
func (s *Store) Inspect(name string) Info {
	info := Info{Name: name, Status: StatusMissing}
	st, err := os.Stat(s.path(name))
	if err != nil {
		return info
	}
	info.Exists = true
	info.FileSize = st.Size()
	mt := st.ModTime()
	info.ModTime = &mt
	age := s.now().Sub(mt)
	info.AgeHours = age.Hours()

	entries, err := s.Read(name)
	if err != nil {
		info.Status = StatusEmpty
		return info
	}
	info.EntryCount = len(entries)

	switch {
	case info.FileSize == 0:
		info.Status = StatusEmpty
	case len(entries) == 0:
		info.Status = StatusNoNewArtists
	case age < freshWindow:
		info.Status = StatusFresh
	case age < staleWindow:
		info.Status = StatusStale
	default:
		info.Status = StatusVeryStale
	}
	return info
}

// InspectAll reports every .json file in the import_lists directory.
func (s *Store) InspectAll() ([]Info, error) {
	glob, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(glob))
	for _, p := range glob {
		name := filepath.Base(p)
		out = append(out, s.Inspect(name[:len(name)-len(".json")]))
	}
	return out, nil
}
