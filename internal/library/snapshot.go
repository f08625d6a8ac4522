// SPDX-License-Identifier: MIT

// Package library materialises a media server's track catalogue into an
// immutable snapshot with two inverted indices, persisted in the cache
// namespace and optionally held resident during batch runs.
package library

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cmdarr/cmdarr/internal/textnorm"
)

// SchemaVersion is embedded in persisted snapshots; a version mismatch is
// treated as a cache miss so schema changes invalidate stale rows.
const SchemaVersion = 3

const albumTruncLen = 50

// Track is one catalogue entry. Text fields are stored pre-normalised;
// Album is truncated to 50 characters to bound snapshot size.
type Track struct {
	ID        string    `json:"id"`
	Title     string    `json:"title_lc"`
	Artist    string    `json:"artist_lc"`
	Album     string    `json:"album_lc_trunc50"`
	DurationS int       `json:"duration_s"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewTrack normalises raw metadata into a Track.
func NewTrack(id, title, artist, album string, durationS int, updatedAt time.Time) Track {
	a := textnorm.Normalize(album)
	if len(a) > albumTruncLen {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := albumTruncLen
		for cut > 0 && !utf8.RuneStart(a[cut]) {
			cut--
		}
		a = a[:cut]
	}
	return Track{
		ID:        id,
		Title:     textnorm.Normalize(title),
		Artist:    textnorm.Normalize(artist),
		Album:     a,
		DurationS: durationS,
		UpdatedAt: updatedAt,
	}
}

// Snapshot is the materialised catalogue for one (service, library) key.
// Once published it is never mutated; refreshes publish a replacement.
type Snapshot struct {
	LibraryKey    string              `json:"library_key"`
	SchemaVersion int                 `json:"schema_version"`
	TotalTracks   int                 `json:"total_tracks"`
	Tracks        []Track             `json:"tracks"`
	ArtistIndex   map[string][]string `json:"artist_index"`
	TrackIndex    map[string][]string `json:"track_index"`
	BuiltAt       time.Time           `json:"built_at"`

	byID map[string]*Track // rebuilt on load, not persisted
}

// Key identifies a snapshot: service, base URL and library identifier.
type Key struct {
	Service   string
	BaseURL   string
	LibraryID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Service, k.BaseURL, k.LibraryID)
}

// NewSnapshot builds a snapshot with both indices from a track list.
func NewSnapshot(key Key, tracks []Track, builtAt time.Time) *Snapshot {
	s := &Snapshot{
		LibraryKey:    key.String(),
		SchemaVersion: SchemaVersion,
		TotalTracks:   len(tracks),
		Tracks:        tracks,
		BuiltAt:       builtAt,
	}
	s.reindex()
	return s
}

// reindex rebuilds the inverted indices and the id map from Tracks.
func (s *Snapshot) reindex() {
	s.ArtistIndex = make(map[string][]string)
	s.TrackIndex = make(map[string][]string)
	s.byID = make(map[string]*Track, len(s.Tracks))
	for i := range s.Tracks {
		t := &s.Tracks[i]
		s.ArtistIndex[t.Artist] = append(s.ArtistIndex[t.Artist], t.ID)
		s.TrackIndex[t.Title] = append(s.TrackIndex[t.Title], t.ID)
		s.byID[t.ID] = t
	}
	s.TotalTracks = len(s.Tracks)
}

// TrackByID returns the track with the given id, if present.
func (s *Snapshot) TrackByID(id string) (*Track, bool) {
	if s.byID == nil {
		s.reindex()
	}
	t, ok := s.byID[id]
	return t, ok
}

// Merge returns a new snapshot with recent tracks folded in: unknown ids are
// added, known ids with changed metadata (title, artist, album or updated_at)
// are replaced. The receiver is left untouched.
func (s *Snapshot) Merge(recent []Track, now time.Time) *Snapshot {
	merged := make([]Track, len(s.Tracks))
	copy(merged, s.Tracks)

	index := make(map[string]int, len(merged))
	for i := range merged {
		index[merged[i].ID] = i
	}

	for _, r := range recent {
		i, known := index[r.ID]
		if !known {
			index[r.ID] = len(merged)
			merged = append(merged, r)
			continue
		}
		old := merged[i]
		if old.Title != r.Title || old.Artist != r.Artist || old.Album != r.Album || !old.UpdatedAt.Equal(r.UpdatedAt) {
			merged[i] = r
		}
	}

	out := &Snapshot{
		LibraryKey:    s.LibraryKey,
		SchemaVersion: SchemaVersion,
		Tracks:        merged,
		BuiltAt:       now,
	}
	out.reindex()
	return out
}
