// SPDX-License-Identifier: MIT

package library

import (
	"strings"

	"github.com/cmdarr/cmdarr/internal/textnorm"
)

// MatchPolicy bundles every matching threshold in one place.
type MatchPolicy struct {
	// TitleSimilarity is the minimum fuzzy word overlap for a title match.
	TitleSimilarity float64
	// ArtistRequired is the artist-axis score (of 100) below which a
	// candidate is rejected even on a perfect title match. This is the
	// cross-artist guard: same-titled tracks by different artists must
	// never match.
	ArtistRequired float64
	// Album agreement bonuses used to rank candidates.
	AlbumExactBonus     float64
	AlbumSubstringBonus float64
	AlbumFuzzyBonus     float64
}

// DefaultMatchPolicy returns the thresholds chosen from observed behaviour.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		TitleSimilarity:     0.7,
		ArtistRequired:      50,
		AlbumExactBonus:     1.0,
		AlbumSubstringBonus: 0.7,
		AlbumFuzzyBonus:     0.5,
	}
}

const fuzzyBaseScore = 0.8

// Search resolves (title, artist, album) against the snapshot. All inputs
// are normalised here; callers pass raw metadata. Returns the best match
// and its score, or ok=false on a miss.
func (p MatchPolicy) Search(s *Snapshot, title, artist, album string) (*Track, float64, bool) {
	title = textnorm.Normalize(title)
	artist = textnorm.Normalize(artist)
	album = textnorm.Normalize(album)
	if title == "" || artist == "" {
		return nil, 0, false
	}

	// Pass 1: exact index intersection.
	if ids := intersect(s.ArtistIndex[artist], s.TrackIndex[title]); len(ids) > 0 {
		if album == "" {
			t, _ := s.TrackByID(ids[0])
			return t, 1, true
		}
		best, bestScore := p.bestByAlbum(s, ids, album, 1)
		if best != nil {
			return best, bestScore, true
		}
	}

	var best *Track
	var bestScore float64

	// Pass 2a: fuzzy artist against exact title.
	exactTitleIDs := s.TrackIndex[title]
	if len(exactTitleIDs) > 0 {
		for key, ids := range s.ArtistIndex {
			if key == artist || !textnorm.FuzzyEqual(key, artist, 3) {
				continue
			}
			for _, id := range intersect(ids, exactTitleIDs) {
				t, ok := s.TrackByID(id)
				if !ok || !p.artistAllowed(t.Artist, artist) {
					continue
				}
				score := fuzzyBaseScore + p.albumBonus(t.Album, album)/5
				if score > bestScore {
					best, bestScore = t, score
				}
			}
		}
	}

	// Pass 2b: fuzzy title against exact artist. Titles compare at any
	// length; symbol collisions are accepted for one- and two-character
	// titles by design of the overlap metric.
	if exactArtistIDs := s.ArtistIndex[artist]; len(exactArtistIDs) > 0 {
		for key, ids := range s.TrackIndex {
			if key == title || textnorm.WordOverlap(key, title) < p.TitleSimilarity {
				continue
			}
			for _, id := range intersect(ids, exactArtistIDs) {
				t, ok := s.TrackByID(id)
				if !ok {
					continue
				}
				score := fuzzyBaseScore + p.albumBonus(t.Album, album)/5
				if score > bestScore {
					best, bestScore = t, score
				}
			}
		}
	}

	if best != nil && bestScore >= fuzzyBaseScore {
		return best, bestScore, true
	}
	return nil, 0, false
}

// artistAllowed applies the cross-artist guard on a 0-100 scale.
func (p MatchPolicy) artistAllowed(candidate, query string) bool {
	if candidate == query {
		return true
	}
	return textnorm.WordOverlap(candidate, query)*100 >= p.ArtistRequired
}

// bestByAlbum ranks exact-intersection candidates by album agreement.
func (p MatchPolicy) bestByAlbum(s *Snapshot, ids []string, album string, base float64) (*Track, float64) {
	var best *Track
	var bestScore float64
	for _, id := range ids {
		t, ok := s.TrackByID(id)
		if !ok {
			continue
		}
		score := base + p.albumBonus(t.Album, album)
		if best == nil || score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore
}

// albumBonus scores album agreement: exact, substring either way, fuzzy.
func (p MatchPolicy) albumBonus(candidate, query string) float64 {
	if query == "" || candidate == "" {
		return 0
	}
	if candidate == query {
		return p.AlbumExactBonus
	}
	if strings.Contains(candidate, query) || strings.Contains(query, candidate) {
		return p.AlbumSubstringBonus
	}
	if textnorm.WordOverlap(candidate, query) >= textnorm.OverlapThreshold {
		return p.AlbumFuzzyBonus
	}
	return 0
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range b {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
