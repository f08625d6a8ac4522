// SPDX-License-Identifier: MIT

package library

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	now := time.Now()
	tracks := []Track{
		NewTrack("1", "Deconstructed", "Emmure", "Goodbye to the Gallows", 180, now),
		NewTrack("2", "Deconstructed (Live)", "Emmure", "Live", 190, now),
		NewTrack("3", "Deconstructed", "emmurée", "Other", 200, now),
	}
	return NewSnapshot(Key{Service: "plex", BaseURL: "http://plex", LibraryID: "1"}, tracks, now)
}

func TestSearchExactIntersection(t *testing.T) {
	snap := testSnapshot(t)
	policy := DefaultMatchPolicy()

	track, _, ok := policy.Search(snap, "Deconstructed", "Emmure", "Goodbye to the Gallows")
	require.True(t, ok)
	assert.Equal(t, "1", track.ID)
}

func TestSearchNoAlbumNeverCrossesArtist(t *testing.T) {
	snap := testSnapshot(t)
	policy := DefaultMatchPolicy()

	track, _, ok := policy.Search(snap, "Deconstructed", "Emmure", "")
	require.True(t, ok)
	assert.Contains(t, []string{"1", "2"}, track.ID, "must never resolve to the emmurée track")
}

func TestSearchAccentedArtist(t *testing.T) {
	snap := testSnapshot(t)
	policy := DefaultMatchPolicy()

	track, _, ok := policy.Search(snap, "Deconstructed", "emmurée", "")
	require.True(t, ok)
	assert.Equal(t, "3", track.ID)
}

func TestCrossArtistGuard(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot(Key{Service: "plex"}, []Track{
		NewTrack("10", "Intro", "Alpha Band", "First", 60, now),
		NewTrack("11", "Intro", "Omega Collective", "Second", 61, now),
	}, now)
	policy := DefaultMatchPolicy()

	// Perfect title, wrong artist: miss rather than the other band's track.
	_, _, ok := policy.Search(snap, "Intro", "Gamma Group", "")
	assert.False(t, ok)
}

func TestSearchFuzzyTitle(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot(Key{Service: "plex"}, []Track{
		NewTrack("20", "The Black Parade March", "MCR", "The Black Parade", 240, now),
	}, now)
	policy := DefaultMatchPolicy()

	track, score, ok := policy.Search(snap, "Black Parade March", "MCR", "")
	require.True(t, ok)
	assert.Equal(t, "20", track.ID)
	assert.GreaterOrEqual(t, score, 0.8)
}

func TestSearchFuzzyArtist(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot(Key{Service: "plex"}, []Track{
		NewTrack("30", "Song Two", "The Midnight Band", "Album", 200, now),
	}, now)
	policy := DefaultMatchPolicy()

	track, _, ok := policy.Search(snap, "Song Two", "Midnight Band", "Album")
	require.True(t, ok)
	assert.Equal(t, "30", track.ID)
}

func TestSearchAlbumRanking(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot(Key{Service: "plex"}, []Track{
		NewTrack("40", "Duplicate", "Band", "Deluxe Edition of Album", 200, now),
		NewTrack("41", "Duplicate", "Band", "Album", 200, now),
	}, now)
	policy := DefaultMatchPolicy()

	track, _, ok := policy.Search(snap, "Duplicate", "Band", "Album")
	require.True(t, ok)
	assert.Equal(t, "41", track.ID, "exact album beats substring album")
}

func TestSearchMissingTitle(t *testing.T) {
	snap := testSnapshot(t)
	policy := DefaultMatchPolicy()
	_, _, ok := policy.Search(snap, "Nonexistent Song", "Emmure", "")
	assert.False(t, ok)
}

func TestMerge(t *testing.T) {
	now := time.Now()
	base := testSnapshot(t)

	changed := NewTrack("1", "Deconstructed", "Emmure", "Remastered", 180, now.Add(time.Hour))
	added := NewTrack("4", "New Song", "Emmure", "New Album", 150, now.Add(time.Hour))
	merged := base.Merge([]Track{changed, added}, now.Add(2*time.Hour))

	assert.Equal(t, 4, merged.TotalTracks)
	got, ok := merged.TrackByID("1")
	require.True(t, ok)
	assert.Equal(t, "remastered", got.Album)

	// Original snapshot untouched.
	orig, ok := base.TrackByID("1")
	require.True(t, ok)
	assert.Equal(t, "goodbye to the gallows", orig.Album)
	assert.Equal(t, 3, base.TotalTracks)
}
