// SPDX-License-Identifier: MIT

// Package services declares the narrow capability sets the core requires
// from each external client, plus the shared outbound HTTP plumbing every
// client implementation builds on. The core never imports a concrete
// client.
package services

import (
	"context"
	"time"

	"github.com/cmdarr/cmdarr/internal/library"
)

// ArtistRef is a managed artist as reported by the library manager.
type ArtistRef struct {
	ID   string `json:"musicbrainz_id"`
	Name string `json:"artist_name"`
}

// AlbumRef is a managed album as reported by the library manager.
type AlbumRef struct {
	ID       string `json:"id"`
	ArtistID string `json:"artist_id"`
	Title    string `json:"title"`
}

// AddResult reports the outcome of adding an artist to the manager.
type AddResult struct {
	Added   bool   `json:"added"`
	Message string `json:"message,omitempty"`
}

// ManagerClient is the library manager (Lidarr-shaped) capability set.
type ManagerClient interface {
	ListArtists(ctx context.Context) ([]ArtistRef, error)
	ListAlbums(ctx context.Context) ([]AlbumRef, error)
	ListExclusions(ctx context.Context) (map[string]struct{}, error)
	AddArtist(ctx context.Context, id, name string) (AddResult, error)
	TestConnection(ctx context.Context) error
	Close()
}

// Similar is one similar-artist candidate from the recommender.
type Similar struct {
	ID         string  `json:"musicbrainz_id,omitempty"`
	Name       string  `json:"artist_name"`
	MatchScore float64 `json:"match_score"`
	Source     string  `json:"source"`
}

// RecommenderClient returns similar artists. Candidates without a
// resolvable identifier come back in rejected so the caller may recover
// them via the MetadataClient.
type RecommenderClient interface {
	GetSimilar(ctx context.Context, id, name string, limit int) (accepted, rejected []Similar, err error)
	TestConnection(ctx context.Context) error
	Close()
}

// ArtistMatch is a fuzzy metadata-search result.
type ArtistMatch struct {
	ID         string  `json:"musicbrainz_id"`
	Name       string  `json:"canonical_name"`
	Similarity float64 `json:"similarity"`
}

// MetadataClient is the MusicBrainz-shaped capability set.
//
// ArtistReleaseGroups distinguishes a transient error (nil slice, do not
// negative-cache) from an authoritative empty answer (empty non-nil slice,
// cacheable). The new-releases endpoint depends on this distinction.
type MetadataClient interface {
	FuzzySearchArtist(ctx context.Context, name string) (*ArtistMatch, error)
	ArtistReleaseGroups(ctx context.Context, id string) ([]string, error)
	TestConnection(ctx context.Context) error
	Close()
}

// SourceTrack is one track of a source playlist.
type SourceTrack struct {
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Track  string `json:"track"`
}

// PlaylistInfo describes a source playlist.
type PlaylistInfo struct {
	Name       string `json:"name"`
	TrackCount int    `json:"track_count"`
	URL        string `json:"url"`
}

// CuratedKind identifies a recommender-generated playlist flavour.
type CuratedKind string

const (
	CuratedDaily             CuratedKind = "daily"
	CuratedWeeklyJams        CuratedKind = "weekly-jams"
	CuratedWeeklyExploration CuratedKind = "weekly-exploration"
)

// PlaylistSource fetches playlist contents from a streaming provider or
// recommender. CuratedPlaylists is only supported by some sources; others
// return ErrNotSupported.
type PlaylistSource interface {
	PlaylistInfo(ctx context.Context, url string) (PlaylistInfo, error)
	PlaylistTracks(ctx context.Context, url string) ([]SourceTrack, error)
	CuratedPlaylists(ctx context.Context, user string) (map[CuratedKind]PlaylistInfo, error)
	TestConnection(ctx context.Context) error
	Close()
}

// TargetPlaylist is a playlist on a media server.
type TargetPlaylist struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TrackCount int       `json:"track_count"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// MediaServerClient is the playlist target capability set: the library
// cache builder plus playlist CRUD.
type MediaServerClient interface {
	library.Builder

	ServiceName() string
	LibraryKey() library.Key

	FindPlaylistsByPrefix(ctx context.Context, prefix string) ([]TargetPlaylist, error)
	FindPlaylistByName(ctx context.Context, name string) (*TargetPlaylist, error)
	CreatePlaylist(ctx context.Context, name string, trackIDs []string, summary string) (TargetPlaylist, error)
	AddTracks(ctx context.Context, playlistID string, trackIDs []string) error
	DeletePlaylist(ctx context.Context, playlistID string) error
	GetPlaylistTracks(ctx context.Context, playlistID string) ([]string, error)
	TestConnection(ctx context.Context) error
	Close()
}

// StreamingClient lists an artist's releases on a streaming provider, for
// the new-releases scan.
type StreamingClient interface {
	ArtistReleases(ctx context.Context, artistName string, albumTypes []string) ([]Release, error)
	TestConnection(ctx context.Context) error
	Close()
}

// Release is one release reported by a streaming provider.
type Release struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	AlbumType   string `json:"album_type"`
	ReleaseDate string `json:"release_date"`
	ExternalURL string `json:"external_url,omitempty"`
}
