// SPDX-License-Identifier: MIT

package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/library"
	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/services"
)

// Jellyfin implements services.MediaServerClient against the Jellyfin
// API. The music library id is resolved lazily from the media folders.
type Jellyfin struct {
	base   string
	apiKey string
	doer   *services.Doer
	logger zerolog.Logger

	mu        sync.Mutex
	libraryID string
}

// NewJellyfin builds a Jellyfin client.
func NewJellyfin(baseURL, apiKey string, doer *services.Doer) *Jellyfin {
	return &Jellyfin{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		doer:   doer,
		logger: log.WithComponent("jellyfin"),
	}
}

func (j *Jellyfin) header() http.Header {
	h := http.Header{}
	h.Set("X-Emby-Token", j.apiKey)
	h.Set("Accept", "application/json")
	return h
}

func (j *Jellyfin) ServiceName() string { return "jellyfin" }

// LibraryKey identifies this server's music library in the library cache.
func (j *Jellyfin) LibraryKey() library.Key {
	return library.Key{Service: "jellyfin", BaseURL: j.base, LibraryID: "music"}
}

// resolve finds the music media folder.
func (j *Jellyfin) resolve(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.libraryID != "" {
		return j.libraryID, nil
	}

	var body struct {
		Items []struct {
			ID             string `json:"Id"`
			CollectionType string `json:"CollectionType"`
		} `json:"Items"`
	}
	if err := getJSON(ctx, j.doer, j.base+"/Library/MediaFolders", j.header(), &body); err != nil {
		return "", fmt.Errorf("jellyfin media folders: %w", err)
	}
	for _, item := range body.Items {
		if item.CollectionType == "music" {
			j.libraryID = item.ID
			return j.libraryID, nil
		}
	}
	return "", fmt.Errorf("jellyfin: no music library found")
}

type jellyfinItem struct {
	ID           string    `json:"Id"`
	Name         string    `json:"Name"`
	AlbumArtist  string    `json:"AlbumArtist"`
	Album        string    `json:"Album"`
	RunTimeTicks int64     `json:"RunTimeTicks"` // 100ns units
	DateCreated  time.Time `json:"DateCreated"`
	ChildCount   int       `json:"ChildCount"`
}

func (it jellyfinItem) toTrack() library.Track {
	return library.NewTrack(it.ID, it.Name, it.AlbumArtist, it.Album,
		int(it.RunTimeTicks/10_000_000), it.DateCreated)
}

func (j *Jellyfin) fetchItems(ctx context.Context, q url.Values) ([]jellyfinItem, error) {
	var body struct {
		Items []jellyfinItem `json:"Items"`
	}
	if err := getJSON(ctx, j.doer, j.base+"/Items?"+q.Encode(), j.header(), &body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

// BuildLibraryCache fetches the full track catalogue of the music library.
func (j *Jellyfin) BuildLibraryCache(ctx context.Context) ([]library.Track, error) {
	libID, err := j.resolve(ctx)
	if err != nil {
		return nil, err
	}
	items, err := j.fetchItems(ctx, url.Values{
		"ParentId":         {libID},
		"IncludeItemTypes": {"Audio"},
		"Recursive":        {"true"},
		"Fields":           {"AlbumArtist,Album,DateCreated"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]library.Track, 0, len(items))
	for _, it := range items {
		out = append(out, it.toTrack())
	}
	return out, nil
}

// RecentTracks fetches tracks added since the given time.
func (j *Jellyfin) RecentTracks(ctx context.Context, since time.Time) ([]library.Track, error) {
	libID, err := j.resolve(ctx)
	if err != nil {
		return nil, err
	}
	items, err := j.fetchItems(ctx, url.Values{
		"ParentId":         {libID},
		"IncludeItemTypes": {"Audio"},
		"Recursive":        {"true"},
		"Fields":           {"AlbumArtist,Album,DateCreated"},
		"MinDateLastSaved": {since.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]library.Track, 0, len(items))
	for _, it := range items {
		out = append(out, it.toTrack())
	}
	return out, nil
}

// VerifyTrackExists checks one item id against the live server.
func (j *Jellyfin) VerifyTrackExists(ctx context.Context, id string) (bool, error) {
	items, err := j.fetchItems(ctx, url.Values{"Ids": {id}})
	if err != nil {
		if services.IsPermanent(err) {
			return false, nil
		}
		return false, err
	}
	return len(items) > 0, nil
}

func (j *Jellyfin) listPlaylists(ctx context.Context) ([]jellyfinItem, error) {
	return j.fetchItems(ctx, url.Values{
		"IncludeItemTypes": {"Playlist"},
		"Recursive":        {"true"},
		"Fields":           {"ChildCount,DateCreated"},
	})
}

func (it jellyfinItem) toTarget() services.TargetPlaylist {
	return services.TargetPlaylist{
		ID:         it.ID,
		Name:       it.Name,
		TrackCount: it.ChildCount,
		CreatedAt:  it.DateCreated,
	}
}

// FindPlaylistsByPrefix lists playlists whose name starts with the prefix.
func (j *Jellyfin) FindPlaylistsByPrefix(ctx context.Context, prefix string) ([]services.TargetPlaylist, error) {
	all, err := j.listPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	var out []services.TargetPlaylist
	for _, pl := range all {
		if strings.HasPrefix(pl.Name, prefix) {
			out = append(out, pl.toTarget())
		}
	}
	return out, nil
}

// FindPlaylistByName returns the playlist with the exact name, or nil.
func (j *Jellyfin) FindPlaylistByName(ctx context.Context, name string) (*services.TargetPlaylist, error) {
	all, err := j.listPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	for _, pl := range all {
		if pl.Name == name {
			t := pl.toTarget()
			return &t, nil
		}
	}
	return nil, nil
}

// CreatePlaylist creates an audio playlist with the given items.
func (j *Jellyfin) CreatePlaylist(ctx context.Context, name string, trackIDs []string, summary string) (services.TargetPlaylist, error) {
	body := map[string]any{
		"Name":      name,
		"Ids":       trackIDs,
		"MediaType": "Audio",
	}
	var created struct {
		ID string `json:"Id"`
	}
	if err := postJSON(ctx, j.doer, j.base+"/Playlists", j.header(), body, &created); err != nil {
		return services.TargetPlaylist{}, err
	}

	if summary != "" {
		// Overview is only settable through the generic item update.
		update := map[string]any{"Id": created.ID, "Name": name, "Overview": summary}
		u := j.base + "/Items/" + url.PathEscape(created.ID)
		if err := postJSON(ctx, j.doer, u, j.header(), update, nil); err != nil {
			j.logger.Warn().
				Err(err).
				Str("event", "jellyfin.summary_failed").
				Str("playlist", name).
				Msg("playlist created but overview not set")
		}
	}
	return services.TargetPlaylist{ID: created.ID, Name: name, TrackCount: len(trackIDs)}, nil
}

// AddTracks appends items to an existing playlist.
func (j *Jellyfin) AddTracks(ctx context.Context, playlistID string, trackIDs []string) error {
	q := url.Values{}
	q.Set("Ids", strings.Join(trackIDs, ","))
	u := j.base + "/Playlists/" + url.PathEscape(playlistID) + "/Items?" + q.Encode()
	return do(ctx, j.doer, http.MethodPost, u, j.header())
}

// DeletePlaylist removes a playlist.
func (j *Jellyfin) DeletePlaylist(ctx context.Context, playlistID string) error {
	return do(ctx, j.doer, http.MethodDelete, j.base+"/Items/"+url.PathEscape(playlistID), j.header())
}

// GetPlaylistTracks returns the item ids of the playlist's entries.
func (j *Jellyfin) GetPlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	var body struct {
		Items []struct {
			ID string `json:"Id"`
		} `json:"Items"`
	}
	u := j.base + "/Playlists/" + url.PathEscape(playlistID) + "/Items"
	if err := getJSON(ctx, j.doer, u, j.header(), &body); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(body.Items))
	for _, it := range body.Items {
		out = append(out, it.ID)
	}
	return out, nil
}

// TestConnection resolves the music library.
func (j *Jellyfin) TestConnection(ctx context.Context) error {
	_, err := j.resolve(ctx)
	return err
}

func (j *Jellyfin) Close() {}
