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

// Plex implements services.MediaServerClient against the Plex Media
// Server API. The music section key and machine identifier are resolved
// lazily and memoised.
type Plex struct {
	base        string
	token       string
	libraryName string
	doer        *services.Doer
	logger      zerolog.Logger

	mu         sync.Mutex
	sectionKey string
	machineID  string
}

// NewPlex builds a Plex client. libraryName selects the music section.
func NewPlex(baseURL, token, libraryName string, doer *services.Doer) *Plex {
	return &Plex{
		base:        strings.TrimRight(baseURL, "/"),
		token:       token,
		libraryName: libraryName,
		doer:        doer,
		logger:      log.WithComponent("plex"),
	}
}

func (p *Plex) header() http.Header {
	h := http.Header{}
	h.Set("X-Plex-Token", p.token)
	h.Set("Accept", "application/json")
	return h
}

func (p *Plex) ServiceName() string { return "plex" }

// LibraryKey identifies this server's music section in the library cache.
func (p *Plex) LibraryKey() library.Key {
	return library.Key{Service: "plex", BaseURL: p.base, LibraryID: p.libraryName}
}

// resolve fills in the music section key and machine identifier.
func (p *Plex) resolve(ctx context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sectionKey != "" && p.machineID != "" {
		return p.sectionKey, p.machineID, nil
	}

	var identity struct {
		MediaContainer struct {
			MachineIdentifier string `json:"machineIdentifier"`
		} `json:"MediaContainer"`
	}
	if err := getJSON(ctx, p.doer, p.base+"/identity", p.header(), &identity); err != nil {
		return "", "", fmt.Errorf("plex identity: %w", err)
	}

	var sections struct {
		MediaContainer struct {
			Directory []struct {
				Key   string `json:"key"`
				Type  string `json:"type"`
				Title string `json:"title"`
			} `json:"Directory"`
		} `json:"MediaContainer"`
	}
	if err := getJSON(ctx, p.doer, p.base+"/library/sections", p.header(), &sections); err != nil {
		return "", "", fmt.Errorf("plex sections: %w", err)
	}
	for _, d := range sections.MediaContainer.Directory {
		if d.Type == "artist" && strings.EqualFold(d.Title, p.libraryName) {
			p.sectionKey = d.Key
			p.machineID = identity.MediaContainer.MachineIdentifier
			return p.sectionKey, p.machineID, nil
		}
	}
	return "", "", fmt.Errorf("plex: no music library named %q", p.libraryName)
}

type plexTrack struct {
	RatingKey        string `json:"ratingKey"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"` // artist
	ParentTitle      string `json:"parentTitle"`      // album
	Duration         int64  `json:"duration"`         // ms
	UpdatedAt        int64  `json:"updatedAt"`        // unix
}

func (t plexTrack) toTrack() library.Track {
	return library.NewTrack(t.RatingKey, t.Title, t.GrandparentTitle, t.ParentTitle,
		int(t.Duration/1000), time.Unix(t.UpdatedAt, 0))
}

// BuildLibraryCache fetches the full track catalogue of the music section.
func (p *Plex) BuildLibraryCache(ctx context.Context) ([]library.Track, error) {
	return p.fetchTracks(ctx, url.Values{"type": {"10"}})
}

// RecentTracks fetches tracks updated since the given time.
func (p *Plex) RecentTracks(ctx context.Context, since time.Time) ([]library.Track, error) {
	return p.fetchTracks(ctx, url.Values{
		"type":         {"10"},
		"updatedAt>>=": {fmt.Sprint(since.Unix())},
	})
}

func (p *Plex) fetchTracks(ctx context.Context, q url.Values) ([]library.Track, error) {
	key, _, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		MediaContainer struct {
			Metadata []plexTrack `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	u := p.base + "/library/sections/" + url.PathEscape(key) + "/all?" + q.Encode()
	if err := getJSON(ctx, p.doer, u, p.header(), &body); err != nil {
		return nil, err
	}
	out := make([]library.Track, 0, len(body.MediaContainer.Metadata))
	for _, t := range body.MediaContainer.Metadata {
		out = append(out, t.toTrack())
	}
	return out, nil
}

// VerifyTrackExists checks one rating key against the live server.
func (p *Plex) VerifyTrackExists(ctx context.Context, id string) (bool, error) {
	err := getJSON(ctx, p.doer, p.base+"/library/metadata/"+url.PathEscape(id), p.header(), nil)
	if err != nil {
		if services.IsPermanent(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type plexPlaylist struct {
	RatingKey string `json:"ratingKey"`
	Title     string `json:"title"`
	LeafCount int    `json:"leafCount"`
	AddedAt   int64  `json:"addedAt"`
}

func (pl plexPlaylist) toTarget() services.TargetPlaylist {
	return services.TargetPlaylist{
		ID:         pl.RatingKey,
		Name:       pl.Title,
		TrackCount: pl.LeafCount,
		CreatedAt:  time.Unix(pl.AddedAt, 0),
	}
}

func (p *Plex) listPlaylists(ctx context.Context) ([]plexPlaylist, error) {
	var body struct {
		MediaContainer struct {
			Metadata []plexPlaylist `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if err := getJSON(ctx, p.doer, p.base+"/playlists?playlistType=audio", p.header(), &body); err != nil {
		return nil, err
	}
	return body.MediaContainer.Metadata, nil
}

// FindPlaylistsByPrefix lists audio playlists whose name starts with the
// prefix.
func (p *Plex) FindPlaylistsByPrefix(ctx context.Context, prefix string) ([]services.TargetPlaylist, error) {
	all, err := p.listPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	var out []services.TargetPlaylist
	for _, pl := range all {
		if strings.HasPrefix(pl.Title, prefix) {
			out = append(out, pl.toTarget())
		}
	}
	return out, nil
}

// FindPlaylistByName returns the playlist with the exact name, or nil.
func (p *Plex) FindPlaylistByName(ctx context.Context, name string) (*services.TargetPlaylist, error) {
	all, err := p.listPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	for _, pl := range all {
		if pl.Title == name {
			t := pl.toTarget()
			return &t, nil
		}
	}
	return nil, nil
}

// CreatePlaylist creates an audio playlist seeded with the given tracks.
func (p *Plex) CreatePlaylist(ctx context.Context, name string, trackIDs []string, summary string) (services.TargetPlaylist, error) {
	_, machineID, err := p.resolve(ctx)
	if err != nil {
		return services.TargetPlaylist{}, err
	}

	q := url.Values{}
	q.Set("title", name)
	q.Set("type", "audio")
	q.Set("smart", "0")
	q.Set("uri", p.metadataURI(machineID, trackIDs))

	var body struct {
		MediaContainer struct {
			Metadata []plexPlaylist `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if err := postJSON(ctx, p.doer, p.base+"/playlists?"+q.Encode(), p.header(), nil, &body); err != nil {
		return services.TargetPlaylist{}, err
	}
	if len(body.MediaContainer.Metadata) == 0 {
		return services.TargetPlaylist{}, fmt.Errorf("plex: create playlist %q returned no metadata", name)
	}
	created := body.MediaContainer.Metadata[0]

	if summary != "" {
		sq := url.Values{}
		sq.Set("summary", summary)
		u := p.base + "/playlists/" + url.PathEscape(created.RatingKey) + "?" + sq.Encode()
		if err := do(ctx, p.doer, http.MethodPut, u, p.header()); err != nil {
			p.logger.Warn().
				Err(err).
				Str("event", "plex.summary_failed").
				Str("playlist", name).
				Msg("playlist created but summary not set")
		}
	}
	return created.toTarget(), nil
}

// AddTracks appends tracks to an existing playlist.
func (p *Plex) AddTracks(ctx context.Context, playlistID string, trackIDs []string) error {
	_, machineID, err := p.resolve(ctx)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("uri", p.metadataURI(machineID, trackIDs))
	u := p.base + "/playlists/" + url.PathEscape(playlistID) + "/items?" + q.Encode()
	return do(ctx, p.doer, http.MethodPut, u, p.header())
}

// DeletePlaylist removes a playlist.
func (p *Plex) DeletePlaylist(ctx context.Context, playlistID string) error {
	return do(ctx, p.doer, http.MethodDelete, p.base+"/playlists/"+url.PathEscape(playlistID), p.header())
}

// GetPlaylistTracks returns the rating keys of the playlist's items.
func (p *Plex) GetPlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	var body struct {
		MediaContainer struct {
			Metadata []struct {
				RatingKey string `json:"ratingKey"`
			} `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	u := p.base + "/playlists/" + url.PathEscape(playlistID) + "/items"
	if err := getJSON(ctx, p.doer, u, p.header(), &body); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(body.MediaContainer.Metadata))
	for _, m := range body.MediaContainer.Metadata {
		out = append(out, m.RatingKey)
	}
	return out, nil
}

// metadataURI builds the server-addressed item URI Plex playlist
// mutations require.
func (p *Plex) metadataURI(machineID string, trackIDs []string) string {
	return fmt.Sprintf("server://%s/com.plexapp.plugins.library/library/metadata/%s",
		machineID, strings.Join(trackIDs, ","))
}

// TestConnection resolves the configured music section.
func (p *Plex) TestConnection(ctx context.Context) error {
	_, _, err := p.resolve(ctx)
	return err
}

func (p *Plex) Close() {}
