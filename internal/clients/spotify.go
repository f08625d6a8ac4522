// SPDX-License-Identifier: MIT

package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/services"
)

const (
	spotifyAPIBase   = "https://api.spotify.com/v1"
	spotifyTokenURL  = "https://accounts.spotify.com/api/token"
	spotifyPageLimit = 50
)

// Spotify implements services.PlaylistSource for public playlist URLs and
// services.StreamingClient for the new-releases scan, using the
// client-credentials flow.
type Spotify struct {
	apiBase      string
	tokenURL     string
	clientID     string
	clientSecret string
	doer         *services.Doer
	logger       zerolog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewSpotify builds a Spotify client.
func NewSpotify(clientID, clientSecret string, doer *services.Doer) *Spotify {
	return &Spotify{
		apiBase:      spotifyAPIBase,
		tokenURL:     spotifyTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		doer:         doer,
		logger:       log.WithComponent("spotify"),
	}
}

// bearer returns a valid access token, refreshing it when within a minute
// of expiry.
func (c *Spotify) bearer(ctx context.Context) (http.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Until(c.expires) < time.Minute {
		if err := c.refreshToken(ctx); err != nil {
			return nil, err
		}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h, nil
}

func (c *Spotify) refreshToken(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("spotify token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("spotify token: %w", err)
	}
	c.token = body.AccessToken
	c.expires = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return nil
}

// playlistID extracts the id from an open.spotify.com playlist URL; bare
// ids pass through.
func playlistID(playlistURL string) (string, error) {
	s := playlistURL
	if i := strings.Index(s, "playlist/"); i >= 0 {
		s = s[i+len("playlist/"):]
	}
	if i := strings.IndexAny(s, "?#/"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "", fmt.Errorf("spotify: cannot parse playlist url %q", playlistURL)
	}
	return s, nil
}

// PlaylistInfo fetches name and track count for one playlist.
func (c *Spotify) PlaylistInfo(ctx context.Context, playlistURL string) (services.PlaylistInfo, error) {
	id, err := playlistID(playlistURL)
	if err != nil {
		return services.PlaylistInfo{}, err
	}
	hdr, err := c.bearer(ctx)
	if err != nil {
		return services.PlaylistInfo{}, err
	}

	var body struct {
		Name   string `json:"name"`
		Tracks struct {
			Total int `json:"total"`
		} `json:"tracks"`
	}
	u := c.apiBase + "/playlists/" + url.PathEscape(id) + "?fields=name,tracks.total"
	if err := getJSON(ctx, c.doer, u, hdr, &body); err != nil {
		return services.PlaylistInfo{}, err
	}
	return services.PlaylistInfo{Name: body.Name, TrackCount: body.Tracks.Total, URL: playlistURL}, nil
}

// PlaylistTracks fetches the playlist's tracks, following pagination.
func (c *Spotify) PlaylistTracks(ctx context.Context, playlistURL string) ([]services.SourceTrack, error) {
	id, err := playlistID(playlistURL)
	if err != nil {
		return nil, err
	}

	var out []services.SourceTrack
	next := fmt.Sprintf("%s/playlists/%s/tracks?limit=%d&fields=next,items(track(name,album(name),artists(name)))",
		c.apiBase, url.PathEscape(id), spotifyPageLimit)
	for next != "" {
		hdr, err := c.bearer(ctx)
		if err != nil {
			return nil, err
		}
		var page struct {
			Next  string `json:"next"`
			Items []struct {
				Track struct {
					Name  string `json:"name"`
					Album struct {
						Name string `json:"name"`
					} `json:"album"`
					Artists []struct {
						Name string `json:"name"`
					} `json:"artists"`
				} `json:"track"`
			} `json:"items"`
		}
		if err := getJSON(ctx, c.doer, next, hdr, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Track.Name == "" || len(item.Track.Artists) == 0 {
				continue // local files and removed tracks
			}
			out = append(out, services.SourceTrack{
				Artist: item.Track.Artists[0].Name,
				Album:  item.Track.Album.Name,
				Track:  item.Track.Name,
			})
		}
		next = page.Next
	}
	return out, nil
}

// CuratedPlaylists is not a Spotify capability here; curated playlists
// come from ListenBrainz.
func (c *Spotify) CuratedPlaylists(ctx context.Context, user string) (map[services.CuratedKind]services.PlaylistInfo, error) {
	return nil, services.ErrNotSupported
}

// ArtistReleases lists an artist's releases of the requested album types.
func (c *Spotify) ArtistReleases(ctx context.Context, artistName string, albumTypes []string) ([]services.Release, error) {
	hdr, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", artistName)
	q.Set("type", "artist")
	q.Set("limit", "1")
	var search struct {
		Artists struct {
			Items []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"items"`
		} `json:"artists"`
	}
	if err := getJSON(ctx, c.doer, c.apiBase+"/search?"+q.Encode(), hdr, &search); err != nil {
		return nil, err
	}
	if len(search.Artists.Items) == 0 {
		return nil, &services.PermanentError{Service: "spotify", Status: http.StatusNotFound, Reason: "artist not found"}
	}
	artistID := search.Artists.Items[0].ID

	aq := url.Values{}
	aq.Set("include_groups", strings.Join(mapAlbumTypes(albumTypes), ","))
	aq.Set("limit", fmt.Sprint(spotifyPageLimit))
	var albums struct {
		Items []struct {
			Name         string `json:"name"`
			AlbumType    string `json:"album_type"`
			ReleaseDate  string `json:"release_date"`
			ExternalURLs struct {
				Spotify string `json:"spotify"`
			} `json:"external_urls"`
		} `json:"items"`
	}
	u := c.apiBase + "/artists/" + url.PathEscape(artistID) + "/albums?" + aq.Encode()
	if err := getJSON(ctx, c.doer, u, hdr, &albums); err != nil {
		return nil, err
	}

	out := make([]services.Release, 0, len(albums.Items))
	for _, a := range albums.Items {
		out = append(out, services.Release{
			Title:       a.Name,
			Artist:      artistName,
			AlbumType:   a.AlbumType,
			ReleaseDate: a.ReleaseDate,
			ExternalURL: a.ExternalURLs.Spotify,
		})
	}
	return out, nil
}

// mapAlbumTypes translates the configured album types to Spotify
// include_groups values; "ep" lives under "single" there.
func mapAlbumTypes(types []string) []string {
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		g := strings.ToLower(strings.TrimSpace(t))
		if g == "ep" {
			g = "single"
		}
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	if len(out) == 0 {
		out = append(out, "album")
	}
	return out
}

// TestConnection exercises the token flow.
func (c *Spotify) TestConnection(ctx context.Context) error {
	_, err := c.bearer(ctx)
	return err
}

func (c *Spotify) Close() {}
