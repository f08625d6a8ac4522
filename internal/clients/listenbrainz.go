// SPDX-License-Identifier: MIT

package clients

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/services"
)

const (
	listenbrainzBase     = "https://api.listenbrainz.org/1"
	listenbrainzLabsBase = "https://labs.api.listenbrainz.org"

	// similarArtistsAlgorithm selects the labs session-based model.
	similarArtistsAlgorithm = "session_based_days_7500_session_300_contribution_5_threshold_10_limit_100_filter_True_skip_30"
)

// ListenBrainz implements services.RecommenderClient over the labs
// similar-artists endpoint and services.PlaylistSource over the created-for
// curated playlists.
type ListenBrainz struct {
	baseURL  string
	labsBase string
	token    string
	doer     *services.Doer
	logger   zerolog.Logger
}

// NewListenBrainz builds a ListenBrainz client. The token may be empty;
// curated playlists of a public user and similar artists work without one.
func NewListenBrainz(token string, doer *services.Doer) *ListenBrainz {
	return &ListenBrainz{
		baseURL:  listenbrainzBase,
		labsBase: listenbrainzLabsBase,
		token:    token,
		doer:     doer,
		logger:   log.WithComponent("listenbrainz"),
	}
}

func (c *ListenBrainz) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Token "+c.token)
	}
	return h
}

// GetSimilar returns similar artists from the labs endpoint. Every labs
// candidate carries an mbid, so rejected is always empty; scores are
// normalised against the best candidate.
func (c *ListenBrainz) GetSimilar(ctx context.Context, id, name string, limit int) ([]services.Similar, []services.Similar, error) {
	if id == "" {
		// The labs endpoint is mbid-keyed; a nameless lookup has nothing
		// to recover from here.
		return nil, nil, nil
	}

	q := url.Values{}
	q.Set("artist_mbids", id)
	q.Set("algorithm", similarArtistsAlgorithm)

	var body []struct {
		ArtistMBID string `json:"artist_mbid"`
		Name       string `json:"name"`
		Score      int    `json:"score"`
	}
	if err := getJSON(ctx, c.doer, c.labsBase+"/similar-artists/json?"+q.Encode(), nil, &body); err != nil {
		return nil, nil, err
	}
	if len(body) == 0 {
		return nil, nil, nil
	}

	top := body[0].Score
	for _, a := range body {
		if a.Score > top {
			top = a.Score
		}
	}
	accepted := make([]services.Similar, 0, limit)
	for _, a := range body {
		if len(accepted) >= limit {
			break
		}
		accepted = append(accepted, services.Similar{
			ID:         a.ArtistMBID,
			Name:       a.Name,
			MatchScore: float64(a.Score) / float64(top),
			Source:     "listenbrainz",
		})
	}
	return accepted, nil, nil
}

// CuratedPlaylists lists the recommender-generated playlists created for
// the user, classified by title.
func (c *ListenBrainz) CuratedPlaylists(ctx context.Context, user string) (map[services.CuratedKind]services.PlaylistInfo, error) {
	var body struct {
		Playlists []struct {
			Playlist struct {
				Identifier string `json:"identifier"`
				Title      string `json:"title"`
			} `json:"playlist"`
		} `json:"playlists"`
	}
	u := c.baseURL + "/user/" + url.PathEscape(user) + "/playlists/createdfor"
	if err := getJSON(ctx, c.doer, u, c.header(), &body); err != nil {
		return nil, err
	}

	out := make(map[services.CuratedKind]services.PlaylistInfo)
	for _, p := range body.Playlists {
		kind, ok := classifyCurated(p.Playlist.Title)
		if ok {
			// createdfor lists newest first; keep the first of each kind.
			if _, seen := out[kind]; !seen {
				out[kind] = services.PlaylistInfo{Name: p.Playlist.Title, URL: p.Playlist.Identifier}
			}
		}
	}
	return out, nil
}

func classifyCurated(title string) (services.CuratedKind, bool) {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "daily jams"):
		return services.CuratedDaily, true
	case strings.Contains(t, "weekly exploration"):
		return services.CuratedWeeklyExploration, true
	case strings.Contains(t, "weekly jams"):
		return services.CuratedWeeklyJams, true
	}
	return "", false
}

// PlaylistInfo fetches name and track count for one playlist URL.
func (c *ListenBrainz) PlaylistInfo(ctx context.Context, playlistURL string) (services.PlaylistInfo, error) {
	var body struct {
		Playlist struct {
			Title string `json:"title"`
			Track []any  `json:"track"`
		} `json:"playlist"`
	}
	if err := getJSON(ctx, c.doer, c.playlistEndpoint(playlistURL), c.header(), &body); err != nil {
		return services.PlaylistInfo{}, err
	}
	return services.PlaylistInfo{
		Name:       body.Playlist.Title,
		TrackCount: len(body.Playlist.Track),
		URL:        playlistURL,
	}, nil
}

// PlaylistTracks fetches the JSPF track list of one playlist.
func (c *ListenBrainz) PlaylistTracks(ctx context.Context, playlistURL string) ([]services.SourceTrack, error) {
	var body struct {
		Playlist struct {
			Track []struct {
				Creator string `json:"creator"`
				Album   string `json:"album"`
				Title   string `json:"title"`
			} `json:"track"`
		} `json:"playlist"`
	}
	if err := getJSON(ctx, c.doer, c.playlistEndpoint(playlistURL), c.header(), &body); err != nil {
		return nil, err
	}
	out := make([]services.SourceTrack, 0, len(body.Playlist.Track))
	for _, t := range body.Playlist.Track {
		out = append(out, services.SourceTrack{Artist: t.Creator, Album: t.Album, Track: t.Title})
	}
	return out, nil
}

// playlistEndpoint maps a JSPF identifier URL to the API fetch endpoint.
// Identifiers look like https://listenbrainz.org/playlist/<mbid>.
func (c *ListenBrainz) playlistEndpoint(playlistURL string) string {
	mbid := playlistURL
	if i := strings.LastIndex(playlistURL, "/"); i >= 0 {
		mbid = playlistURL[i+1:]
	}
	return c.baseURL + "/playlist/" + url.PathEscape(mbid)
}

// TestConnection validates the token, or probes the public API when no
// token is configured.
func (c *ListenBrainz) TestConnection(ctx context.Context) error {
	if c.token == "" {
		return getJSON(ctx, c.doer, c.baseURL+"/stats/sitewide/artists?count=1", nil, nil)
	}
	return getJSON(ctx, c.doer, c.baseURL+"/validate-token", c.header(), nil)
}

func (c *ListenBrainz) Close() {}
