// SPDX-License-Identifier: MIT

package clients

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/services"
)

// Lidarr implements services.ManagerClient against the Lidarr v1 API.
type Lidarr struct {
	base   string
	apiKey string
	doer   *services.Doer
	logger zerolog.Logger
}

// NewLidarr builds a Lidarr client.
func NewLidarr(baseURL, apiKey string, doer *services.Doer) *Lidarr {
	return &Lidarr{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		doer:   doer,
		logger: log.WithComponent("lidarr"),
	}
}

func (l *Lidarr) header() http.Header {
	h := http.Header{}
	h.Set("X-Api-Key", l.apiKey)
	return h
}

type lidarrArtist struct {
	ID              int    `json:"id"`
	ArtistName      string `json:"artistName"`
	ForeignArtistID string `json:"foreignArtistId"`
}

// ListArtists returns every managed artist with its MusicBrainz id.
func (l *Lidarr) ListArtists(ctx context.Context) ([]services.ArtistRef, error) {
	var raw []lidarrArtist
	if err := getJSON(ctx, l.doer, l.base+"/api/v1/artist", l.header(), &raw); err != nil {
		return nil, err
	}
	out := make([]services.ArtistRef, 0, len(raw))
	for _, a := range raw {
		out = append(out, services.ArtistRef{ID: a.ForeignArtistID, Name: a.ArtistName})
	}
	return out, nil
}

// ListAlbums returns every managed album.
func (l *Lidarr) ListAlbums(ctx context.Context) ([]services.AlbumRef, error) {
	var raw []struct {
		ForeignAlbumID string `json:"foreignAlbumId"`
		Title          string `json:"title"`
		Artist         struct {
			ForeignArtistID string `json:"foreignArtistId"`
		} `json:"artist"`
	}
	if err := getJSON(ctx, l.doer, l.base+"/api/v1/album", l.header(), &raw); err != nil {
		return nil, err
	}
	out := make([]services.AlbumRef, 0, len(raw))
	for _, a := range raw {
		out = append(out, services.AlbumRef{ID: a.ForeignAlbumID, ArtistID: a.Artist.ForeignArtistID, Title: a.Title})
	}
	return out, nil
}

// ListExclusions returns the import-list exclusion set keyed by
// MusicBrainz id.
func (l *Lidarr) ListExclusions(ctx context.Context) (map[string]struct{}, error) {
	var raw []struct {
		ForeignID string `json:"foreignId"`
	}
	if err := getJSON(ctx, l.doer, l.base+"/api/v1/importlistexclusion", l.header(), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(raw))
	for _, e := range raw {
		out[e.ForeignID] = struct{}{}
	}
	return out, nil
}

// AddArtist submits an artist for management. Lidarr rejects duplicates
// with a 400; that comes back as a PermanentError and is reported as
// not-added rather than failing the caller.
func (l *Lidarr) AddArtist(ctx context.Context, id, name string) (services.AddResult, error) {
	body := map[string]any{
		"foreignArtistId":   id,
		"artistName":        name,
		"qualityProfileId":  1,
		"metadataProfileId": 1,
		"monitored":         true,
		"rootFolderPath":    "",
		"addOptions":        map[string]any{"searchForMissingAlbums": false},
	}
	if err := postJSON(ctx, l.doer, l.base+"/api/v1/artist", l.header(), body, nil); err != nil {
		if services.IsPermanent(err) {
			return services.AddResult{Added: false, Message: err.Error()}, nil
		}
		return services.AddResult{}, err
	}
	return services.AddResult{Added: true}, nil
}

// TestConnection probes the system status endpoint.
func (l *Lidarr) TestConnection(ctx context.Context) error {
	return getJSON(ctx, l.doer, l.base+"/api/v1/system/status", l.header(), nil)
}

func (l *Lidarr) Close() {}
