// SPDX-License-Identifier: MIT

package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/services"
	"github.com/cmdarr/cmdarr/internal/textnorm"
)

const musicbrainzBase = "https://musicbrainz.org/ws/2"

// MusicBrainz implements services.MetadataClient. The shared doer must be
// configured at 1 request per second per the MusicBrainz usage policy.
type MusicBrainz struct {
	baseURL   string
	userAgent string
	doer      *services.Doer
	logger    zerolog.Logger
}

// NewMusicBrainz builds a MusicBrainz client.
func NewMusicBrainz(userAgent string, doer *services.Doer) *MusicBrainz {
	return &MusicBrainz{
		baseURL:   musicbrainzBase,
		userAgent: userAgent,
		doer:      doer,
		logger:    log.WithComponent("musicbrainz"),
	}
}

func (c *MusicBrainz) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	h.Set("Accept", "application/json")
	return h
}

// FuzzySearchArtist looks up an artist by name and returns the best
// candidate with a similarity derived from the search score and the
// normalised-name comparison. A no-result answer is (nil, nil).
func (c *MusicBrainz) FuzzySearchArtist(ctx context.Context, name string) (*services.ArtistMatch, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf("artist:%q", name))
	q.Set("fmt", "json")
	q.Set("limit", "5")

	var body struct {
		Artists []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Score int    `json:"score"`
		} `json:"artists"`
	}
	if err := getJSON(ctx, c.doer, c.baseURL+"/artist?"+q.Encode(), c.header(), &body); err != nil {
		return nil, err
	}
	if len(body.Artists) == 0 {
		return nil, nil
	}

	best := body.Artists[0]
	similarity := float64(best.Score) / 100
	if textnorm.Normalize(best.Name) == textnorm.Normalize(name) {
		similarity = 1.0
	}
	return &services.ArtistMatch{ID: best.ID, Name: best.Name, Similarity: similarity}, nil
}

// ArtistReleaseGroups lists the artist's album and EP release-group
// titles. A fetch failure returns nil so callers treat it as transient;
// a successful answer is always non-nil, even when empty.
func (c *MusicBrainz) ArtistReleaseGroups(ctx context.Context, id string) ([]string, error) {
	q := url.Values{}
	q.Set("artist", id)
	q.Set("type", "album|ep")
	q.Set("fmt", "json")
	q.Set("limit", "100")

	var body struct {
		ReleaseGroups []struct {
			Title string `json:"title"`
		} `json:"release-groups"`
	}
	if err := getJSON(ctx, c.doer, c.baseURL+"/release-group?"+q.Encode(), c.header(), &body); err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(body.ReleaseGroups))
	for _, rg := range body.ReleaseGroups {
		titles = append(titles, rg.Title)
	}
	return titles, nil
}

// TestConnection probes the search endpoint.
func (c *MusicBrainz) TestConnection(ctx context.Context) error {
	q := url.Values{}
	q.Set("query", "artist:test")
	q.Set("fmt", "json")
	q.Set("limit", "1")
	return getJSON(ctx, c.doer, c.baseURL+"/artist?"+q.Encode(), c.header(), nil)
}

func (c *MusicBrainz) Close() {}
