// SPDX-License-Identifier: MIT

package clients

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/services"
)

const lastfmBase = "https://ws.audioscrobbler.com/2.0/"

// LastFM implements services.RecommenderClient over the Last.fm
// artist.getSimilar method. Responses are cached through the response
// cache; candidates Last.fm reports without an mbid come back rejected so
// the pipeline can recover them.
type LastFM struct {
	baseURL string
	apiKey  string
	doer    *services.Doer
	cache   *cache.Manager
	ttlDays int
	logger  zerolog.Logger
}

// NewLastFM builds a Last.fm client. ttlDays controls response caching.
func NewLastFM(apiKey string, doer *services.Doer, cm *cache.Manager, ttlDays int) *LastFM {
	return &LastFM{
		baseURL: lastfmBase,
		apiKey:  apiKey,
		doer:    doer,
		cache:   cm,
		ttlDays: ttlDays,
		logger:  log.WithComponent("lastfm"),
	}
}

type similarResponse struct {
	Accepted []services.Similar `json:"accepted"`
	Rejected []services.Similar `json:"rejected"`
}

// GetSimilar returns similar artists, preferring the mbid lookup and
// falling back to the name.
func (c *LastFM) GetSimilar(ctx context.Context, id, name string, limit int) ([]services.Similar, []services.Similar, error) {
	key := cache.Fingerprint("lastfm_similar", id, name, strconv.Itoa(limit))
	if raw, hit, _ := c.cache.Get(ctx, key, "lastfm"); hit {
		var cached similarResponse
		if json.Unmarshal(raw, &cached) == nil {
			return cached.Accepted, cached.Rejected, nil
		}
	}

	q := url.Values{}
	q.Set("method", "artist.getsimilar")
	q.Set("api_key", c.apiKey)
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("autocorrect", "1")
	if id != "" {
		q.Set("mbid", id)
	} else {
		q.Set("artist", name)
	}

	var body struct {
		SimilarArtists struct {
			Artist []struct {
				Name  string `json:"name"`
				MBID  string `json:"mbid"`
				Match string `json:"match"`
			} `json:"artist"`
		} `json:"similarartists"`
	}
	if err := getJSON(ctx, c.doer, c.baseURL+"?"+q.Encode(), nil, &body); err != nil {
		return nil, nil, err
	}

	var resp similarResponse
	for _, a := range body.SimilarArtists.Artist {
		match, _ := strconv.ParseFloat(a.Match, 64)
		s := services.Similar{ID: a.MBID, Name: a.Name, MatchScore: match, Source: "lastfm"}
		if a.MBID == "" {
			resp.Rejected = append(resp.Rejected, s)
		} else {
			resp.Accepted = append(resp.Accepted, s)
		}
	}
	_ = c.cache.Set(ctx, key, "lastfm", resp, c.ttlDays)
	return resp.Accepted, resp.Rejected, nil
}

// TestConnection issues a minimal metadata lookup.
func (c *LastFM) TestConnection(ctx context.Context) error {
	q := url.Values{}
	q.Set("method", "artist.getinfo")
	q.Set("artist", "Nirvana")
	q.Set("api_key", c.apiKey)
	q.Set("format", "json")
	return getJSON(ctx, c.doer, c.baseURL+"?"+q.Encode(), nil, nil)
}

func (c *LastFM) Close() {}
