// SPDX-License-Identifier: MIT

// Package newreleases cross-checks a sample of managed artists against a
// streaming provider's release lists and reports releases the metadata
// service does not know for the artist.
package newreleases

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/services"
	"github.com/cmdarr/cmdarr/internal/textnorm"
)

const (
	cacheSource = "musicbrainz"
	// harmonyBase is the release-import helper missing releases link to.
	harmonyBase = "https://harmony.pulsewidth.org.uk/release"
)

// Options carries the scan tunables resolved from configuration.
type Options struct {
	ArtistLimit  int
	AlbumTypes   []string
	CacheTTLDays int
}

// MissingRelease is one release a streaming provider lists that the
// metadata service lacks for the artist.
type MissingRelease struct {
	Artist      string `json:"artist"`
	Title       string `json:"title"`
	AlbumType   string `json:"album_type"`
	ReleaseDate string `json:"release_date,omitempty"`
	ActionURL   string `json:"action_url"`
}

// Report is the scan result served by the new-releases endpoint.
type Report struct {
	ArtistsChecked int              `json:"artists_checked"`
	ArtistsSkipped int              `json:"artists_skipped"`
	Missing        []MissingRelease `json:"missing_releases"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// Scanner wires the three clients the scan needs.
type Scanner struct {
	manager   services.ManagerClient
	streaming services.StreamingClient
	metadata  services.MetadataClient
	cache     *cache.Manager
	opts      Options
	rng       *rand.Rand
	now       func() time.Time
}

// New builds a scanner.
func New(manager services.ManagerClient, streaming services.StreamingClient, metadata services.MetadataClient, cm *cache.Manager, opts Options) *Scanner {
	if opts.ArtistLimit <= 0 {
		opts.ArtistLimit = 25
	}
	if len(opts.AlbumTypes) == 0 {
		opts.AlbumTypes = []string{"album", "ep"}
	}
	if opts.CacheTTLDays <= 0 {
		opts.CacheTTLDays = 1
	}
	return &Scanner{
		manager:   manager,
		streaming: streaming,
		metadata:  metadata,
		cache:     cm,
		opts:      opts,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// Scan samples managed artists and reports releases missing from the
// metadata service. Artists whose release-group list cannot be fetched are
// skipped rather than reported on stale grounds.
func (s *Scanner) Scan(ctx context.Context, logger zerolog.Logger) (*Report, error) {
	return s.ScanWith(ctx, 0, nil, logger)
}

// ScanWith runs a scan with per-request overrides; zero values fall back
// to the configured options.
func (s *Scanner) ScanWith(ctx context.Context, artistLimit int, albumTypes []string, logger zerolog.Logger) (*Report, error) {
	if artistLimit <= 0 {
		artistLimit = s.opts.ArtistLimit
	}
	if len(albumTypes) == 0 {
		albumTypes = s.opts.AlbumTypes
	}

	artists, err := s.manager.ListArtists(ctx)
	if err != nil {
		return nil, err
	}
	if len(artists) > artistLimit {
		s.rng.Shuffle(len(artists), func(i, j int) { artists[i], artists[j] = artists[j], artists[i] })
		artists = artists[:artistLimit]
	}

	report := &Report{GeneratedAt: s.now().UTC(), Missing: []MissingRelease{}}
	for _, artist := range artists {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owned, ok := s.releaseGroups(ctx, artist.ID)
		if !ok {
			// nil means transient: skip the artist, never cache.
			report.ArtistsSkipped++
			logger.Debug().
				Str("event", "newreleases.skipped").
				Str("artist", artist.Name).
				Msg("release groups unavailable")
			continue
		}
		report.ArtistsChecked++

		releases, err := s.streaming.ArtistReleases(ctx, artist.Name, albumTypes)
		if err != nil {
			report.ArtistsChecked--
			report.ArtistsSkipped++
			logger.Debug().
				Err(err).
				Str("event", "newreleases.streaming_failed").
				Str("artist", artist.Name).
				Msg("streaming releases unavailable")
			continue
		}

		ownedSet := make(map[string]struct{}, len(owned))
		for _, title := range owned {
			ownedSet[textnorm.Normalize(title)] = struct{}{}
		}
		for _, rel := range releases {
			if _, have := ownedSet[textnorm.Normalize(rel.Title)]; have {
				continue
			}
			report.Missing = append(report.Missing, MissingRelease{
				Artist:      artist.Name,
				Title:       rel.Title,
				AlbumType:   rel.AlbumType,
				ReleaseDate: rel.ReleaseDate,
				ActionURL:   harmonyURL(artist.Name, rel.Title),
			})
		}
	}

	logger.Info().
		Str("event", "newreleases.scan").
		Int("artists_checked", report.ArtistsChecked).
		Int("artists_skipped", report.ArtistsSkipped).
		Int("missing", len(report.Missing)).
		Msg("new-releases scan complete")
	return report, nil
}

// releaseGroups returns the artist's release-group titles. An empty
// non-nil answer is authoritative and cached; a nil answer is a transient
// failure and reported as not-ok.
func (s *Scanner) releaseGroups(ctx context.Context, artistID string) ([]string, bool) {
	key := cache.Fingerprint("release_groups", artistID)
	if raw, hit, _ := s.cache.Get(ctx, key, cacheSource); hit {
		var titles []string
		if json.Unmarshal(raw, &titles) == nil {
			return titles, true
		}
	}

	titles, err := s.metadata.ArtistReleaseGroups(ctx, artistID)
	if err != nil || titles == nil {
		return nil, false
	}
	_ = s.cache.Set(ctx, key, cacheSource, titles, s.opts.CacheTTLDays)
	return titles, true
}

func harmonyURL(artist, title string) string {
	q := url.Values{}
	q.Set("category", "all")
	q.Set("artist", artist)
	q.Set("title", title)
	return harmonyBase + "?" + q.Encode()
}
