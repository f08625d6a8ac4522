// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/artifact"
	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/clients"
	"github.com/cmdarr/cmdarr/internal/discovery"
	"github.com/cmdarr/cmdarr/internal/library"
	"github.com/cmdarr/cmdarr/internal/newreleases"
	"github.com/cmdarr/cmdarr/internal/playlistsync"
	"github.com/cmdarr/cmdarr/internal/scheduler"
	"github.com/cmdarr/cmdarr/internal/services"
)

// runtime is the phase-two service wiring: doers, the command table and
// the optional API-facing extras.
type runtime struct {
	commands []scheduler.Command
	scanner  *newreleases.Scanner
	testers  func() map[string]services.ConnectionTester
}

// buildRuntime assembles the doers and the command table. Clients are
// constructed per run from current configuration so credential changes
// take effect without a restart; doers persist so rate limiters and
// circuit breakers keep their state.
func (d *Daemon) buildRuntime(cm *cache.Manager, lib *library.Manager, arts *artifact.Store) *runtime {
	doers := d.newDoers()
	rt := &runtime{}

	// Recorded per execution; generic until a media server is configured.
	mediaName := "media_server"
	if target, err := d.mediaServer(doers); err == nil {
		mediaName = target.ServiceName()
		target.Close()
	}

	rt.commands = []scheduler.Command{
		{
			Name:        "discovery_lastfm",
			DisplayName: "Last.fm Discovery",
			Description: "Finds artists similar to a sample of the managed library via Last.fm",
			Schedule:    "0 3 * * *",
			TimeoutMin:  30,
			Target:      "lidarr",
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				apiKey := d.cfgString("LASTFM_API_KEY")
				if apiKey == "" {
					return nil, fmt.Errorf("LASTFM_API_KEY not configured")
				}
				if _, err := d.lidarr(doers); err != nil {
					return nil, err
				}
				rec := clients.NewLastFM(apiKey, doers.lastfm, cm, d.cfgInt("CACHE_TTL_LASTFM_DAYS", 7))
				defer rec.Close()
				return d.pipeline(cm, arts, doers, "discovery_lastfm").RunRecommender(ctx, rec, logger)
			},
		},
		{
			Name:        "discovery_listenbrainz",
			DisplayName: "ListenBrainz Discovery",
			Description: "Harvests new artists from ListenBrainz curated exploration playlists",
			Schedule:    "30 3 * * *",
			TimeoutMin:  30,
			Target:      "lidarr",
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				user := d.cfgString("LISTENBRAINZ_USER")
				if user == "" {
					return nil, fmt.Errorf("LISTENBRAINZ_USER not configured")
				}
				if _, err := d.lidarr(doers); err != nil {
					return nil, err
				}
				src := clients.NewListenBrainz(d.cfgString("LISTENBRAINZ_TOKEN"), doers.listenbrainz)
				defer src.Close()
				p := d.pipeline(cm, arts, doers, "discovery_listenbrainz")
				return p.RunCurated(ctx, src, user, services.CuratedWeeklyExploration, logger)
			},
		},
		{
			Name:        "playlist_sync_spotify",
			DisplayName: "Spotify Playlist Sync",
			Description: "Mirrors configured public Spotify playlists onto the media server",
			Schedule:    "0 5 * * *",
			TimeoutMin:  60,
			Target:      mediaName,
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				var urls []string
				if err := d.cfg.JSONInto("PLAYLIST_SYNC_URLS", &urls); err != nil {
					return nil, err
				}
				if len(urls) == 0 {
					return nil, fmt.Errorf("PLAYLIST_SYNC_URLS is empty")
				}
				src, err := d.spotify(doers)
				if err != nil {
					return nil, err
				}
				defer src.Close()
				syncer, err := d.syncer(cm, lib, arts, doers, playlistsync.ModeFull)
				if err != nil {
					return nil, err
				}
				defer syncer.Close()
				return syncer.RunURLs(ctx, src, urls, logger)
			},
		},
		{
			Name:        "playlist_sync_listenbrainz",
			DisplayName: "ListenBrainz Playlist Sync",
			Description: "Syncs ListenBrainz curated playlists with dated names and retention",
			Schedule:    "30 5 * * *",
			TimeoutMin:  60,
			Target:      mediaName,
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				user := d.cfgString("LISTENBRAINZ_USER")
				if user == "" {
					return nil, fmt.Errorf("LISTENBRAINZ_USER not configured")
				}
				src := clients.NewListenBrainz(d.cfgString("LISTENBRAINZ_TOKEN"), doers.listenbrainz)
				defer src.Close()
				syncer, err := d.syncer(cm, lib, arts, doers, playlistsync.ModeFull)
				if err != nil {
					return nil, err
				}
				defer syncer.Close()
				return syncer.RunCurated(ctx, src, user, logger)
			},
		},
		{
			Name:          "library_cache_builder",
			DisplayName:   "Library Cache Builder",
			Description:   "Refreshes the media server track snapshot",
			IntervalHours: 12,
			TimeoutMin:    60,
			Internal:      true,
			Target:        mediaName,
			Run: func(ctx context.Context, logger zerolog.Logger) (json.RawMessage, error) {
				target, err := d.mediaServer(doers)
				if err != nil {
					return nil, err
				}
				defer target.Close()
				snap, err := lib.SmartRefresh(ctx, target.LibraryKey(), target)
				if err != nil {
					return nil, err
				}
				logger.Info().
					Str("event", "library.refreshed").
					Str("service", target.ServiceName()).
					Int("tracks", len(snap.Tracks)).
					Msg("library snapshot refreshed")
				return json.Marshal(map[string]int{"tracks": len(snap.Tracks)})
			},
		},
	}

	if d.cfgString("SPOTIFY_CLIENT_ID") != "" {
		streaming, err := d.spotify(doers)
		if err == nil {
			manager := d.lidarrLazy(doers)
			metadata := clients.NewMusicBrainz(d.cfgString("MUSICBRAINZ_USER_AGENT"), doers.musicbrainz)
			rt.scanner = newreleases.New(manager, streaming, metadata, cm, newreleases.Options{
				ArtistLimit:  d.cfgInt("NEW_RELEASES_ARTIST_LIMIT", 25),
				AlbumTypes:   splitCSV(d.cfgString("NEW_RELEASES_ALBUM_TYPES")),
				CacheTTLDays: d.cfgInt("CACHE_TTL_MUSICBRAINZ_DAYS", 1),
			})
		}
	}

	rt.testers = func() map[string]services.ConnectionTester {
		out := map[string]services.ConnectionTester{}
		if m, err := d.lidarr(doers); err == nil {
			out["lidarr"] = m
		}
		if d.cfgString("LASTFM_API_KEY") != "" {
			out["lastfm"] = clients.NewLastFM(d.cfgString("LASTFM_API_KEY"), doers.lastfm, cm, 1)
		}
		out["musicbrainz"] = clients.NewMusicBrainz(d.cfgString("MUSICBRAINZ_USER_AGENT"), doers.musicbrainz)
		if d.cfgString("LISTENBRAINZ_USER") != "" || d.cfgString("LISTENBRAINZ_TOKEN") != "" {
			out["listenbrainz"] = clients.NewListenBrainz(d.cfgString("LISTENBRAINZ_TOKEN"), doers.listenbrainz)
		}
		if s, err := d.spotify(doers); err == nil {
			out["spotify"] = s
		}
		if target, err := d.mediaServer(doers); err == nil {
			out[target.ServiceName()] = target
		}
		return out
	}
	return rt
}

// doerSet holds the per-service outbound plumbing. These live for the
// process lifetime.
type doerSet struct {
	lidarr       *services.Doer
	lastfm       *services.Doer
	listenbrainz *services.Doer
	musicbrainz  *services.Doer
	spotify      *services.Doer
	media        *services.Doer
}

func (d *Daemon) newDoers() *doerSet {
	retries := d.cfgInt("MAX_RETRIES", 3)
	mk := func(service, qpsKey string, defQPS float64) *services.Doer {
		return services.NewDoer(services.DoerConfig{
			Service:    service,
			QPS:        d.cfgFloat(qpsKey, defQPS),
			MaxRetries: retries,
		})
	}
	return &doerSet{
		lidarr:       mk("lidarr", "MEDIA_SERVER_RATE_LIMIT", 10),
		lastfm:       mk("lastfm", "LASTFM_RATE_LIMIT", 5),
		listenbrainz: mk("listenbrainz", "LISTENBRAINZ_RATE_LIMIT", 5),
		musicbrainz:  mk("musicbrainz", "MUSICBRAINZ_RATE_LIMIT", 1),
		spotify:      mk("spotify", "SPOTIFY_RATE_LIMIT", 10),
		media:        mk("media_server", "MEDIA_SERVER_RATE_LIMIT", 10),
	}
}

func (d *Daemon) lidarr(doers *doerSet) (*clients.Lidarr, error) {
	base := d.cfgString("LIDARR_URL")
	key := d.cfgString("LIDARR_API_KEY")
	if base == "" || key == "" {
		return nil, fmt.Errorf("lidarr not configured (LIDARR_URL, LIDARR_API_KEY)")
	}
	return clients.NewLidarr(base, key, doers.lidarr), nil
}

// lidarrLazy defers the configuration check to the first call, for
// consumers constructed at boot time.
func (d *Daemon) lidarrLazy(doers *doerSet) services.ManagerClient {
	return &lazyManager{build: func() (services.ManagerClient, error) { return d.lidarr(doers) }}
}

func (d *Daemon) spotify(doers *doerSet) (*clients.Spotify, error) {
	id := d.cfgString("SPOTIFY_CLIENT_ID")
	secret := d.cfgString("SPOTIFY_CLIENT_SECRET")
	if id == "" || secret == "" {
		return nil, fmt.Errorf("spotify not configured (SPOTIFY_CLIENT_ID, SPOTIFY_CLIENT_SECRET)")
	}
	return clients.NewSpotify(id, secret, doers.spotify), nil
}

// mediaServer picks the configured playlist target, Plex first.
func (d *Daemon) mediaServer(doers *doerSet) (services.MediaServerClient, error) {
	if base := d.cfgString("PLEX_URL"); base != "" {
		libName := d.cfgString("PLEX_MUSIC_LIBRARY")
		return clients.NewPlex(base, d.cfgString("PLEX_TOKEN"), libName, doers.media), nil
	}
	if base := d.cfgString("JELLYFIN_URL"); base != "" {
		return clients.NewJellyfin(base, d.cfgString("JELLYFIN_API_KEY"), doers.media), nil
	}
	return nil, fmt.Errorf("no media server configured (PLEX_URL or JELLYFIN_URL)")
}

func (d *Daemon) pipeline(cm *cache.Manager, arts *artifact.Store, doers *doerSet, command string) *discovery.Pipeline {
	metadata := clients.NewMusicBrainz(d.cfgString("MUSICBRAINZ_USER_AGENT"), doers.musicbrainz)
	return discovery.New(d.lidarrLazy(doers), metadata, cm, arts, discovery.Options{
		Command:          command,
		ArtistsToQuery:   d.cfgInt("DISCOVERY_ARTISTS_TO_QUERY", 3),
		SimilarPerArtist: d.cfgInt("DISCOVERY_SIMILAR_PER_ARTIST", 10),
		MinMatchScore:    d.cfgFloat("DISCOVERY_MIN_MATCH_SCORE", 0.9),
		MinSimilarity:    d.cfgFloat("DISCOVERY_MIN_SIMILARITY", 0.85),
		Limit:            d.cfgInt("DISCOVERY_LIMIT", 5),
		Cooldown:         time.Duration(d.cfgInt("DISCOVERY_COOLDOWN_DAYS", 30)) * 24 * time.Hour,
		DataDir:          d.dataDir,
		NegativeTTLDays:  d.cfgInt("CACHE_TTL_FAILED_DAYS", 1),
	})
}

func (d *Daemon) syncer(cm *cache.Manager, lib *library.Manager, arts *artifact.Store, doers *doerSet, mode playlistsync.Mode) (*playlistsync.Syncer, error) {
	target, err := d.mediaServer(doers)
	if err != nil {
		return nil, err
	}
	opts := playlistsync.Options{
		Prefix:        d.cfgString("PLAYLIST_SYNC_PREFIX"),
		Mode:          mode,
		CleanupEmpty:  d.cfgBool("PLAYLIST_SYNC_CLEANUP_EMPTY"),
		PruneAdditive: d.cfgBool("PLAYLIST_SYNC_PRUNE_ADDITIVE"),
		Retention: map[services.CuratedKind]int{
			services.CuratedDaily:             d.cfgInt("PLAYLIST_RETENTION_DAILY", 2),
			services.CuratedWeeklyJams:        d.cfgInt("PLAYLIST_RETENTION_WEEKLY_JAMS", 4),
			services.CuratedWeeklyExploration: d.cfgInt("PLAYLIST_RETENTION_WEEKLY_EXPLORATION", 4),
		},
	}
	// Unmatched tracks feed the discovery artifact so missing artists can
	// be picked up by the library manager.
	hook := func(ctx context.Context, names []string, logger zerolog.Logger) (int, error) {
		return d.pipeline(cm, arts, doers, "playlist_sync").AppendArtists(ctx, names, logger)
	}
	return playlistsync.New(target, lib, opts, hook), nil
}

// lazyManager builds the underlying client on first use so that boot
// succeeds before Lidarr is configured.
type lazyManager struct {
	build func() (services.ManagerClient, error)
}

func (l *lazyManager) client() (services.ManagerClient, error) { return l.build() }

func (l *lazyManager) ListArtists(ctx context.Context) ([]services.ArtistRef, error) {
	c, err := l.client()
	if err != nil {
		return nil, err
	}
	return c.ListArtists(ctx)
}

func (l *lazyManager) ListAlbums(ctx context.Context) ([]services.AlbumRef, error) {
	c, err := l.client()
	if err != nil {
		return nil, err
	}
	return c.ListAlbums(ctx)
}

func (l *lazyManager) ListExclusions(ctx context.Context) (map[string]struct{}, error) {
	c, err := l.client()
	if err != nil {
		return nil, err
	}
	return c.ListExclusions(ctx)
}

func (l *lazyManager) AddArtist(ctx context.Context, id, name string) (services.AddResult, error) {
	c, err := l.client()
	if err != nil {
		return services.AddResult{}, err
	}
	return c.AddArtist(ctx, id, name)
}

func (l *lazyManager) TestConnection(ctx context.Context) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	return c.TestConnection(ctx)
}

func (l *lazyManager) Close() {}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
