// SPDX-License-Identifier: MIT

package config

// Defaults is the declared setting set seeded into the store on first start.
// Keys double as environment variable names; presence of the variable
// overrides the persisted value.
var Defaults = []Definition{
	// Server
	{Key: "SERVER_PORT", Default: "8080", Type: TypeInt, Category: "server", Description: "HTTP listen port"},
	{Key: "DATA_DIR", Default: "./data", Type: TypeString, Category: "server", Description: "Directory for databases, caches and artifacts"},
	{Key: "LOG_LEVEL", Default: "info", Type: TypeEnum, Category: "server", Description: "Log verbosity", Options: []string{"trace", "debug", "info", "warn", "error"}},
	{Key: "MAX_PARALLEL_COMMANDS", Default: "3", Type: TypeInt, Category: "server", Description: "Global cap on concurrently running commands"},
	{Key: "SHUTDOWN_GRACE_SECONDS", Default: "30", Type: TypeInt, Category: "server", Description: "Seconds running commands get to finish on shutdown"},
	{Key: "EXECUTION_RETENTION", Default: "50", Type: TypeInt, Category: "server", Description: "Execution history rows kept per command"},
	{Key: "MAX_RETRIES", Default: "3", Type: TypeInt, Category: "server", Description: "Retry attempts for transient outbound failures"},

	// Library manager (Lidarr)
	{Key: "LIDARR_URL", Default: "", Type: TypeString, Category: "lidarr", Description: "Lidarr base URL", Required: true},
	{Key: "LIDARR_API_KEY", Default: "", Type: TypeString, Category: "lidarr", Description: "Lidarr API key", Sensitive: true, Required: true},

	// Media servers
	{Key: "PLEX_URL", Default: "", Type: TypeString, Category: "plex", Description: "Plex base URL"},
	{Key: "PLEX_TOKEN", Default: "", Type: TypeString, Category: "plex", Description: "Plex auth token", Sensitive: true},
	{Key: "PLEX_MUSIC_LIBRARY", Default: "Music", Type: TypeString, Category: "plex", Description: "Plex music library name"},
	{Key: "JELLYFIN_URL", Default: "", Type: TypeString, Category: "jellyfin", Description: "Jellyfin base URL"},
	{Key: "JELLYFIN_API_KEY", Default: "", Type: TypeString, Category: "jellyfin", Description: "Jellyfin API key", Sensitive: true},

	// Metadata / recommender / streaming services
	{Key: "LASTFM_API_KEY", Default: "", Type: TypeString, Category: "lastfm", Description: "Last.fm API key", Sensitive: true},
	{Key: "LISTENBRAINZ_USER", Default: "", Type: TypeString, Category: "listenbrainz", Description: "ListenBrainz user for curated playlists"},
	{Key: "LISTENBRAINZ_TOKEN", Default: "", Type: TypeString, Category: "listenbrainz", Description: "ListenBrainz auth token", Sensitive: true},
	{Key: "MUSICBRAINZ_USER_AGENT", Default: "cmdarr/1.0", Type: TypeString, Category: "musicbrainz", Description: "User-Agent sent to MusicBrainz"},
	{Key: "SPOTIFY_CLIENT_ID", Default: "", Type: TypeString, Category: "spotify", Description: "Spotify client id"},
	{Key: "SPOTIFY_CLIENT_SECRET", Default: "", Type: TypeString, Category: "spotify", Description: "Spotify client secret", Sensitive: true},

	// Outbound rate limits (requests per second)
	{Key: "LASTFM_RATE_LIMIT", Default: "5", Type: TypeFloat, Category: "ratelimit", Description: "Last.fm requests per second"},
	{Key: "MUSICBRAINZ_RATE_LIMIT", Default: "1", Type: TypeFloat, Category: "ratelimit", Description: "MusicBrainz requests per second"},
	{Key: "LISTENBRAINZ_RATE_LIMIT", Default: "5", Type: TypeFloat, Category: "ratelimit", Description: "ListenBrainz requests per second"},
	{Key: "SPOTIFY_RATE_LIMIT", Default: "10", Type: TypeFloat, Category: "ratelimit", Description: "Spotify requests per second"},
	{Key: "MEDIA_SERVER_RATE_LIMIT", Default: "10", Type: TypeFloat, Category: "ratelimit", Description: "Media server requests per second"},

	// Response / failure cache
	{Key: "CACHE_BACKEND", Default: "badger", Type: TypeEnum, Category: "cache", Description: "Response cache backend", Options: []string{"badger", "redis"}},
	{Key: "REDIS_ADDR", Default: "localhost:6379", Type: TypeString, Category: "cache", Description: "Redis address when CACHE_BACKEND=redis"},
	{Key: "REDIS_PASSWORD", Default: "", Type: TypeString, Category: "cache", Description: "Redis password", Sensitive: true},
	{Key: "REDIS_DB", Default: "0", Type: TypeInt, Category: "cache", Description: "Redis database number"},
	{Key: "CACHE_TTL_LASTFM_DAYS", Default: "7", Type: TypeInt, Category: "cache", Description: "Last.fm response cache TTL in days"},
	{Key: "CACHE_TTL_MUSICBRAINZ_DAYS", Default: "7", Type: TypeInt, Category: "cache", Description: "MusicBrainz response cache TTL in days"},
	{Key: "CACHE_TTL_MEDIA_DAYS", Default: "1", Type: TypeInt, Category: "cache", Description: "Media server response cache TTL in days"},
	{Key: "CACHE_TTL_FAILED_DAYS", Default: "1", Type: TypeInt, Category: "cache", Description: "Failed lookup negative cache TTL in days"},

	// Library cache
	{Key: "LIBRARY_CACHE_TTL_HOURS", Default: "72", Type: TypeInt, Category: "library_cache", Description: "Library snapshot TTL in hours"},
	{Key: "LIBRARY_CACHE_MAX_MEMORY_MB", Default: "500", Type: TypeInt, Category: "library_cache", Description: "Memory tier ceiling for resident snapshots"},

	// Track matching policy
	{Key: "MATCH_TITLE_SIMILARITY", Default: "0.7", Type: TypeFloat, Category: "matching", Description: "Minimum fuzzy title similarity"},
	{Key: "MATCH_ARTIST_REQUIRED", Default: "50", Type: TypeInt, Category: "matching", Description: "Minimum artist score (of 100) any match must reach"},
	{Key: "MATCH_ALBUM_EXACT_BONUS", Default: "1.0", Type: TypeFloat, Category: "matching", Description: "Ranking bonus for exact album match"},
	{Key: "MATCH_ALBUM_SUBSTRING_BONUS", Default: "0.7", Type: TypeFloat, Category: "matching", Description: "Ranking bonus for substring album match"},
	{Key: "MATCH_ALBUM_FUZZY_BONUS", Default: "0.5", Type: TypeFloat, Category: "matching", Description: "Ranking bonus for fuzzy album match"},

	// Discovery
	{Key: "DISCOVERY_ARTISTS_TO_QUERY", Default: "3", Type: TypeInt, Category: "discovery", Description: "Managed artists sampled per discovery run"},
	{Key: "DISCOVERY_SIMILAR_PER_ARTIST", Default: "10", Type: TypeInt, Category: "discovery", Description: "Similar artists requested per sampled artist"},
	{Key: "DISCOVERY_MIN_MATCH_SCORE", Default: "0.9", Type: TypeFloat, Category: "discovery", Description: "Minimum recommender match score (0-1)"},
	{Key: "DISCOVERY_MIN_SIMILARITY", Default: "0.85", Type: TypeFloat, Category: "discovery", Description: "Minimum fuzzy-search similarity for identifier recovery"},
	{Key: "DISCOVERY_LIMIT", Default: "5", Type: TypeInt, Category: "discovery", Description: "Maximum artists emitted per discovery run"},
	{Key: "DISCOVERY_COOLDOWN_DAYS", Default: "30", Type: TypeInt, Category: "discovery", Description: "Days before a sampled artist may be sampled again"},

	// Playlist sync
	{Key: "PLAYLIST_SYNC_PREFIX", Default: "[LB] ", Type: TypeString, Category: "playlist_sync", Description: "Name prefix for managed target playlists"},
	{Key: "PLAYLIST_SYNC_URLS", Default: "[]", Type: TypeJSON, Category: "playlist_sync", Description: "Source playlist URLs synced in full mode"},
	{Key: "PLAYLIST_SYNC_CLEANUP_EMPTY", Default: "true", Type: TypeBool, Category: "playlist_sync", Description: "Skip creation when no tracks resolve"},
	{Key: "PLAYLIST_SYNC_PRUNE_ADDITIVE", Default: "false", Type: TypeBool, Category: "playlist_sync", Description: "Also prune vanished tracks in additive mode"},
	{Key: "PLAYLIST_RETENTION_DAILY", Default: "2", Type: TypeInt, Category: "playlist_sync", Description: "Curated daily playlists kept"},
	{Key: "PLAYLIST_RETENTION_WEEKLY_JAMS", Default: "4", Type: TypeInt, Category: "playlist_sync", Description: "Curated weekly-jams playlists kept"},
	{Key: "PLAYLIST_RETENTION_WEEKLY_EXPLORATION", Default: "4", Type: TypeInt, Category: "playlist_sync", Description: "Curated weekly-exploration playlists kept"},

	// New releases
	{Key: "NEW_RELEASES_ARTIST_LIMIT", Default: "25", Type: TypeInt, Category: "new_releases", Description: "Managed artists sampled per new-release scan"},
	{Key: "NEW_RELEASES_ALBUM_TYPES", Default: "album,ep", Type: TypeString, Category: "new_releases", Description: "Release types included in the scan"},
}

// defsByKey indexes Defaults for lookup.
func defsByKey() map[string]Definition {
	m := make(map[string]Definition, len(Defaults))
	for _, d := range Defaults {
		m[d.Key] = d
	}
	return m
}
