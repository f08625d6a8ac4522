// SPDX-License-Identifier: MIT

// Package playlistsync mirrors source playlists onto a media server. The
// sync is idempotent: a target playlist already holding the desired track
// set is left untouched, and the same title never survives twice.
package playlistsync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/library"
	"github.com/cmdarr/cmdarr/internal/services"
	"github.com/cmdarr/cmdarr/internal/textnorm"
)

// Mode selects how an existing target playlist is reconciled.
type Mode string

const (
	// ModeFull replaces the playlist whenever the track set differs.
	ModeFull Mode = "full"
	// ModeAdditive only appends tracks missing from the target.
	ModeAdditive Mode = "additive"
)

// Sync actions reported per playlist.
const (
	ActionCreated         = "created"
	ActionReplaced        = "replaced"
	ActionUpdated         = "updated"
	ActionSkippedExisting = "skipped_existing"
	ActionSkippedEmpty    = "skipped_empty"
)

var curatedLabels = map[services.CuratedKind]string{
	services.CuratedDaily:             "Daily Jams",
	services.CuratedWeeklyJams:        "Weekly Jams",
	services.CuratedWeeklyExploration: "Weekly Exploration",
}

var datePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// Options carries the sync tunables resolved from configuration.
type Options struct {
	Prefix        string
	Mode          Mode
	CleanupEmpty  bool
	PruneAdditive bool
	Retention     map[services.CuratedKind]int
}

// DiscoveryHook receives the artist names of unmatched tracks after a run.
type DiscoveryHook func(ctx context.Context, names []string, logger zerolog.Logger) (int, error)

// Syncer drives playlist reconciliation against one media server.
type Syncer struct {
	target services.MediaServerClient
	lib    *library.Manager
	opts   Options
	hook   DiscoveryHook
	now    func() time.Time
}

// New builds a syncer. hook may be nil.
func New(target services.MediaServerClient, lib *library.Manager, opts Options, hook DiscoveryHook) *Syncer {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	return &Syncer{target: target, lib: lib, opts: opts, hook: hook, now: time.Now}
}

// Close releases the media server client the syncer owns.
func (s *Syncer) Close() { s.target.Close() }

// ValidationResult reports the pre-sync cleanup.
type ValidationResult struct {
	DuplicatesRemoved int `json:"duplicates_removed"`
	EmptiesRemoved    int `json:"empties_removed"`
}

// Validate enforces the target invariants before syncing: among same-named
// playlists under the prefix only the fullest survives, and empty ones are
// deleted.
func (s *Syncer) Validate(ctx context.Context, logger zerolog.Logger) (ValidationResult, error) {
	var res ValidationResult
	playlists, err := s.target.FindPlaylistsByPrefix(ctx, s.opts.Prefix)
	if err != nil {
		return res, fmt.Errorf("playlistsync: list playlists: %w", err)
	}

	byName := map[string][]services.TargetPlaylist{}
	for _, pl := range playlists {
		byName[pl.Name] = append(byName[pl.Name], pl)
	}
	for name, group := range byName {
		if len(group) > 1 {
			sort.Slice(group, func(i, j int) bool { return group[i].TrackCount > group[j].TrackCount })
			for _, loser := range group[1:] {
				if err := s.target.DeletePlaylist(ctx, loser.ID); err != nil {
					return res, fmt.Errorf("playlistsync: delete duplicate %q: %w", name, err)
				}
				res.DuplicatesRemoved++
			}
			byName[name] = group[:1]
		}
		if survivor := byName[name][0]; survivor.TrackCount == 0 {
			if err := s.target.DeletePlaylist(ctx, survivor.ID); err != nil {
				return res, fmt.Errorf("playlistsync: delete empty %q: %w", name, err)
			}
			res.EmptiesRemoved++
		}
	}
	if res.DuplicatesRemoved+res.EmptiesRemoved > 0 {
		logger.Info().
			Str("event", "playlistsync.validated").
			Int("duplicates_removed", res.DuplicatesRemoved).
			Int("empties_removed", res.EmptiesRemoved).
			Msg("pre-sync cleanup")
	}
	return res, nil
}

// SyncResult is one playlist's outcome.
type SyncResult struct {
	Playlist  string   `json:"playlist"`
	Action    string   `json:"action"`
	Matched   int      `json:"matched"`
	Unmatched int      `json:"unmatched"`
	unmatched []string // artist names, fed to the discovery hook
}

// SyncPlaylist reconciles one source playlist onto the target under the
// full target name (prefix already applied by the caller).
func (s *Syncer) SyncPlaylist(ctx context.Context, name string, tracks []services.SourceTrack, logger zerolog.Logger) (SyncResult, error) {
	res := SyncResult{Playlist: name}
	key := s.target.LibraryKey()

	var ids []string
	seen := map[string]struct{}{}
	for _, tr := range tracks {
		track, ok, err := s.lib.FindTrack(ctx, key, tr.Track, tr.Artist, tr.Album)
		if err != nil {
			return res, fmt.Errorf("playlistsync: lookup: %w", err)
		}
		if !ok {
			res.Unmatched++
			res.unmatched = append(res.unmatched, tr.Artist)
			logger.Debug().
				Str("event", "playlistsync.unmatched").
				Str("track", tr.Artist+" - "+tr.Track).
				Str("normalised", textnorm.Normalize(tr.Artist)+" - "+textnorm.Normalize(tr.Track)).
				Msg("no library match")
			continue
		}
		if _, dup := seen[track.ID]; dup {
			continue
		}
		seen[track.ID] = struct{}{}
		ids = append(ids, track.ID)
	}
	res.Matched = len(ids)

	if len(ids) == 0 && s.opts.CleanupEmpty {
		res.Action = ActionSkippedEmpty
		logger.Info().
			Str("event", "playlistsync.skipped_empty").
			Str("playlist", name).
			Msg("no matched tracks, playlist not created")
		return res, nil
	}

	existing, err := s.target.FindPlaylistByName(ctx, name)
	if err != nil {
		return res, fmt.Errorf("playlistsync: find %q: %w", name, err)
	}

	switch s.opts.Mode {
	case ModeAdditive:
		return s.syncAdditive(ctx, name, ids, existing, res, logger)
	default:
		return s.syncFull(ctx, name, ids, existing, res, logger)
	}
}

func (s *Syncer) syncFull(ctx context.Context, name string, ids []string, existing *services.TargetPlaylist, res SyncResult, logger zerolog.Logger) (SyncResult, error) {
	if existing != nil {
		current, err := s.target.GetPlaylistTracks(ctx, existing.ID)
		if err != nil {
			return res, fmt.Errorf("playlistsync: read %q: %w", name, err)
		}
		if sameSet(current, ids) {
			res.Action = ActionSkippedExisting
			logger.Info().
				Str("event", "playlistsync.skipped").
				Str("playlist", name).
				Msg("target already matches")
			return res, nil
		}
		// The same title must never survive twice; remove every instance
		// before recreating.
		all, err := s.target.FindPlaylistsByPrefix(ctx, name)
		if err != nil {
			return res, fmt.Errorf("playlistsync: enumerate %q: %w", name, err)
		}
		for _, pl := range all {
			if pl.Name != name {
				continue
			}
			if err := s.target.DeletePlaylist(ctx, pl.ID); err != nil {
				return res, fmt.Errorf("playlistsync: delete %q: %w", name, err)
			}
		}
		res.Action = ActionReplaced
	} else {
		res.Action = ActionCreated
	}

	if err := s.createHybrid(ctx, name, ids); err != nil {
		return res, err
	}
	logger.Info().
		Str("event", "playlistsync.synced").
		Str("playlist", name).
		Str("action", res.Action).
		Int("tracks", len(ids)).
		Msg("playlist synced")
	return res, nil
}

func (s *Syncer) syncAdditive(ctx context.Context, name string, ids []string, existing *services.TargetPlaylist, res SyncResult, logger zerolog.Logger) (SyncResult, error) {
	if existing == nil {
		if err := s.createHybrid(ctx, name, ids); err != nil {
			return res, err
		}
		res.Action = ActionCreated
		return res, nil
	}

	current, err := s.target.GetPlaylistTracks(ctx, existing.ID)
	if err != nil {
		return res, fmt.Errorf("playlistsync: read %q: %w", name, err)
	}
	have := make(map[string]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		res.Action = ActionSkippedExisting
		return res, nil
	}
	for _, id := range missing {
		if err := s.target.AddTracks(ctx, existing.ID, []string{id}); err != nil {
			return res, fmt.Errorf("playlistsync: add to %q: %w", name, err)
		}
	}
	res.Action = ActionUpdated
	logger.Info().
		Str("event", "playlistsync.appended").
		Str("playlist", name).
		Int("added", len(missing)).
		Msg("tracks appended")
	return res, nil
}

// createHybrid creates with the first id, then adds the rest one at a time.
// Some targets reject batch adds at creation.
func (s *Syncer) createHybrid(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	summary := fmt.Sprintf("Synced by cmdarr on %s", s.now().UTC().Format("2006-01-02"))
	created, err := s.target.CreatePlaylist(ctx, name, ids[:1], summary)
	if err != nil {
		return fmt.Errorf("playlistsync: create %q: %w", name, err)
	}
	for _, id := range ids[1:] {
		if err := s.target.AddTracks(ctx, created.ID, []string{id}); err != nil {
			return fmt.Errorf("playlistsync: populate %q: %w", name, err)
		}
	}
	return nil
}

// CuratedName builds the dated target title for a curated playlist kind.
func (s *Syncer) CuratedName(kind services.CuratedKind, at time.Time) string {
	return s.opts.Prefix + curatedLabels[kind] + " " + at.UTC().Format("2006-01-02")
}

// PruneCurated keeps the newest keep-count playlists per curated kind,
// ordered by the date embedded in the title. Additive mode skips pruning
// unless explicitly enabled.
func (s *Syncer) PruneCurated(ctx context.Context, logger zerolog.Logger) (int, error) {
	if s.opts.Mode == ModeAdditive && !s.opts.PruneAdditive {
		return 0, nil
	}
	playlists, err := s.target.FindPlaylistsByPrefix(ctx, s.opts.Prefix)
	if err != nil {
		return 0, fmt.Errorf("playlistsync: list for prune: %w", err)
	}

	pruned := 0
	for kind, keep := range s.opts.Retention {
		label := curatedLabels[kind]
		if label == "" || keep <= 0 {
			continue
		}
		type dated struct {
			pl   services.TargetPlaylist
			date string
		}
		var matches []dated
		for _, pl := range playlists {
			if !strings.Contains(pl.Name, label) {
				continue
			}
			m := datePattern.FindString(pl.Name)
			if m == "" {
				continue
			}
			matches = append(matches, dated{pl: pl, date: m})
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].date > matches[j].date })
		for _, d := range matches[min(keep, len(matches)):] {
			if err := s.target.DeletePlaylist(ctx, d.pl.ID); err != nil {
				return pruned, fmt.Errorf("playlistsync: prune %q: %w", d.pl.Name, err)
			}
			logger.Info().
				Str("event", "playlistsync.pruned").
				Str("playlist", d.pl.Name).
				Msg("retention prune")
			pruned++
		}
	}
	return pruned, nil
}

// RunSummary is a sync command's output summary.
type RunSummary struct {
	Validation ValidationResult `json:"validation"`
	Playlists  []SyncResult     `json:"playlists"`
	Pruned     int              `json:"pruned,omitempty"`
	HookAdded  int              `json:"discovery_hook_added,omitempty"`
}

// RunURLs syncs a set of public playlist URLs.
func (s *Syncer) RunURLs(ctx context.Context, src services.PlaylistSource, urls []string, logger zerolog.Logger) (json.RawMessage, error) {
	summary := RunSummary{}
	validation, err := s.Validate(ctx, logger)
	if err != nil {
		return nil, err
	}
	summary.Validation = validation

	s.lib.BatchMode()
	defer s.lib.EndBatch()

	var unmatched []string
	for _, url := range urls {
		info, err := src.PlaylistInfo(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("playlistsync: playlist info %s: %w", url, err)
		}
		tracks, err := src.PlaylistTracks(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("playlistsync: playlist tracks %s: %w", url, err)
		}
		res, err := s.SyncPlaylist(ctx, s.opts.Prefix+info.Name, tracks, logger)
		if err != nil {
			return nil, err
		}
		summary.Playlists = append(summary.Playlists, res)
		unmatched = append(unmatched, res.unmatched...)
	}

	summary.HookAdded = s.runHook(ctx, unmatched, logger)
	return json.Marshal(summary)
}

// RunCurated syncs the recommender's curated playlists for user, then
// applies retention pruning.
func (s *Syncer) RunCurated(ctx context.Context, src services.PlaylistSource, user string, logger zerolog.Logger) (json.RawMessage, error) {
	summary := RunSummary{}
	validation, err := s.Validate(ctx, logger)
	if err != nil {
		return nil, err
	}
	summary.Validation = validation

	playlists, err := src.CuratedPlaylists(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("playlistsync: curated playlists: %w", err)
	}

	s.lib.BatchMode()
	defer s.lib.EndBatch()

	var unmatched []string
	for kind, info := range playlists {
		tracks, err := src.PlaylistTracks(ctx, info.URL)
		if err != nil {
			return nil, fmt.Errorf("playlistsync: curated tracks %s: %w", kind, err)
		}
		res, err := s.SyncPlaylist(ctx, s.CuratedName(kind, s.now()), tracks, logger)
		if err != nil {
			return nil, err
		}
		summary.Playlists = append(summary.Playlists, res)
		unmatched = append(unmatched, res.unmatched...)
	}

	pruned, err := s.PruneCurated(ctx, logger)
	if err != nil {
		return nil, err
	}
	summary.Pruned = pruned

	summary.HookAdded = s.runHook(ctx, unmatched, logger)
	return json.Marshal(summary)
}

func (s *Syncer) runHook(ctx context.Context, unmatched []string, logger zerolog.Logger) int {
	if s.hook == nil || len(unmatched) == 0 {
		return 0
	}
	seen := map[string]struct{}{}
	var names []string
	for _, n := range unmatched {
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup || n == "" {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, n)
	}
	added, err := s.hook(ctx, names, logger)
	if err != nil {
		logger.Warn().Err(err).Str("event", "playlistsync.hook_failed").Msg("discovery hook failed")
		return 0
	}
	return added
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
