// SPDX-License-Identifier: MIT

// Package discovery implements the artist discovery pipeline: sample
// managed artists, collect similar-artist candidates, recover missing
// identifiers, filter against manager state and emit an import list.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/artifact"
	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/services"
)

// cacheSource is the response-cache source bucket for identifier recovery.
const cacheSource = "musicbrainz"

// Options carries the discovery tunables resolved from configuration.
type Options struct {
	Command          string
	ArtistsToQuery   int
	SimilarPerArtist int
	MinMatchScore    float64
	MinSimilarity    float64
	Limit            int
	Cooldown         time.Duration
	DataDir          string
	NegativeTTLDays  int
}

// Pipeline is one discovery command's shared machinery. Both variants feed
// candidates through the same recovery, filter and emit stages.
type Pipeline struct {
	manager   services.ManagerClient
	metadata  services.MetadataClient
	cache     *cache.Manager
	artifacts *artifact.Store
	opts      Options
	rng       *rand.Rand
}

// New builds a pipeline. The cache manager handles negative caching of
// identifier lookups; artifacts receives the final import list.
func New(manager services.ManagerClient, metadata services.MetadataClient, cm *cache.Manager, artifacts *artifact.Store, opts Options) *Pipeline {
	if opts.ArtistsToQuery <= 0 {
		opts.ArtistsToQuery = 3
	}
	if opts.SimilarPerArtist <= 0 {
		opts.SimilarPerArtist = 10
	}
	if opts.MinMatchScore <= 0 {
		opts.MinMatchScore = 0.9
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = 0.85
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * 24 * time.Hour
	}
	if opts.NegativeTTLDays <= 0 {
		opts.NegativeTTLDays = 7
	}
	return &Pipeline{
		manager:   manager,
		metadata:  metadata,
		cache:     cm,
		artifacts: artifacts,
		opts:      opts,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// managerContext is the filter state loaded once per run.
type managerContext struct {
	artists     []services.ArtistRef
	existingIDs map[string]struct{}
	namesLower  map[string]struct{}
	exclusions  map[string]struct{}
}

func (p *Pipeline) loadManagerContext(ctx context.Context) (*managerContext, error) {
	artists, err := p.manager.ListArtists(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: list artists: %w", err)
	}
	exclusions, err := p.manager.ListExclusions(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: list exclusions: %w", err)
	}
	mc := &managerContext{
		artists:     artists,
		existingIDs: make(map[string]struct{}, len(artists)),
		namesLower:  make(map[string]struct{}, len(artists)),
		exclusions:  exclusions,
	}
	for _, a := range artists {
		mc.existingIDs[a.ID] = struct{}{}
		mc.namesLower[strings.ToLower(a.Name)] = struct{}{}
	}
	return mc, nil
}

// RunRecommender executes the recommender-driven variant.
func (p *Pipeline) RunRecommender(ctx context.Context, rec services.RecommenderClient, logger zerolog.Logger) (json.RawMessage, error) {
	mc, err := p.loadManagerContext(ctx)
	if err != nil {
		return nil, err
	}

	ledger, err := LoadLedger(p.opts.DataDir, p.opts.Command)
	if err != nil {
		return nil, err
	}

	// Prefer artists not sampled within the cooldown; fall back to the
	// whole roster so a small library keeps producing candidates.
	pool := make([]services.ArtistRef, 0, len(mc.artists))
	for _, a := range mc.artists {
		if !ledger.Queried(a.ID, p.opts.Cooldown) {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		pool = mc.artists
	}
	sampled := p.sampleArtists(pool, p.opts.ArtistsToQuery)

	var candidates []services.Similar
	for _, a := range sampled {
		accepted, rejected, err := rec.GetSimilar(ctx, a.ID, a.Name, p.opts.SimilarPerArtist)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("event", "discovery.similar_failed").
				Str("artist", a.Name).
				Msg("similar-artist lookup failed")
			continue
		}
		candidates = append(candidates, accepted...)
		candidates = append(candidates, rejected...)
		ledger.Mark(a.ID)
	}
	ledger.Prune(p.opts.Cooldown)
	if err := ledger.Save(); err != nil {
		logger.Warn().Err(err).Str("event", "discovery.ledger_save_failed").Msg("cannot persist queried ledger")
	}

	return p.finish(ctx, mc, candidates, true, logger)
}

// RunCurated executes the curated-playlist variant: every track artist of
// the chosen curated playlist becomes a candidate.
func (p *Pipeline) RunCurated(ctx context.Context, src services.PlaylistSource, user string, kind services.CuratedKind, logger zerolog.Logger) (json.RawMessage, error) {
	mc, err := p.loadManagerContext(ctx)
	if err != nil {
		return nil, err
	}
	playlists, err := src.CuratedPlaylists(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("discovery: curated playlists: %w", err)
	}
	info, ok := playlists[kind]
	if !ok {
		return nil, fmt.Errorf("discovery: no %s playlist for user %s", kind, user)
	}
	tracks, err := src.PlaylistTracks(ctx, info.URL)
	if err != nil {
		return nil, fmt.Errorf("discovery: playlist tracks: %w", err)
	}

	seen := make(map[string]struct{}, len(tracks))
	var candidates []services.Similar
	for _, tr := range tracks {
		nameLower := strings.ToLower(tr.Artist)
		if tr.Artist == "" {
			continue
		}
		if _, dup := seen[nameLower]; dup {
			continue
		}
		seen[nameLower] = struct{}{}
		candidates = append(candidates, services.Similar{Name: tr.Artist, MatchScore: 1.0, Source: "curated"})
	}

	return p.finish(ctx, mc, candidates, false, logger)
}

// finish runs the shared recovery, filter, dedupe, sample and emit stages.
// enforceScore applies the recommender match-score floor.
func (p *Pipeline) finish(ctx context.Context, mc *managerContext, candidates []services.Similar, enforceScore bool, logger zerolog.Logger) (json.RawMessage, error) {
	stats := FilteringStats{Total: len(candidates)}
	var kept []services.Similar
	for _, c := range candidates {
		if c.ID == "" {
			recovered, ok := p.recoverIdentifier(ctx, c.Name, logger)
			if !ok {
				continue
			}
			c.ID = recovered
			stats.MusicBrainzRecovered++
		}
		if _, managed := mc.existingIDs[c.ID]; managed {
			stats.FilteredAlreadyManaged++
			continue
		}
		if _, managed := mc.namesLower[strings.ToLower(c.Name)]; managed {
			stats.FilteredAlreadyManaged++
			continue
		}
		if _, excluded := mc.exclusions[c.ID]; excluded {
			stats.FilteredExcluded++
			continue
		}
		if enforceScore && c.MatchScore < p.opts.MinMatchScore {
			stats.FilteredLowScore++
			continue
		}
		kept = append(kept, c)
	}

	kept = dedupeByID(kept)
	if len(kept) > p.opts.Limit {
		stats.LimitedCount = len(kept) - p.opts.Limit
		stats.RandomSamplingApplied = true
		p.rng.Shuffle(len(kept), func(i, j int) { kept[i], kept[j] = kept[j], kept[i] })
		kept = kept[:p.opts.Limit]
	}
	stats.FinalCount = len(kept)

	entries := make([]artifact.Entry, 0, len(kept))
	for _, c := range kept {
		entries = append(entries, artifact.Entry{MusicBrainzID: c.ID, ArtistName: c.Name})
	}
	if err := p.artifacts.Write(p.opts.Command, entries); err != nil {
		return nil, err
	}

	stats.Log(logger)
	return json.Marshal(stats)
}

// recoverIdentifier resolves a candidate name to an identifier via the
// metadata service, with positive and negative caching.
func (p *Pipeline) recoverIdentifier(ctx context.Context, name string, logger zerolog.Logger) (string, bool) {
	key := cache.Fingerprint("artist_search", strings.ToLower(name))

	if failed, _ := p.cache.IsFailed(ctx, key, cacheSource); failed {
		return "", false
	}
	if raw, hit, _ := p.cache.Get(ctx, key, cacheSource); hit {
		var m services.ArtistMatch
		if json.Unmarshal(raw, &m) == nil && m.Similarity >= p.opts.MinSimilarity {
			return m.ID, true
		}
		return "", false
	}

	match, err := p.metadata.FuzzySearchArtist(ctx, name)
	if err != nil {
		if services.IsPermanent(err) {
			_ = p.cache.MarkFailed(ctx, key, cacheSource, err.Error(), p.opts.NegativeTTLDays)
		}
		logger.Debug().
			Err(err).
			Str("event", "discovery.recovery_failed").
			Str("artist", name).
			Msg("identifier recovery failed")
		return "", false
	}
	if match == nil {
		_ = p.cache.MarkFailed(ctx, key, cacheSource, "no match", p.opts.NegativeTTLDays)
		return "", false
	}
	_ = p.cache.Set(ctx, key, cacheSource, match, p.opts.NegativeTTLDays)
	if match.Similarity < p.opts.MinSimilarity {
		return "", false
	}
	return match.ID, true
}

// AppendArtists feeds unmatched playlist artists through recovery and
// filtering and appends survivors to this pipeline's import list. Returns
// the number appended.
func (p *Pipeline) AppendArtists(ctx context.Context, names []string, logger zerolog.Logger) (int, error) {
	mc, err := p.loadManagerContext(ctx)
	if err != nil {
		return 0, err
	}

	existing, err := p.artifacts.Read(p.opts.Command)
	if err != nil {
		existing = nil
	}
	onList := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		onList[e.MusicBrainzID] = struct{}{}
	}

	added := 0
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, managed := mc.namesLower[strings.ToLower(name)]; managed {
			continue
		}
		id, ok := p.recoverIdentifier(ctx, name, logger)
		if !ok {
			continue
		}
		if _, managed := mc.existingIDs[id]; managed {
			continue
		}
		if _, excluded := mc.exclusions[id]; excluded {
			continue
		}
		if _, dup := onList[id]; dup {
			continue
		}
		onList[id] = struct{}{}
		existing = append(existing, artifact.Entry{MusicBrainzID: id, ArtistName: name})
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := p.artifacts.Write(p.opts.Command, existing); err != nil {
		return 0, err
	}
	logger.Info().
		Str("event", "discovery.hook_appended").
		Int("added", added).
		Msg("unmatched artists appended to import list")
	return added, nil
}

func (p *Pipeline) sampleArtists(pool []services.ArtistRef, n int) []services.ArtistRef {
	if len(pool) <= n {
		return pool
	}
	idx := p.rng.Perm(len(pool))[:n]
	out := make([]services.ArtistRef, 0, n)
	for _, i := range idx {
		out = append(out, pool[i])
	}
	return out
}

// dedupeByID keeps the highest-scoring candidate per identifier, preserving
// first-seen order.
func dedupeByID(in []services.Similar) []services.Similar {
	best := make(map[string]int, len(in))
	var out []services.Similar
	for _, c := range in {
		if i, ok := best[c.ID]; ok {
			if c.MatchScore > out[i].MatchScore {
				out[i] = c
			}
			continue
		}
		best[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}
