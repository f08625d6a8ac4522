// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdarr/cmdarr/internal/artifact"
	"github.com/cmdarr/cmdarr/internal/cache"
	"github.com/cmdarr/cmdarr/internal/services"
)

type fakeManager struct {
	artists    []services.ArtistRef
	exclusions map[string]struct{}
}

func (f *fakeManager) ListArtists(ctx context.Context) ([]services.ArtistRef, error) {
	return f.artists, nil
}
func (f *fakeManager) ListAlbums(ctx context.Context) ([]services.AlbumRef, error) { return nil, nil }
func (f *fakeManager) ListExclusions(ctx context.Context) (map[string]struct{}, error) {
	if f.exclusions == nil {
		return map[string]struct{}{}, nil
	}
	return f.exclusions, nil
}
func (f *fakeManager) AddArtist(ctx context.Context, id, name string) (services.AddResult, error) {
	return services.AddResult{Added: true}, nil
}
func (f *fakeManager) TestConnection(ctx context.Context) error { return nil }
func (f *fakeManager) Close()                                   {}

type fakeRecommender struct {
	accepted []services.Similar
	rejected []services.Similar
	queried  []string
}

func (f *fakeRecommender) GetSimilar(ctx context.Context, id, name string, limit int) ([]services.Similar, []services.Similar, error) {
	f.queried = append(f.queried, id)
	return f.accepted, f.rejected, nil
}
func (f *fakeRecommender) TestConnection(ctx context.Context) error { return nil }
func (f *fakeRecommender) Close()                                   {}

type fakeMetadata struct {
	matches map[string]*services.ArtistMatch
	calls   int
}

func (f *fakeMetadata) FuzzySearchArtist(ctx context.Context, name string) (*services.ArtistMatch, error) {
	f.calls++
	if m, ok := f.matches[name]; ok {
		return m, nil
	}
	return nil, nil
}
func (f *fakeMetadata) ArtistReleaseGroups(ctx context.Context, id string) ([]string, error) {
	return []string{}, nil
}
func (f *fakeMetadata) TestConnection(ctx context.Context) error { return nil }
func (f *fakeMetadata) Close()                                   {}

func newTestPipeline(t *testing.T, mgr *fakeManager, md *fakeMetadata, opts Options) (*Pipeline, *artifact.Store) {
	t.Helper()
	dir := t.TempDir()
	backend, err := cache.OpenBadger(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	cm := cache.NewManager(backend)
	t.Cleanup(func() { _ = cm.Close() })

	arts, err := artifact.NewStore(dir)
	require.NoError(t, err)

	if opts.Command == "" {
		opts.Command = "discovery_lastfm"
	}
	opts.DataDir = dir
	return New(mgr, md, cm, arts, opts), arts
}

func TestRecommenderFiltering(t *testing.T) {
	mgr := &fakeManager{
		artists: []services.ArtistRef{
			{ID: "mbid-managed", Name: "Managed Artist"},
		},
		exclusions: map[string]struct{}{"mbid-excluded": {}},
	}
	rec := &fakeRecommender{
		accepted: []services.Similar{
			{ID: "mbid-managed", Name: "Managed Artist", MatchScore: 0.99},
			{ID: "mbid-excluded", Name: "Excluded Artist", MatchScore: 0.98},
			{ID: "mbid-low", Name: "Weak Match", MatchScore: 0.5},
			{ID: "mbid-new", Name: "Fresh Find", MatchScore: 0.95},
		},
		rejected: []services.Similar{
			{Name: "Recoverable", MatchScore: 0.97},
			{Name: "Unknown Nobody", MatchScore: 0.96},
		},
	}
	md := &fakeMetadata{matches: map[string]*services.ArtistMatch{
		"Recoverable": {ID: "mbid-recovered", Name: "Recoverable", Similarity: 0.92},
	}}

	p, arts := newTestPipeline(t, mgr, md, Options{Limit: 10})
	out, err := p.RunRecommender(context.Background(), rec, zerolog.Nop())
	require.NoError(t, err)

	var stats FilteringStats
	require.NoError(t, json.Unmarshal(out, &stats))
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 1, stats.FilteredAlreadyManaged)
	assert.Equal(t, 1, stats.FilteredExcluded)
	assert.Equal(t, 1, stats.FilteredLowScore)
	assert.Equal(t, 1, stats.MusicBrainzRecovered)
	assert.Equal(t, 2, stats.FinalCount)
	assert.False(t, stats.RandomSamplingApplied)

	entries, err := arts.Read("discovery_lastfm")
	require.NoError(t, err)
	ids := map[string]struct{}{}
	for _, e := range entries {
		ids[e.MusicBrainzID] = struct{}{}
	}
	assert.Contains(t, ids, "mbid-new")
	assert.Contains(t, ids, "mbid-recovered")
}

func TestRecommenderLimitSampling(t *testing.T) {
	mgr := &fakeManager{artists: []services.ArtistRef{{ID: "a", Name: "Seed"}}}
	rec := &fakeRecommender{}
	for i := 0; i < 8; i++ {
		rec.accepted = append(rec.accepted, services.Similar{
			ID:         string(rune('a'+i)) + "-mbid",
			Name:       "Artist " + string(rune('A'+i)),
			MatchScore: 0.95,
		})
	}
	p, arts := newTestPipeline(t, mgr, &fakeMetadata{}, Options{Limit: 5})

	out, err := p.RunRecommender(context.Background(), rec, zerolog.Nop())
	require.NoError(t, err)

	var stats FilteringStats
	require.NoError(t, json.Unmarshal(out, &stats))
	assert.Equal(t, 5, stats.FinalCount)
	assert.Equal(t, 3, stats.LimitedCount)
	assert.True(t, stats.RandomSamplingApplied)

	entries, err := arts.Read("discovery_lastfm")
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestDedupeKeepsHighestScore(t *testing.T) {
	in := []services.Similar{
		{ID: "x", Name: "X", MatchScore: 0.91},
		{ID: "y", Name: "Y", MatchScore: 0.92},
		{ID: "x", Name: "X", MatchScore: 0.99},
	}
	out := dedupeByID(in)
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].ID)
	assert.InDelta(t, 0.99, out[0].MatchScore, 0.001)
}

func TestLedgerCooldown(t *testing.T) {
	dir := t.TempDir()
	l, err := LoadLedger(dir, "discovery_lastfm")
	require.NoError(t, err)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.Mark("mbid-1")
	require.NoError(t, l.Save())

	l2, err := LoadLedger(dir, "discovery_lastfm")
	require.NoError(t, err)
	l2.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	assert.True(t, l2.Queried("mbid-1", 30*24*time.Hour))
	assert.False(t, l2.Queried("mbid-1", 5*24*time.Hour))
	assert.False(t, l2.Queried("mbid-unknown", 30*24*time.Hour))

	l2.Prune(5 * 24 * time.Hour)
	assert.False(t, l2.Queried("mbid-1", 30*24*time.Hour))
}

func TestRecommenderPrefersUnqueriedArtists(t *testing.T) {
	mgr := &fakeManager{artists: []services.ArtistRef{
		{ID: "mbid-old", Name: "Old"},
		{ID: "mbid-fresh", Name: "Fresh"},
	}}
	rec := &fakeRecommender{}
	p, _ := newTestPipeline(t, mgr, &fakeMetadata{}, Options{ArtistsToQuery: 1})

	// Pre-seed the ledger so only mbid-fresh is outside the cooldown.
	l, err := LoadLedger(p.opts.DataDir, p.opts.Command)
	require.NoError(t, err)
	l.Mark("mbid-old")
	require.NoError(t, l.Save())

	_, err = p.RunRecommender(context.Background(), rec, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, rec.queried, 1)
	assert.Equal(t, "mbid-fresh", rec.queried[0])
}

func TestRecoveryNegativeCaching(t *testing.T) {
	mgr := &fakeManager{artists: []services.ArtistRef{{ID: "seed", Name: "Seed"}}}
	md := &fakeMetadata{} // knows nobody: every lookup returns no match
	p, _ := newTestPipeline(t, mgr, md, Options{})

	logger := zerolog.Nop()
	_, ok := p.recoverIdentifier(context.Background(), "Ghost Artist", logger)
	assert.False(t, ok)
	assert.Equal(t, 1, md.calls)

	// Second attempt is answered by the failure cache.
	_, ok = p.recoverIdentifier(context.Background(), "Ghost Artist", logger)
	assert.False(t, ok)
	assert.Equal(t, 1, md.calls)
}

func TestRecoverySimilarityFloor(t *testing.T) {
	mgr := &fakeManager{artists: []services.ArtistRef{{ID: "seed", Name: "Seed"}}}
	md := &fakeMetadata{matches: map[string]*services.ArtistMatch{
		"Close Enough": {ID: "mbid-close", Similarity: 0.90},
		"Too Far":      {ID: "mbid-far", Similarity: 0.60},
	}}
	p, _ := newTestPipeline(t, mgr, md, Options{})

	id, ok := p.recoverIdentifier(context.Background(), "Close Enough", zerolog.Nop())
	assert.True(t, ok)
	assert.Equal(t, "mbid-close", id)

	_, ok = p.recoverIdentifier(context.Background(), "Too Far", zerolog.Nop())
	assert.False(t, ok)
}

func TestAppendArtistsHook(t *testing.T) {
	mgr := &fakeManager{artists: []services.ArtistRef{{ID: "mbid-managed", Name: "Managed Artist"}}}
	md := &fakeMetadata{matches: map[string]*services.ArtistMatch{
		"New Face": {ID: "mbid-newface", Similarity: 0.95},
	}}
	p, arts := newTestPipeline(t, mgr, md, Options{})

	added, err := p.AppendArtists(context.Background(),
		[]string{"Managed Artist", "New Face", "Nobody Knows"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	entries, err := arts.Read("discovery_lastfm")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mbid-newface", entries[0].MusicBrainzID)

	// Re-running must not duplicate the entry.
	added, err = p.AppendArtists(context.Background(), []string{"New Face"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, added)
}
