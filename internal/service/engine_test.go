package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/memedex/internal/config"
	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/locks"
	"github.com/timmy/memedex/internal/repository"
	"github.com/timmy/memedex/internal/vector"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *repository.Store) {
	t.Helper()
	return newTestEngineWithConfig(t, EngineConfig{PHashThreshold: 8, BucketBits: 4, MaxRetries: 3, EmbeddingDim: 3}, opts...)
}

func newTestEngineWithConfig(t *testing.T, cfg EngineConfig, opts ...Option) (*Engine, *repository.Store) {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "engine.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store := repository.NewStore(db, cfg.BucketBits)
	opts = append([]Option{WithClock(steppingClock())}, opts...)
	return NewEngine(store, cfg, opts...), store
}

// recordingLocker wraps a Locker and tracks acquisitions and current holders per key.
type recordingLocker struct {
	inner locks.Locker

	mu       sync.Mutex
	holding  map[string]int
	acquired map[string]int
	overlap  bool
}

func newRecordingLocker(inner locks.Locker) *recordingLocker {
	return &recordingLocker{inner: inner, holding: make(map[string]int), acquired: make(map[string]int)}
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (locks.Unlock, error) {
	unlock, err := r.inner.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.holding[key]++
	if r.holding[key] > 1 {
		r.overlap = true
	}
	r.acquired[key]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.holding[key]--
			r.mu.Unlock()
			unlock()
		})
	}, nil
}

func (r *recordingLocker) held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.holding {
		n += c
	}
	return n
}

func (r *recordingLocker) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired[key]
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func text(s string) *string { return &s }

func templateCandidate(source, sourceID, url, phash string) *domain.Candidate {
	return &domain.Candidate{
		Kind:           domain.CandidateTemplate,
		Source:         source,
		SourceID:       sourceID,
		URL:            url,
		PerceptualHash: phash,
	}
}

func variantCandidate(hint, overlay string) *domain.Candidate {
	return &domain.Candidate{
		Kind:         domain.CandidateVariant,
		TemplateHint: hint,
		OverlayText:  text(overlay),
	}
}

func countTemplates(t *testing.T, store *repository.Store) int64 {
	t.Helper()
	n, err := store.Templates.Count(context.Background())
	require.NoError(t, err)
	return n
}

func assertSampleCount(t *testing.T, store *repository.Store, id string) *domain.Template {
	t.Helper()
	ctx := context.Background()
	tpl, err := store.Templates.GetByID(ctx, id)
	require.NoError(t, err)
	n, err := store.Variants.CountWithText(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int(n), tpl.SampleCount, "sample_count must match variants with text")
	return tpl
}

func TestTenorScenario(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "http://p/1.gif", "0000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNewTemplate, out.Kind)
	assert.True(t, out.Created)
	t1 := out.TemplateID
	tpl := assertSampleCount(t, store, t1)
	assert.Equal(t, 0, tpl.SampleCount)

	out, err = e.Resolve(ctx, variantCandidate(t1, "why though"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAttachedVariant, out.Kind)
	assert.Equal(t, domain.MatchTemplateHint, out.Match)
	assert.True(t, out.Created)
	v1 := out.VariantID
	tpl = assertSampleCount(t, store, t1)
	assert.Equal(t, 1, tpl.SampleCount)
	require.NotNil(t, tpl.ExtractedText)
	assert.Equal(t, "why though", *tpl.ExtractedText)
	assert.NotNil(t, tpl.TextHash)

	out, err = e.Resolve(ctx, variantCandidate(t1, "why though"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAttachedVariant, out.Kind)
	assert.Equal(t, domain.MatchVariantText, out.Match)
	assert.False(t, out.Created)
	assert.Equal(t, v1, out.VariantID)
	tpl = assertSampleCount(t, store, t1)
	assert.Equal(t, 1, tpl.SampleCount)

	out, err = e.Resolve(ctx, templateCandidate("giphy", "g9", "", "0000000000000007"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMergedIntoTemplate, out.Kind)
	assert.Equal(t, domain.MatchPerceptual, out.Match)
	assert.Equal(t, t1, out.TemplateID)
	require.NotNil(t, out.Distance)
	assert.Equal(t, 3, *out.Distance)
	assert.Equal(t, int64(1), countTemplates(t, store))
}

func TestResolveExactIdentity(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	first, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "http://p/1.gif", ""))
	require.NoError(t, err)

	tests := []struct {
		name      string
		candidate *domain.Candidate
		match     domain.MatchKind
	}{
		{"same source id", templateCandidate("tenor", "x1", "", ""), domain.MatchSourceID},
		{"same url from another source", templateCandidate("giphy", "g1", "http://p/1.gif", ""), domain.MatchURLHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Resolve(ctx, tt.candidate)
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeMergedIntoTemplate, out.Kind)
			assert.Equal(t, tt.match, out.Match)
			assert.Equal(t, first.TemplateID, out.TemplateID)
		})
	}
	assert.Equal(t, int64(1), countTemplates(t, store))
}

func TestConcurrentResolveCreatesOneTemplate(t *testing.T) {
	tests := []struct {
		name string
		make func(i int) *domain.Candidate
	}{
		{"same source id", func(i int) *domain.Candidate {
			return templateCandidate("tenor", "race", "", "")
		}},
		{"near-duplicate phash", func(i int) *domain.Candidate {
			return templateCandidate(fmt.Sprintf("p%d", i), "id", "", fmt.Sprintf("000000000000000%x", i))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, store := newTestEngine(t)

			const n = 8
			outcomes := make([]*domain.Outcome, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					outcomes[i], errs[i] = e.Resolve(ctx, tt.make(i))
				}(i)
			}
			wg.Wait()

			created := 0
			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				if outcomes[i].Created {
					created++
				}
				assert.Equal(t, outcomes[0].TemplateID, outcomes[i].TemplateID)
			}
			assert.Equal(t, 1, created)
			assert.Equal(t, int64(1), countTemplates(t, store))
		})
	}
}

func TestRepeatedWritesReleaseLocks(t *testing.T) {
	buckets := newRecordingLocker(locks.NewKeyed())
	templates := newRecordingLocker(locks.NewStriped(4))
	e, store := newTestEngine(t, WithBucketLocker(buckets), WithTemplateLocker(templates))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", "0000000000000000"))
	require.NoError(t, err)
	id := out.TemplateID

	for i := 0; i < 3; i++ {
		round := fmt.Sprintf("round %d", i)

		_, err := e.Resolve(ctx, variantCandidate(id, "why though"))
		require.NoError(t, err, round)

		_, _, err = e.AttachVariant(ctx, id, variantCandidate("", fmt.Sprintf("caption %d", i)))
		require.NoError(t, err, round)

		out, err := e.Resolve(ctx, templateCandidate("giphy", fmt.Sprintf("g%d", i), "", "0000000000000001"))
		require.NoError(t, err, round)
		assert.Equal(t, id, out.TemplateID, round)

		require.NoError(t, e.MergeTemplate(ctx, id, &domain.EnrichmentPatch{
			Source:   "imdb",
			Metadata: map[string]interface{}{"round": i},
		}), round)

		assert.Zero(t, buckets.held(), round)
		assert.Zero(t, templates.held(), round)
	}

	assert.Equal(t, 4, buckets.count("bucket:all"))
	assert.Equal(t, int64(1), countTemplates(t, store))
	tpl := assertSampleCount(t, store, id)
	assert.Equal(t, 4, tpl.SampleCount)
}

func TestBucketLockSerialisesNearDuplicateCreators(t *testing.T) {
	buckets := newRecordingLocker(locks.NewKeyed())
	e, store := newTestEngine(t, WithBucketLocker(buckets))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Top nibbles differ, so every creator sits in a different bucket yet
	// all are within the threshold of each other.
	const n = 8
	outcomes := make([]*domain.Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = e.Resolve(ctx, templateCandidate(fmt.Sprintf("p%d", i), "id", "", fmt.Sprintf("%x000000000000000", i)))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if outcomes[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), countTemplates(t, store))
	assert.Equal(t, n, buckets.count("bucket:all"), "every creator must take the bucket lock")
	assert.False(t, buckets.overlap, "bucket lock held by two creators at once")
	assert.Zero(t, buckets.held())
}

func TestBucketLocksSpanNeighbouringBuckets(t *testing.T) {
	buckets := newRecordingLocker(locks.NewKeyed())
	e, _ := newTestEngineWithConfig(t, EngineConfig{PHashThreshold: 1, BucketBits: 16, MaxRetries: 3, EmbeddingDim: 3},
		WithBucketLocker(buckets))
	ctx := context.Background()

	first, err := e.Resolve(ctx, templateCandidate("a", "1", "", "0000000000000000"))
	require.NoError(t, err)
	second, err := e.Resolve(ctx, templateCandidate("b", "2", "", "0001000000000000"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeMergedIntoTemplate, second.Kind)
	assert.Equal(t, first.TemplateID, second.TemplateID)
	// Buckets 0 and 1 hold distance-1 neighbours, so both creators lock both.
	assert.Equal(t, 2, buckets.count("bucket:0"))
	assert.Equal(t, 2, buckets.count("bucket:1"))
	assert.Zero(t, buckets.count("bucket:all"))
	assert.Zero(t, buckets.held())
}

func TestResolveTieBreakPrefersEarlierTemplate(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := func(id, phash string, created time.Time) {
		tpl := &domain.Template{
			ID:             id,
			Source:         text("seed"),
			SourceID:       text(id),
			PerceptualHash: text(phash),
			Status:         domain.TemplateStatusDiscovered,
			IsTemplate:     true,
			DiscoveredAt:   created,
			CreatedAt:      created,
		}
		require.NoError(t, store.Templates.Create(ctx, tpl))
	}
	// The newer template has the lower id, so only created_at can pick the older.
	seed("a-newer", "0000000000000003", base.Add(time.Hour))
	seed("b-older", "000000000000000c", base)

	out, err := e.Resolve(ctx, templateCandidate("giphy", "g1", "", "0000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMergedIntoTemplate, out.Kind)
	assert.Equal(t, "b-older", out.TemplateID)
	require.NotNil(t, out.Distance)
	assert.Equal(t, 2, *out.Distance)

	// sample_count outranks age.
	_, _, err = e.AttachVariant(ctx, "a-newer", variantCandidate("", "popular"))
	require.NoError(t, err)
	out, err = e.Resolve(ctx, templateCandidate("giphy", "g2", "", "0000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "a-newer", out.TemplateID)
	assert.Equal(t, int64(2), countTemplates(t, store))
}

func TestTemplateOverlayTextBecomesExtractedText(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	c := templateCandidate("tenor", "x1", "", "")
	c.OverlayText = text("one does not simply")
	out, err := e.Resolve(ctx, c)
	require.NoError(t, err)
	assert.Nil(t, c.ExtractedText, "caller candidate must not change")

	tpl := assertSampleCount(t, store, out.TemplateID)
	assert.Equal(t, 0, tpl.SampleCount)
	require.NotNil(t, tpl.ExtractedText)
	assert.Equal(t, "one does not simply", *tpl.ExtractedText)
	assert.NotNil(t, tpl.TextHash)

	c = templateCandidate("tenor", "x2", "", "")
	c.OverlayText = text("overlay")
	c.ExtractedText = text("extracted")
	out, err = e.Resolve(ctx, c)
	require.NoError(t, err)
	tpl = assertSampleCount(t, store, out.TemplateID)
	require.NotNil(t, tpl.ExtractedText)
	assert.Equal(t, "extracted", *tpl.ExtractedText)
}

func TestVariantResolution(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	base, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "http://p/1.gif", "ff00000000000000"))
	require.NoError(t, err)

	t.Run("untrusted hint falls through to perceptual match", func(t *testing.T) {
		c := variantCandidate("does-not-exist", "caption one")
		c.PerceptualHash = "ff00000000000001"
		out, err := e.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, base.TemplateID, out.TemplateID)
		assert.Equal(t, domain.MatchPerceptual, out.Match)
	})

	t.Run("identity of the template", func(t *testing.T) {
		c := variantCandidate("", "caption two")
		c.URL = "http://p/1.gif"
		out, err := e.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, base.TemplateID, out.TemplateID)
		assert.Equal(t, domain.MatchURLHash, out.Match)
	})

	t.Run("no resolvable template", func(t *testing.T) {
		_, err := e.Resolve(ctx, variantCandidate("missing", "orphan"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNoTemplateForVariant))
		var nt *domain.NoTemplateForVariantError
		require.True(t, errors.As(err, &nt))
		assert.Equal(t, "missing", nt.TemplateHint)
	})

	t.Run("variant candidates never create templates", func(t *testing.T) {
		c := variantCandidate("", "far away")
		c.PerceptualHash = "00ffffffffffffff"
		_, err := e.Resolve(ctx, c)
		assert.True(t, errors.Is(err, domain.ErrNoTemplateForVariant))
		assert.Equal(t, int64(1), countTemplates(t, store))
	})

	tpl := assertSampleCount(t, store, base.TemplateID)
	assert.Equal(t, 2, tpl.SampleCount)
}

func TestAttachVariantRepresentative(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)
	id := out.TemplateID

	low, high := 0.4, 0.9
	steps := []struct {
		overlay    string
		confidence *float64
		want       string
	}{
		{"no confidence", nil, "no confidence"},
		{"high", &high, "high"},
		{"low", &low, "high"},
		{"also high", &high, "also high"},
	}
	for _, s := range steps {
		c := variantCandidate("", s.overlay)
		c.OCRConfidence = s.confidence
		_, created, err := e.AttachVariant(ctx, id, c)
		require.NoError(t, err)
		assert.True(t, created)

		tpl := assertSampleCount(t, store, id)
		require.NotNil(t, tpl.ExtractedText)
		assert.Equal(t, s.want, *tpl.ExtractedText, "after attaching %q", s.overlay)
	}

	vid, created, err := e.AttachVariant(ctx, id, variantCandidate("", "high"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotEmpty(t, vid)

	_, _, err = e.AttachVariant(ctx, "missing", variantCandidate("", "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoTemplateForVariant))
	assert.False(t, errors.Is(err, domain.ErrNotFound))
	var nt *domain.NoTemplateForVariantError
	require.True(t, errors.As(err, &nt))
	assert.Equal(t, "missing", nt.TemplateHint)
}

func TestAttachWithoutTextDoesNotCount(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)

	c := &domain.Candidate{Kind: domain.CandidateVariant, OverlayText: text("   ")}
	_, created, err := e.AttachVariant(ctx, out.TemplateID, c)
	require.NoError(t, err)
	assert.True(t, created)

	tpl := assertSampleCount(t, store, out.TemplateID)
	assert.Equal(t, 0, tpl.SampleCount)
	assert.Nil(t, tpl.ExtractedText)
}

func TestHashFailureLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)

	_, err = e.Resolve(ctx, variantCandidate(out.TemplateID, "bad \xff text"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrHashComputation))

	_, err = e.Resolve(ctx, templateCandidate("tenor", "x2", "", "not-a-hash"))
	assert.True(t, errors.Is(err, domain.ErrHashComputation))

	variants, err := store.Variants.ListByTemplate(ctx, out.TemplateID)
	require.NoError(t, err)
	assert.Empty(t, variants)
	assert.Equal(t, int64(1), countTemplates(t, store))
}

func TestMergeTemplateIsNonDestructive(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)
	id := out.TemplateID

	year := 1999
	require.NoError(t, e.MergeTemplate(ctx, id, &domain.EnrichmentPatch{
		Source:   "film-db",
		Director: text("A"),
		FilmYear: &year,
		Cast:     []string{"Keanu"},
		Metadata: map[string]interface{}{"genre": "action", "rating": "R"},
	}))

	other := 2003
	require.NoError(t, e.MergeTemplate(ctx, id, &domain.EnrichmentPatch{
		Source:   "wiki",
		Director: text("B"),
		FilmYear: &other,
		FilmName: text("The Matrix"),
		Metadata: map[string]interface{}{"genre": "sci-fi"},
	}))

	tpl, err := store.Templates.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "A", *tpl.Director)
	assert.Equal(t, 1999, *tpl.FilmYear)
	assert.Equal(t, "The Matrix", *tpl.FilmName)
	assert.Equal(t, domain.StringArray{"Keanu"}, tpl.Cast)
	assert.Equal(t, "sci-fi", tpl.Metadata["genre"])
	assert.Equal(t, "R", tpl.Metadata["rating"])

	require.Len(t, tpl.MergeLog, 2)
	assert.Equal(t, "film-db", tpl.MergeLog[0].Source)
	assert.Equal(t, []string{"genre", "rating"}, tpl.MergeLog[0].Keys)
	assert.Equal(t, "wiki", tpl.MergeLog[1].Source)
	assert.Equal(t, []string{"film_name"}, tpl.MergeLog[1].Fields)

	assert.True(t, errors.Is(e.MergeTemplate(ctx, "missing", &domain.EnrichmentPatch{Source: "x"}), domain.ErrNotFound))
}

func TestMergeTemplateRejectsBadPatch(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)

	tests := []struct {
		name  string
		patch *domain.EnrichmentPatch
		want  error
	}{
		{"missing source", &domain.EnrichmentPatch{Title: text("t")}, domain.ErrInvalidPatch},
		{"emotion out of range", &domain.EnrichmentPatch{Source: "x", Emotions: domain.EmotionScores{"joy": 1.5}}, domain.ErrInvalidPatch},
		{"wrong embedding width", &domain.EnrichmentPatch{Source: "x", TextEmbedding: []float32{1, 2}}, domain.ErrInvalidPatch},
		{"malformed phash", &domain.EnrichmentPatch{Source: "x", PerceptualHash: text("zz")}, domain.ErrHashComputation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.MergeTemplate(ctx, out.TemplateID, tt.patch)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	tpl, err := store.Templates.GetByID(ctx, out.TemplateID)
	require.NoError(t, err)
	assert.Empty(t, tpl.MergeLog)
	assert.Nil(t, tpl.PerceptualHash)
}

func TestMergeDropsURLOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	a, err := e.Resolve(ctx, templateCandidate("tenor", "a", "http://p/a.gif", ""))
	require.NoError(t, err)
	b, err := e.Resolve(ctx, templateCandidate("tenor", "b", "", ""))
	require.NoError(t, err)

	require.NoError(t, e.MergeTemplate(ctx, b.TemplateID, &domain.EnrichmentPatch{
		Source: "x",
		URL:    text("http://p/a.gif"),
		Title:  text("b title"),
	}))

	tpl, err := store.Templates.GetByID(ctx, b.TemplateID)
	require.NoError(t, err)
	assert.Nil(t, tpl.URL)
	assert.Equal(t, "b title", *tpl.Title)

	owner, err := store.Templates.GetByID(ctx, a.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, "http://p/a.gif", *owner.URL)
}

func TestAdvanceStatus(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)
	att, err := e.Resolve(ctx, variantCandidate(out.TemplateID, "hi"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		kind    domain.EntityKind
		id      string
		target  string
		changed bool
		wantErr error
	}{
		{"template forward", domain.EntityTemplate, out.TemplateID, "processed", true, nil},
		{"template same state", domain.EntityTemplate, out.TemplateID, "processed", false, nil},
		{"template backward", domain.EntityTemplate, out.TemplateID, "discovered", false, domain.ErrStateRegression},
		{"template skips a step", domain.EntityTemplate, out.TemplateID, "indexed", false, domain.ErrStateRegression},
		{"template next", domain.EntityTemplate, out.TemplateID, "enriched", true, nil},
		{"unknown status", domain.EntityTemplate, out.TemplateID, "archived", false, domain.ErrInvalidStatus},
		{"variant forward", domain.EntityVariant, att.VariantID, "variant_processed", true, nil},
		{"variant backward", domain.EntityVariant, att.VariantID, "variant_discovered", false, domain.ErrStateRegression},
		{"template status on variant", domain.EntityVariant, att.VariantID, "processed", false, domain.ErrInvalidStatus},
		{"unknown kind", domain.EntityKind("meme"), out.TemplateID, "processed", false, domain.ErrInvalidStatus},
		{"missing entity", domain.EntityTemplate, "missing", "processed", false, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := e.AdvanceStatus(ctx, &domain.StatusAdvanceRequest{
				EntityID:     tt.id,
				EntityKind:   tt.kind,
				TargetStatus: tt.target,
			})
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestFindSimilarByPerceptualHash(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	// Created through the store so near neighbours stay separate templates.
	mk := func(sourceID, phash string) string {
		tpl := &domain.Template{
			ID:             sourceID + "-id",
			Source:         text("seed"),
			SourceID:       text(sourceID),
			PerceptualHash: text(phash),
			Status:         domain.TemplateStatusDiscovered,
			IsTemplate:     true,
			DiscoveredAt:   time.Now().UTC(),
		}
		require.NoError(t, store.Templates.Create(ctx, tpl))
		return tpl.ID
	}
	exact := mk("exact", "00000000000000f0")
	oneA := mk("one-a", "00000000000000f1")
	oneB := mk("one-b", "00000000000000f2")
	_ = mk("far", "ffffffff00000000")

	_, _, err := e.AttachVariant(ctx, oneB, variantCandidate("", "popular"))
	require.NoError(t, err)

	t.Run("zero distance mirrors exact match", func(t *testing.T) {
		got, err := e.FindSimilarByPerceptualHash(ctx, "00000000000000F0", 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, exact, got[0].Template.ID)

		out, err := e.Resolve(ctx, templateCandidate("other", "o1", "", "00000000000000f0"))
		require.NoError(t, err)
		assert.Equal(t, got[0].Template.ID, out.TemplateID)
	})

	t.Run("zero distance without a match is empty", func(t *testing.T) {
		got, err := e.FindSimilarByPerceptualHash(ctx, "0000000000000000", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ties prefer higher sample count", func(t *testing.T) {
		got, err := e.FindSimilarByPerceptualHash(ctx, "00000000000000f3", 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, oneB, got[0].Template.ID)
		assert.Equal(t, oneA, got[1].Template.ID)
		assert.Equal(t, 1, got[0].Distance)
	})

	t.Run("nearest first", func(t *testing.T) {
		got, err := e.FindSimilarByPerceptualHash(ctx, "00000000000000f0", 64)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, exact, got[0].Template.ID)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		}
	})

	t.Run("invalid queries", func(t *testing.T) {
		_, err := e.FindSimilarByPerceptualHash(ctx, "00000000000000f0", -1)
		assert.True(t, errors.Is(err, domain.ErrInvalidQuery))
		_, err = e.FindSimilarByPerceptualHash(ctx, "xyz", 2)
		assert.True(t, errors.Is(err, domain.ErrHashComputation))
	})
}

// flakyIndex fails upserts while down.
type flakyIndex struct {
	*vector.MemoryIndex

	mu   sync.Mutex
	down bool
}

func (f *flakyIndex) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return f.MemoryIndex.Upsert(ctx, id, vec)
}

func TestFailedIndexWritesAreRetried(t *testing.T) {
	ctx := context.Background()
	mem, err := vector.NewMemoryIndex(3)
	require.NoError(t, err)
	idx := &flakyIndex{MemoryIndex: mem, down: true}
	e, _ := newTestEngine(t, WithIndex(domain.SpaceImage, idx))

	embedded := func(sourceID string, vec []float32) string {
		c := templateCandidate("seed", sourceID, "", "")
		c.ImageEmbedding = vec
		out, err := e.Resolve(ctx, c)
		require.NoError(t, err, "index failures must not fail the write")
		return out.TemplateID
	}

	first := embedded("a", []float32{1, 0, 0})
	assert.Equal(t, 1, e.PendingIndexSync())
	assert.Equal(t, 0, mem.Size())

	idx.setDown(false)
	embedded("b", []float32{0, 1, 0})
	assert.Equal(t, 0, e.PendingIndexSync(), "a successful write retries pending templates")
	assert.Equal(t, 2, mem.Size())

	got, err := e.FindSimilarByEmbedding(ctx, domain.SpaceImage, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first, got[0].Template.ID)

	idx.setDown(true)
	embedded("c", []float32{0, 0, 1})
	assert.Equal(t, 1, e.PendingIndexSync())

	idx.setDown(false)
	n, err := e.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, e.PendingIndexSync())
	assert.Equal(t, 3, mem.Size())
}

type failingIndex struct{ vector.Index }

func (failingIndex) Search(context.Context, []float32, int) ([]vector.Hit, error) {
	return nil, errors.New("connection refused")
}

func TestFindSimilarByEmbedding(t *testing.T) {
	ctx := context.Background()
	idx, err := vector.NewMemoryIndex(3)
	require.NoError(t, err)
	e, store := newTestEngine(t, WithIndex(domain.SpaceImage, idx))

	embed := func(sourceID string, vec []float32) string {
		c := templateCandidate("seed", sourceID, "", "")
		c.ImageEmbedding = vec
		c.EmbeddingModel = "clip"
		out, err := e.Resolve(ctx, c)
		require.NoError(t, err)
		return out.TemplateID
	}
	x := embed("x", []float32{1, 0, 0})
	y := embed("y", []float32{0, 1, 0})
	xy := embed("xy", []float32{1, 1, 0})

	got, err := e.FindSimilarByEmbedding(ctx, domain.SpaceImage, []float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, x, got[0].Template.ID)
	assert.Equal(t, xy, got[1].Template.ID)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
	require.NotNil(t, got[0].Template.EmbeddingDim)
	assert.Equal(t, 3, *got[0].Template.EmbeddingDim)

	require.NoError(t, e.DeleteTemplate(ctx, x))
	got, err = e.FindSimilarByEmbedding(ctx, domain.SpaceImage, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, xy, got[0].Template.ID)

	n, err := e.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, idx.Size())
	_ = y

	_, err = e.FindSimilarByEmbedding(ctx, domain.SpaceText, []float32{1, 0, 0}, 3)
	assert.True(t, errors.Is(err, domain.ErrIndexUnavailable))

	_, err = e.FindSimilarByEmbedding(ctx, domain.SpaceImage, []float32{1, 0}, 3)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuery))

	broken, _ := newTestEngine(t, WithIndex(domain.SpaceImage, failingIndex{idx}))
	_, err = broken.FindSimilarByEmbedding(ctx, domain.SpaceImage, []float32{1, 0, 0}, 3)
	var unavailable *domain.IndexUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "image", unavailable.Index)

	got2, err := broken.FindSimilarByPerceptualHash(ctx, "0000000000000000", 4)
	require.NoError(t, err, "perceptual path is unaffected by vector index failures")
	assert.Empty(t, got2)
	assert.Equal(t, int64(2), countTemplates(t, store))
}

func TestDeleteTemplateCascades(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	out, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)
	att, err := e.Resolve(ctx, variantCandidate(out.TemplateID, "hello"))
	require.NoError(t, err)

	require.NoError(t, e.DeleteTemplate(ctx, out.TemplateID))
	_, err = store.Variants.GetByID(ctx, att.VariantID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, errors.Is(e.DeleteTemplate(ctx, out.TemplateID), domain.ErrNotFound))

	again, err := e.Resolve(ctx, templateCandidate("tenor", "x1", "", ""))
	require.NoError(t, err)
	assert.True(t, again.Created)
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *memoryStorage) GetURL(key string) string { return "https://cdn.test/" + key }

func (m *memoryStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func TestTemplatesWithSamples(t *testing.T) {
	ctx := context.Background()
	assets := &memoryStorage{}
	e, _ := newTestEngine(t, WithAssetStorage(assets))

	c := templateCandidate("tenor", "x1", "", "")
	c.AssetKey = text("templates/x1.gif")
	c.Title = text("Why though")
	first, err := e.Resolve(ctx, c)
	require.NoError(t, err)
	second, err := e.Resolve(ctx, templateCandidate("tenor", "x2", "", ""))
	require.NoError(t, err)

	for _, overlay := range []string{"b", "a", "c"} {
		_, err := e.Resolve(ctx, variantCandidate(first.TemplateID, overlay))
		require.NoError(t, err)
	}

	rows, err := e.TemplatesWithSamples(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.TemplateID, rows[0].ID)
	assert.Equal(t, []string{"b", "a", "c"}, rows[0].OverlayTexts)
	assert.Equal(t, 3, rows[0].SampleCount)
	assert.Equal(t, "https://cdn.test/templates/x1.gif", rows[0].AssetURL)
	assert.Equal(t, second.TemplateID, rows[1].ID)
	assert.Empty(t, rows[1].OverlayTexts)

	res, err := e.ExportSamples(ctx, "exports")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Templates)
	ok, err := assets.Exists(ctx, "exports/samples-latest.json")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = assets.Exists(ctx, res.Key)
	require.NoError(t, err)
	assert.True(t, ok)
}
