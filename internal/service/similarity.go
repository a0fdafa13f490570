package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/hashing"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/metrics"
	"github.com/timmy/memedex/internal/repository"
)

const (
	rebuildBatchSize  = 256
	pendingRetryBatch = 16
)

type rankedTemplate struct {
	id       string
	distance int
}

// rankPerceptual returns rows within maxDistance of h, nearest first. Equidistant rows
// prefer the higher sample_count, then the earlier created_at, then the lower id.
func rankPerceptual(rows []repository.PerceptualRow, h uint64, maxDistance int) []rankedTemplate {
	type scored struct {
		row      repository.PerceptualRow
		distance int
	}
	var within []scored
	for _, row := range rows {
		other, err := hashing.ParsePerceptualHash(row.PerceptualHash)
		if err != nil {
			continue
		}
		if d := hashing.Distance(h, other); d <= maxDistance {
			within = append(within, scored{row: row, distance: d})
		}
	}
	sort.Slice(within, func(i, j int) bool {
		a, b := within[i], within[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.row.SampleCount != b.row.SampleCount {
			return a.row.SampleCount > b.row.SampleCount
		}
		if !a.row.CreatedAt.Equal(b.row.CreatedAt) {
			return a.row.CreatedAt.Before(b.row.CreatedAt)
		}
		return a.row.ID < b.row.ID
	})

	out := make([]rankedTemplate, len(within))
	for i, s := range within {
		out[i] = rankedTemplate{id: s.row.ID, distance: s.distance}
	}
	return out
}

// FindSimilarByPerceptualHash returns templates within maxDistance bits of hash,
// nearest first. maxDistance 0 is an indexed lookup of the templates sharing hash.
func (e *Engine) FindSimilarByPerceptualHash(ctx context.Context, hash string, maxDistance int) ([]domain.PerceptualMatch, error) {
	metrics.SimilarityQueries.WithLabelValues("perceptual").Inc()
	if maxDistance < 0 {
		return nil, fmt.Errorf("%w: max distance %d is negative", domain.ErrInvalidQuery, maxDistance)
	}
	h, err := hashing.ParsePerceptualHash(hash)
	if err != nil {
		return nil, err
	}

	if maxDistance == 0 {
		exact, err := e.store.Templates.ListByPerceptualHash(ctx, hashing.FormatPerceptualHash(h))
		if err != nil {
			return nil, fmt.Errorf("failed to look up perceptual hash: %w", err)
		}
		matches := make([]domain.PerceptualMatch, len(exact))
		for i, t := range exact {
			matches[i] = domain.PerceptualMatch{Template: t}
		}
		return matches, nil
	}

	rows, err := e.store.Templates.PerceptualRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan perceptual hashes: %w", err)
	}
	ranked := rankPerceptual(rows, h, maxDistance)
	if len(ranked) == 0 {
		return []domain.PerceptualMatch{}, nil
	}

	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	byID, err := e.loadTemplates(ctx, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]domain.PerceptualMatch, 0, len(ranked))
	for _, r := range ranked {
		if t, ok := byID[r.id]; ok {
			matches = append(matches, domain.PerceptualMatch{Template: t, Distance: r.distance})
		}
	}
	return matches, nil
}

// FindSimilarByEmbedding returns up to k templates by cosine similarity in space,
// highest first. It fails with IndexUnavailableError when the index cannot be queried.
func (e *Engine) FindSimilarByEmbedding(ctx context.Context, space domain.EmbeddingSpace, vec []float32, k int) ([]domain.EmbeddingMatch, error) {
	metrics.SimilarityQueries.WithLabelValues("embedding_" + string(space)).Inc()
	switch {
	case !space.Valid():
		return nil, fmt.Errorf("%w: unknown embedding space %q", domain.ErrInvalidQuery, space)
	case k <= 0:
		return nil, fmt.Errorf("%w: k must be positive", domain.ErrInvalidQuery)
	case len(vec) == 0:
		return nil, fmt.Errorf("%w: empty query vector", domain.ErrInvalidQuery)
	case e.cfg.EmbeddingDim > 0 && len(vec) != e.cfg.EmbeddingDim:
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", domain.ErrInvalidQuery, len(vec), e.cfg.EmbeddingDim)
	}

	idx, ok := e.indexes[space]
	if !ok {
		return nil, &domain.IndexUnavailableError{Index: string(space), Err: errors.New("no index configured")}
	}
	hits, err := idx.Search(ctx, vec, k)
	if err != nil {
		metrics.VectorIndexErrors.WithLabelValues(string(space), "search").Inc()
		return nil, &domain.IndexUnavailableError{Index: string(space), Err: err}
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	byID, err := e.loadTemplates(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Hits for templates deleted since indexing are skipped.
	matches := make([]domain.EmbeddingMatch, 0, len(hits))
	for _, h := range hits {
		if t, ok := byID[h.ID]; ok {
			matches = append(matches, domain.EmbeddingMatch{Template: t, Score: h.Score})
		}
	}
	return matches, nil
}

func (e *Engine) loadTemplates(ctx context.Context, ids []string) (map[string]domain.Template, error) {
	templates, err := e.store.Templates.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	byID := make(map[string]domain.Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return byID, nil
}

// Rebuild clears every vector index and reloads it from stored embeddings.
// It returns the number of vectors written.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	if len(e.indexes) == 0 {
		return 0, nil
	}
	start := time.Now()
	e.pendingMu.Lock()
	e.pending = make(map[string]struct{})
	metrics.VectorIndexPending.Set(0)
	e.pendingMu.Unlock()
	for space, idx := range e.indexes {
		if err := idx.Reset(ctx); err != nil {
			metrics.VectorIndexErrors.WithLabelValues(string(space), "reset").Inc()
			return 0, &domain.IndexUnavailableError{Index: string(space), Err: err}
		}
	}

	written := 0
	err := e.store.Templates.EachWithEmbeddings(ctx, rebuildBatchSize, func(batch []domain.Template) error {
		for i := range batch {
			for space, vec := range embeddingsOf(&batch[i]) {
				idx, ok := e.indexes[space]
				if !ok {
					continue
				}
				if err := idx.Upsert(ctx, batch[i].ID, vec); err != nil {
					metrics.VectorIndexErrors.WithLabelValues(string(space), "upsert").Inc()
					return &domain.IndexUnavailableError{Index: string(space), Err: err}
				}
				written++
			}
		}
		return nil
	})
	if err != nil {
		return written, err
	}

	e.log(ctx).WithFields(logger.Fields{
		logger.FieldCount:      written,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Rebuilt vector indexes")
	return written, nil
}

// syncIndexes writes t's embeddings to the vector indexes after commit. The store
// stays authoritative: a failed write marks t pending, and pending templates are
// retried once an index accepts writes again, or reloaded by Rebuild.
func (e *Engine) syncIndexes(ctx context.Context, t *domain.Template) {
	wrote, ok := e.writeIndexes(ctx, t)
	if !ok {
		e.markPending(t.ID, true)
		return
	}
	e.markPending(t.ID, false)
	if wrote > 0 {
		e.retryPending(ctx)
	}
}

func (e *Engine) writeIndexes(ctx context.Context, t *domain.Template) (wrote int, ok bool) {
	ok = true
	for space, vec := range embeddingsOf(t) {
		idx, found := e.indexes[space]
		if !found {
			continue
		}
		if err := idx.Upsert(ctx, t.ID, vec); err != nil {
			e.indexFailed(ctx, space, "upsert", t.ID, err)
			ok = false
			continue
		}
		wrote++
	}
	return wrote, ok
}

func (e *Engine) deleteFromIndexes(ctx context.Context, id string) bool {
	ok := true
	for space, idx := range e.indexes {
		if err := idx.Delete(ctx, id); err != nil {
			e.indexFailed(ctx, space, "delete", id, err)
			ok = false
		}
	}
	return ok
}

// retryPending resyncs up to pendingRetryBatch stale templates. Templates deleted in
// the meantime are removed from the indexes instead.
func (e *Engine) retryPending(ctx context.Context) {
	ids := e.pendingIDs(pendingRetryBatch)
	if len(ids) == 0 {
		return
	}
	byID, err := e.loadTemplates(ctx, ids)
	if err != nil {
		e.log(ctx).WithError(err).Warn("Failed to load templates pending index sync")
		return
	}
	for _, id := range ids {
		var ok bool
		if t, found := byID[id]; found {
			_, ok = e.writeIndexes(ctx, &t)
		} else {
			ok = e.deleteFromIndexes(ctx, id)
		}
		if ok {
			e.markPending(id, false)
		}
	}
}

func (e *Engine) markPending(id string, stale bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if stale {
		e.pending[id] = struct{}{}
	} else {
		delete(e.pending, id)
	}
	metrics.VectorIndexPending.Set(float64(len(e.pending)))
}

func (e *Engine) pendingIDs(limit int) []string {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// PendingIndexSync reports how many templates have a stale vector index entry.
func (e *Engine) PendingIndexSync() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *Engine) indexFailed(ctx context.Context, space domain.EmbeddingSpace, op, id string, err error) {
	metrics.VectorIndexErrors.WithLabelValues(string(space), op).Inc()
	e.log(ctx).WithFields(logger.Fields{
		logger.FieldTemplateID: id,
		"space":                space,
		"op":                   op,
	}).WithError(err).Warn("Vector index write failed")
}

func embeddingsOf(t *domain.Template) map[domain.EmbeddingSpace][]float32 {
	out := make(map[domain.EmbeddingSpace][]float32, 2)
	if len(t.ImageEmbedding) > 0 {
		out[domain.SpaceImage] = t.ImageEmbedding
	}
	if len(t.TextEmbedding) > 0 {
		out[domain.SpaceText] = t.TextEmbedding
	}
	return out
}
