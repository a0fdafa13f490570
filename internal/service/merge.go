package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/hashing"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/repository"
)

// AttachVariant attaches c to templateID. Re-attaching identical overlay text returns
// the existing variant with created=false.
func (e *Engine) AttachVariant(ctx context.Context, templateID string, c *domain.Candidate) (variantID string, created bool, err error) {
	vc := *c
	vc.Kind = domain.CandidateVariant
	p, err := e.prepare(&vc)
	if err != nil {
		return "", false, err
	}

	err = e.retry(ctx, func() error {
		var held releaser
		defer held.release()
		return e.store.Transaction(ctx, func(tx *repository.Store) error {
			owner, unlock, err := e.lockTemplate(ctx, tx, templateID)
			if errors.Is(err, domain.ErrNotFound) {
				return &domain.NoTemplateForVariantError{TemplateHint: templateID}
			}
			if err != nil {
				return err
			}
			held.add(unlock)
			v, ok, err := e.attachTx(ctx, tx, owner, p)
			if err != nil {
				return err
			}
			variantID, created = v.ID, ok
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return variantID, created, nil
}

// MergeTemplate applies patch to templateID without overwriting populated fields.
func (e *Engine) MergeTemplate(ctx context.Context, templateID string, patch *domain.EnrichmentPatch) error {
	if err := patch.Validate(e.cfg.EmbeddingDim); err != nil {
		return err
	}

	var merged *domain.Template
	var held releaser
	err := e.store.Transaction(ctx, func(tx *repository.Store) error {
		t, unlock, err := e.lockTemplate(ctx, tx, templateID)
		if err != nil {
			return err
		}
		held.add(unlock)
		if err := e.mergeTx(ctx, tx, t, patch); err != nil {
			return err
		}
		merged = t
		return nil
	})
	held.release()
	if err != nil {
		return err
	}

	e.syncIndexes(ctx, merged)
	return nil
}

// DeleteTemplate removes a template, its variants and its vector index entries.
func (e *Engine) DeleteTemplate(ctx context.Context, templateID string) error {
	var removed int64
	var held releaser
	err := e.store.Transaction(ctx, func(tx *repository.Store) error {
		_, unlock, err := e.lockTemplate(ctx, tx, templateID)
		if err != nil {
			return err
		}
		held.add(unlock)
		if removed, err = tx.Variants.DeleteByTemplate(ctx, templateID); err != nil {
			return fmt.Errorf("failed to delete variants: %w", err)
		}
		return tx.Templates.Delete(ctx, templateID)
	})
	held.release()
	if err != nil {
		return err
	}

	if !e.deleteFromIndexes(ctx, templateID) {
		e.markPending(templateID, true)
	}
	e.log(ctx).WithFields(logger.Fields{
		logger.FieldTemplateID: templateID,
		logger.FieldCount:      removed,
	}).Info("Deleted template")
	return nil
}

// attachTx creates the variant under owner, or returns the one already carrying the
// same overlay text. owner must be locked by the caller.
func (e *Engine) attachTx(ctx context.Context, tx *repository.Store, owner *domain.Template, p *candidate) (*domain.Variant, bool, error) {
	if p.overlayHash != nil {
		existing, err := tx.Variants.FindByText(ctx, owner.ID, *p.overlayHash)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to look up variant text: %w", err)
		}
	}

	v := &domain.Variant{
		ID:              uuid.NewString(),
		TemplateID:      owner.ID,
		Source:          domain.StringPtr(p.Source),
		SourceID:        domain.StringPtr(p.SourceID),
		OriginalURL:     domain.StringPtr(p.URL),
		OverlayText:     p.overlay,
		OCRConfidence:   p.OCRConfidence,
		VariantMetadata: domain.JSONMap(p.Metadata),
		Status:          domain.VariantStatusDiscovered,
		DiscoveredAt:    e.now(),
	}
	if p.DiscoveredAt != nil {
		v.DiscoveredAt = p.DiscoveredAt.UTC()
	}
	if err := tx.Variants.Create(ctx, v); err != nil {
		return nil, false, err
	}
	if err := e.refreshAggregate(ctx, tx, owner); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// refreshAggregate recomputes sample_count and the representative extracted_text of t.
func (e *Engine) refreshAggregate(ctx context.Context, tx *repository.Store, t *domain.Template) error {
	n, err := tx.Variants.CountWithText(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to count variants: %w", err)
	}
	t.SampleCount = int(n)

	rep, err := tx.Variants.Representative(ctx, t.ID)
	switch {
	case err == nil:
		t.ExtractedText = rep.OverlayText
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("failed to pick representative variant: %w", err)
	}
	return tx.Templates.Save(ctx, t)
}

// mergeTx applies patch to the locked template t and saves it.
func (e *Engine) mergeTx(ctx context.Context, tx *repository.Store, t *domain.Template, patch *domain.EnrichmentPatch) error {
	url := domain.NormalizeText(patch.URL)
	if url != nil && t.URL == nil {
		h, err := hashing.Digest("url", *url)
		if err != nil {
			return err
		}
		other, err := tx.Templates.FindByURLHash(ctx, h)
		switch {
		case err == nil && other.ID != t.ID:
			e.log(ctx).WithFields(logger.Fields{
				logger.FieldTemplateID: t.ID,
				"owner_id":             other.ID,
			}).Debug("Dropping patch url already owned by another template")
			url = nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("failed to look up url hash: %w", err)
		}
	}

	applyPatch(t, patch, url, e.now())
	return tx.Templates.Save(ctx, t)
}

// applyPatch fills empty fields of t from patch and unions metadata. url replaces
// patch.URL after conflict checks. It appends a provenance entry when anything changed.
func applyPatch(t *domain.Template, patch *domain.EnrichmentPatch, url *string, now time.Time) {
	var filled []string
	fill := func(name string, dst **string, src *string) {
		if *dst == nil && !domain.IsBlank(src) {
			v := *src
			*dst = &v
			filled = append(filled, name)
		}
	}

	fill("url", &t.URL, url)
	fill("perceptual_hash", &t.PerceptualHash, patch.PerceptualHash)
	fill("asset_key", &t.AssetKey, patch.AssetKey)
	fill("extracted_text", &t.ExtractedText, patch.ExtractedText)
	fill("title", &t.Title, patch.Title)
	fill("caption", &t.Caption, patch.Caption)
	fill("content_type", &t.ContentType, patch.ContentType)
	fill("film_name", &t.FilmName, patch.FilmName)
	fill("director", &t.Director, patch.Director)
	fill("dialogue", &t.Dialogue, patch.Dialogue)

	if len(t.Tags) == 0 && len(patch.Tags) > 0 {
		t.Tags = append(domain.StringArray(nil), patch.Tags...)
		filled = append(filled, "tags")
	}
	if len(t.Cast) == 0 && len(patch.Cast) > 0 {
		t.Cast = append(domain.StringArray(nil), patch.Cast...)
		filled = append(filled, "cast")
	}
	if len(t.Emotions) == 0 && len(patch.Emotions) > 0 {
		t.Emotions = make(domain.EmotionScores, len(patch.Emotions))
		for k, v := range patch.Emotions {
			t.Emotions[k] = v
		}
		filled = append(filled, "emotions")
	}
	if t.Width == nil && patch.Width != nil {
		t.Width = patch.Width
		filled = append(filled, "width")
	}
	if t.Height == nil && patch.Height != nil {
		t.Height = patch.Height
		filled = append(filled, "height")
	}
	if t.FileSize == nil && patch.FileSize != nil {
		t.FileSize = patch.FileSize
		filled = append(filled, "file_size")
	}
	if t.FilmYear == nil && patch.FilmYear != nil {
		t.FilmYear = patch.FilmYear
		filled = append(filled, "film_year")
	}
	filled = append(filled, setEmbeddings(t, patch.TextEmbedding, patch.ImageEmbedding, patch.EmbeddingModel, now)...)

	if len(patch.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = domain.JSONMap{}
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}

	keys := sortedKeys(patch.Metadata)
	if len(keys) == 0 && len(filled) == 0 {
		return
	}
	t.MergeLog = append(t.MergeLog, domain.ProvenanceEntry{
		Source:   patch.Source,
		Keys:     keys,
		Fields:   filled,
		MergedAt: now,
	})
}

// setEmbeddings fills missing embeddings and stamps their provenance. It returns the
// names of the fields it filled.
func setEmbeddings(t *domain.Template, text, image []float32, model *string, now time.Time) []string {
	var filled []string
	if t.TextEmbedding == nil && len(text) > 0 {
		t.TextEmbedding = append(domain.Vector(nil), text...)
		filled = append(filled, "text_embedding")
	}
	if t.ImageEmbedding == nil && len(image) > 0 {
		t.ImageEmbedding = append(domain.Vector(nil), image...)
		filled = append(filled, "image_embedding")
	}
	if len(filled) == 0 {
		return nil
	}
	if t.EmbeddingModel == nil && !domain.IsBlank(model) {
		m := *model
		t.EmbeddingModel = &m
		filled = append(filled, "embedding_model")
	}
	dim := len(t.TextEmbedding)
	if dim == 0 {
		dim = len(t.ImageEmbedding)
	}
	t.EmbeddingDim = &dim
	stamp := now
	t.EmbeddedAt = &stamp
	return filled
}

func sortedKeys(m map[string]interface{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
