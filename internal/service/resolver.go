package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/hashing"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/metrics"
	"github.com/timmy/memedex/internal/repository"
)

// candidate is a validated Candidate with its fingerprints parsed and digested.
type candidate struct {
	*domain.Candidate
	urlHash     *string
	phash       *uint64
	overlay     *string
	overlayHash *string
}

func (e *Engine) prepare(c *domain.Candidate) (*candidate, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &candidate{Candidate: c, overlay: domain.NormalizeText(c.OverlayText)}

	if c.URL != "" {
		h, err := hashing.Digest("url", c.URL)
		if err != nil {
			return nil, err
		}
		p.urlHash = &h
	}
	if c.PerceptualHash != "" {
		h, err := hashing.ParsePerceptualHash(c.PerceptualHash)
		if err != nil {
			return nil, err
		}
		p.phash = &h
	}
	if p.overlay != nil {
		h, err := hashing.Digest("overlay_text", *p.overlay)
		if err != nil {
			return nil, err
		}
		p.overlayHash = &h
	}
	if c.Kind == domain.CandidateTemplate && p.overlay != nil && domain.IsBlank(c.ExtractedText) {
		// Overlay text read off a template image is its extracted text.
		folded := *c
		folded.ExtractedText = p.overlay
		p.Candidate = &folded
	}
	if p.ExtractedText != nil {
		if _, err := hashing.Digest("extracted_text", *p.ExtractedText); err != nil {
			return nil, err
		}
	}
	if err := e.checkEmbeddings(c.TextEmbedding, c.ImageEmbedding, domain.ErrInvalidCandidate); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) checkEmbeddings(text, image []float32, sentinel error) error {
	if e.cfg.EmbeddingDim <= 0 {
		return nil
	}
	if n := len(text); n > 0 && n != e.cfg.EmbeddingDim {
		return fmt.Errorf("%w: text embedding has %d dimensions, want %d", sentinel, n, e.cfg.EmbeddingDim)
	}
	if n := len(image); n > 0 && n != e.cfg.EmbeddingDim {
		return fmt.Errorf("%w: image embedding has %d dimensions, want %d", sentinel, n, e.cfg.EmbeddingDim)
	}
	return nil
}

// Resolve classifies c and applies the outcome: a new template, an attached
// variant or a merge into an existing template. A lost uniqueness race re-runs
// the cascade against the committed winner.
func (e *Engine) Resolve(ctx context.Context, c *domain.Candidate) (*domain.Outcome, error) {
	start := time.Now()
	defer func() { metrics.ResolveDuration.Observe(time.Since(start).Seconds()) }()

	p, err := e.prepare(c)
	if err != nil {
		metrics.ResolveErrors.WithLabelValues(errorClass(err)).Inc()
		return nil, err
	}

	var out *domain.Outcome
	var touched *domain.Template
	err = e.retry(ctx, func() error {
		var err error
		out, touched, err = e.resolveOnce(ctx, p)
		return err
	})
	if err != nil {
		metrics.ResolveErrors.WithLabelValues(errorClass(err)).Inc()
		return nil, err
	}

	metrics.ResolveTotal.WithLabelValues(string(out.Kind), string(out.Match)).Inc()
	e.log(ctx).WithFields(logger.Fields{
		logger.FieldTemplateID: out.TemplateID,
		logger.FieldVariantID:  out.VariantID,
		logger.FieldMatch:      out.Match,
		"outcome":              out.Kind,
	}).Debug("Resolved candidate")

	if touched != nil {
		e.syncIndexes(ctx, touched)
	}
	return out, nil
}

// resolveOnce runs the cascade in one transaction. It returns the template whose
// embeddings changed, if any, so the caller can update the vector index after commit.
func (e *Engine) resolveOnce(ctx context.Context, p *candidate) (*domain.Outcome, *domain.Template, error) {
	var held releaser
	defer held.release()

	var buckets []int
	if p.Kind == domain.CandidateTemplate && p.phash != nil {
		buckets = e.bucketsFor(*p.phash)
		for _, b := range buckets {
			unlock, err := lock(ctx, e.bucketLocks, "bucket", bucketKey(b))
			if err != nil {
				return nil, nil, err
			}
			held.add(unlock)
		}
		e.log(ctx).WithField(logger.FieldBucket, buckets).Debug("Holding perceptual buckets")
	}

	var out *domain.Outcome
	var touched *domain.Template
	err := e.store.Transaction(ctx, func(tx *repository.Store) error {
		for _, b := range buckets {
			if err := tx.LockBucket(ctx, b); err != nil {
				return err
			}
		}
		var err error
		if p.Kind == domain.CandidateVariant {
			out, err = e.resolveVariant(ctx, tx, p, &held)
			return err
		}
		out, touched, err = e.resolveTemplate(ctx, tx, p, &held)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, touched, nil
}

// identityMatch runs the exact identity step: source keys first, then url hash.
func (e *Engine) identityMatch(ctx context.Context, tx *repository.Store, p *candidate) (*domain.Template, domain.MatchKind, error) {
	if p.Source != "" && p.SourceID != "" {
		t, err := tx.Templates.FindBySource(ctx, p.Source, p.SourceID)
		if err == nil {
			return t, domain.MatchSourceID, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, "", fmt.Errorf("failed to look up source identity: %w", err)
		}
	}
	if p.urlHash != nil {
		t, err := tx.Templates.FindByURLHash(ctx, *p.urlHash)
		if err == nil {
			return t, domain.MatchURLHash, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, "", fmt.Errorf("failed to look up url hash: %w", err)
		}
	}
	return nil, domain.MatchNone, nil
}

// perceptualMatch returns the nearest template within the threshold, or "" if none.
func (e *Engine) perceptualMatch(ctx context.Context, tx *repository.Store, h uint64) (string, int, error) {
	rows, err := tx.Templates.PerceptualRows(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to scan perceptual hashes: %w", err)
	}
	ranked := rankPerceptual(rows, h, e.cfg.PHashThreshold)
	if len(ranked) == 0 {
		return "", 0, nil
	}
	return ranked[0].id, ranked[0].distance, nil
}

func (e *Engine) resolveTemplate(ctx context.Context, tx *repository.Store, p *candidate, held *releaser) (*domain.Outcome, *domain.Template, error) {
	target, match, err := e.identityMatch(ctx, tx, p)
	if err != nil {
		return nil, nil, err
	}

	var distance *int
	if target == nil && p.phash != nil {
		id, d, err := e.perceptualMatch(ctx, tx, *p.phash)
		if err != nil {
			return nil, nil, err
		}
		if id != "" {
			target = &domain.Template{ID: id}
			match = domain.MatchPerceptual
			distance = &d
		}
	}

	if target != nil {
		t, unlock, err := e.lockTemplate(ctx, tx, target.ID)
		if err != nil {
			return nil, nil, err
		}
		held.add(unlock)

		if err := e.mergeTx(ctx, tx, t, p.Patch()); err != nil {
			return nil, nil, err
		}
		return &domain.Outcome{
			Kind:       domain.OutcomeMergedIntoTemplate,
			TemplateID: t.ID,
			Match:      match,
			Distance:   distance,
		}, t, nil
	}

	t := e.newTemplate(p)
	if err := tx.Templates.Create(ctx, t); err != nil {
		return nil, nil, err
	}
	return &domain.Outcome{
		Kind:       domain.OutcomeNewTemplate,
		TemplateID: t.ID,
		Match:      domain.MatchNone,
		Created:    true,
	}, t, nil
}

func (e *Engine) resolveVariant(ctx context.Context, tx *repository.Store, p *candidate, held *releaser) (*domain.Outcome, error) {
	var ownerID string
	match := domain.MatchNone
	var distance *int

	if p.TemplateHint != "" {
		t, err := tx.Templates.GetByID(ctx, p.TemplateHint)
		switch {
		case err == nil:
			ownerID, match = t.ID, domain.MatchTemplateHint
		case errors.Is(err, domain.ErrNotFound):
			e.log(ctx).WithField("template_hint", p.TemplateHint).Debug("Template hint did not resolve")
		default:
			return nil, fmt.Errorf("failed to look up template hint: %w", err)
		}
	}

	if ownerID == "" {
		t, m, err := e.identityMatch(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		if t != nil {
			ownerID, match = t.ID, m
		}
	}

	if ownerID == "" && p.phash != nil {
		id, d, err := e.perceptualMatch(ctx, tx, *p.phash)
		if err != nil {
			return nil, err
		}
		if id != "" {
			ownerID, match, distance = id, domain.MatchPerceptual, &d
		}
	}

	if ownerID == "" {
		return nil, &domain.NoTemplateForVariantError{TemplateHint: p.TemplateHint}
	}

	owner, unlock, err := e.lockTemplate(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}
	held.add(unlock)

	v, created, err := e.attachTx(ctx, tx, owner, p)
	if err != nil {
		return nil, err
	}
	if !created {
		match = domain.MatchVariantText
	}
	return &domain.Outcome{
		Kind:       domain.OutcomeAttachedVariant,
		TemplateID: owner.ID,
		VariantID:  v.ID,
		Match:      match,
		Distance:   distance,
		Created:    created,
	}, nil
}

func (e *Engine) newTemplate(p *candidate) *domain.Template {
	now := e.now()
	t := &domain.Template{
		ID:             uuid.NewString(),
		Source:         domain.StringPtr(p.Source),
		SourceID:       domain.StringPtr(p.SourceID),
		URL:            domain.StringPtr(p.URL),
		AssetKey:       domain.NormalizeText(p.AssetKey),
		PerceptualHash: domain.StringPtr(p.PerceptualHash),
		Title:          domain.NormalizeText(p.Title),
		Caption:        domain.NormalizeText(p.Caption),
		Tags:           domain.StringArray(p.Tags),
		ContentType:    domain.NormalizeText(p.ContentType),
		Width:          p.Width,
		Height:         p.Height,
		FileSize:       p.FileSize,
		ExtractedText:  domain.NormalizeText(p.ExtractedText),
		Metadata:       domain.JSONMap(p.Metadata),
		Status:         domain.TemplateStatusDiscovered,
		IsTemplate:     true,
		DiscoveredAt:   now,
	}
	if p.DiscoveredAt != nil {
		t.DiscoveredAt = p.DiscoveredAt.UTC()
	}
	setEmbeddings(t, p.TextEmbedding, p.ImageEmbedding, domain.StringPtr(p.EmbeddingModel), now)
	if len(p.Metadata) > 0 {
		t.MergeLog = domain.ProvenanceLog{{Source: provenanceSource(p.Source), Keys: sortedKeys(p.Metadata), MergedAt: now}}
	}
	return t
}

func provenanceSource(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// errorClass labels err for metrics.
func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidCandidate):
		return "invalid_candidate"
	case errors.Is(err, domain.ErrHashComputation):
		return "hash_computation"
	case errors.Is(err, domain.ErrNoTemplateForVariant):
		return "no_template_for_variant"
	case errors.Is(err, domain.ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
