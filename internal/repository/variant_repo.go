package repository

import (
	"context"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/hashing"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VariantRepository handles variant rows.
type VariantRepository struct {
	db *gorm.DB
}

// Create refreshes the text hash, assigns the next attachment sequence and inserts v.
// A second variant with the same text under one template returns a DuplicateKeyError.
func (r *VariantRepository) Create(ctx context.Context, v *domain.Variant) error {
	if err := hashing.RefreshVariant(v); err != nil {
		return err
	}
	var last int64
	err := r.db.WithContext(ctx).
		Model(&domain.Variant{}).
		Where("template_id = ?", v.TemplateID).
		Select("COALESCE(MAX(attach_seq), 0)").
		Scan(&last).Error
	if err != nil {
		return err
	}
	v.AttachSeq = last + 1
	return translateError(r.db.WithContext(ctx).Create(v).Error, "idx_variants_template_text")
}

// GetByID retrieves a variant by id.
func (r *VariantRepository) GetByID(ctx context.Context, id string) (*domain.Variant, error) {
	var v domain.Variant
	if err := r.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, translateError(err, "")
	}
	return &v, nil
}

// GetForUpdate retrieves a variant and row-locks it until the transaction ends.
func (r *VariantRepository) GetForUpdate(ctx context.Context, id string) (*domain.Variant, error) {
	var v domain.Variant
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&v, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err, "")
	}
	return &v, nil
}

// FindByText looks up the variant of templateID with the given overlay text hash.
func (r *VariantRepository) FindByText(ctx context.Context, templateID, textHash string) (*domain.Variant, error) {
	var v domain.Variant
	err := r.db.WithContext(ctx).
		Where("template_id = ? AND text_hash = ?", templateID, textHash).
		First(&v).Error
	if err != nil {
		return nil, translateError(err, "")
	}
	return &v, nil
}

// ListByTemplate returns a template's variants in attachment order.
func (r *VariantRepository) ListByTemplate(ctx context.Context, templateID string) ([]domain.Variant, error) {
	var variants []domain.Variant
	err := r.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("attach_seq ASC").
		Find(&variants).Error
	return variants, err
}

// CountWithText counts variants of templateID carrying overlay text.
func (r *VariantRepository) CountWithText(ctx context.Context, templateID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&domain.Variant{}).
		Where("template_id = ? AND overlay_text IS NOT NULL", templateID).
		Count(&n).Error
	return n, err
}

// Representative returns the variant whose overlay text stands for the template:
// highest ocr_confidence (null lowest), then latest discovery, then latest attachment.
func (r *VariantRepository) Representative(ctx context.Context, templateID string) (*domain.Variant, error) {
	var v domain.Variant
	err := r.db.WithContext(ctx).
		Where("template_id = ? AND overlay_text IS NOT NULL", templateID).
		Order("CASE WHEN ocr_confidence IS NULL THEN 1 ELSE 0 END ASC").
		Order("ocr_confidence DESC").
		Order("discovered_at DESC").
		Order("attach_seq DESC").
		First(&v).Error
	if err != nil {
		return nil, translateError(err, "")
	}
	return &v, nil
}

// OverlayTexts returns non-null overlay texts per template, each in attachment order.
func (r *VariantRepository) OverlayTexts(ctx context.Context, templateIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(templateIDs))
	if len(templateIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		TemplateID  string
		OverlayText string
	}
	err := r.db.WithContext(ctx).
		Model(&domain.Variant{}).
		Select("template_id, overlay_text").
		Where("template_id IN ? AND overlay_text IS NOT NULL", templateIDs).
		Order("template_id ASC, attach_seq ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.TemplateID] = append(out[row.TemplateID], row.OverlayText)
	}
	return out, nil
}

// UpdateStatus sets the status column only.
func (r *VariantRepository) UpdateStatus(ctx context.Context, id string, status domain.VariantStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.Variant{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// DeleteByTemplate removes every variant of templateID.
func (r *VariantRepository) DeleteByTemplate(ctx context.Context, templateID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("template_id = ?", templateID).Delete(&domain.Variant{})
	return res.RowsAffected, res.Error
}
