package repository

import (
	"context"
	"time"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/hashing"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateRepository handles template rows.
type TemplateRepository struct {
	db         *gorm.DB
	bucketBits int
}

// PerceptualRow is the projection scanned by near-duplicate matching.
type PerceptualRow struct {
	ID             string
	PerceptualHash string
	SampleCount    int
	CreatedAt      time.Time
}

// Create refreshes derived hashes and inserts t. A lost race on source or
// url_hash returns a DuplicateKeyError.
func (r *TemplateRepository) Create(ctx context.Context, t *domain.Template) error {
	if err := hashing.RefreshTemplate(t, r.bucketBits); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(t).Error
	return translateError(err, "idx_templates_source|idx_templates_url_hash")
}

// Save refreshes derived hashes and writes every column of t.
func (r *TemplateRepository) Save(ctx context.Context, t *domain.Template) error {
	if err := hashing.RefreshTemplate(t, r.bucketBits); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Save(t).Error
	return translateError(err, "idx_templates_url_hash")
}

// GetByID retrieves a template by id.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translateError(err, "")
	}
	return &t, nil
}

// GetForUpdate retrieves a template and row-locks it until the transaction ends.
// The sqlite dialect drops the locking clause.
func (r *TemplateRepository) GetForUpdate(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&t, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err, "")
	}
	return &t, nil
}

// FindBySource looks up a template by provenance keys.
func (r *TemplateRepository) FindBySource(ctx context.Context, source, sourceID string) (*domain.Template, error) {
	var t domain.Template
	err := r.db.WithContext(ctx).
		Where("source = ? AND source_id = ?", source, sourceID).
		First(&t).Error
	if err != nil {
		return nil, translateError(err, "")
	}
	return &t, nil
}

// FindByURLHash looks up a template by url digest.
func (r *TemplateRepository) FindByURLHash(ctx context.Context, urlHash string) (*domain.Template, error) {
	var t domain.Template
	if err := r.db.WithContext(ctx).First(&t, "url_hash = ?", urlHash).Error; err != nil {
		return nil, translateError(err, "")
	}
	return &t, nil
}

// ListByPerceptualHash returns templates whose canonical phash equals hash.
func (r *TemplateRepository) ListByPerceptualHash(ctx context.Context, hash string) ([]domain.Template, error) {
	var templates []domain.Template
	err := r.db.WithContext(ctx).
		Where("perceptual_hash = ?", hash).
		Order("sample_count DESC, created_at ASC, id ASC").
		Find(&templates).Error
	return templates, err
}

// PerceptualRows returns the phash projection of every template that has one.
func (r *TemplateRepository) PerceptualRows(ctx context.Context) ([]PerceptualRow, error) {
	var rows []PerceptualRow
	err := r.db.WithContext(ctx).
		Model(&domain.Template{}).
		Select("id, perceptual_hash, sample_count, created_at").
		Where("perceptual_hash IS NOT NULL").
		Scan(&rows).Error
	return rows, err
}

// FindByIDs loads templates by id. Missing ids are skipped; order is unspecified.
func (r *TemplateRepository) FindByIDs(ctx context.Context, ids []string) ([]domain.Template, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var templates []domain.Template
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&templates).Error
	return templates, err
}

// ListTemplates returns every is_template row in creation order.
func (r *TemplateRepository) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	var templates []domain.Template
	err := r.db.WithContext(ctx).
		Where("is_template = ?", true).
		Order("created_at ASC, id ASC").
		Find(&templates).Error
	return templates, err
}

// EachWithEmbeddings visits templates carrying any embedding, batchSize rows at a time.
func (r *TemplateRepository) EachWithEmbeddings(ctx context.Context, batchSize int, fn func([]domain.Template) error) error {
	var batch []domain.Template
	return r.db.WithContext(ctx).
		Where("text_embedding IS NOT NULL OR image_embedding IS NOT NULL").
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
}

// UpdateStatus sets the status column only.
func (r *TemplateRepository) UpdateStatus(ctx context.Context, id string, status domain.TemplateStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.Template{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// Delete removes a template. Variants go with it through the foreign key.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.Template{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the number of template rows.
func (r *TemplateRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Template{}).Count(&n).Error
	return n, err
}
