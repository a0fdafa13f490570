package domain

import "time"

// Variant is one overlay-text rendition of a Template. It cannot outlive its Template.
type Variant struct {
	ID          string  `gorm:"type:text;primaryKey" json:"id"`
	TemplateID  string  `gorm:"type:text;not null;uniqueIndex:idx_variants_template_text,priority:1" json:"template_id"`
	Source      *string `gorm:"type:text" json:"source,omitempty"`
	SourceID    *string `gorm:"type:text" json:"source_id,omitempty"`
	OriginalURL *string `gorm:"type:text" json:"original_url,omitempty"`

	OverlayText   *string  `gorm:"type:text" json:"overlay_text,omitempty"`
	TextHash      *string  `gorm:"type:text;uniqueIndex:idx_variants_template_text,priority:2" json:"text_hash,omitempty"`
	OCRConfidence *float64 `gorm:"column:ocr_confidence" json:"ocr_confidence,omitempty"`

	VariantMetadata JSONMap       `gorm:"type:text" json:"variant_metadata"`
	Status          VariantStatus `gorm:"type:text;not null" json:"status"`

	// AttachSeq is the 1-based attachment order within the owning template.
	AttachSeq int64 `gorm:"not null" json:"attach_seq"`

	DiscoveredAt time.Time `json:"discovered_at"`
	CreatedAt    time.Time `gorm:"<-:create" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for Variant.
func (Variant) TableName() string {
	return "variants"
}
