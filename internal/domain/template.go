package domain

import (
	"strings"
	"time"
)

// Template is the canonical identity of a distinct meme image.
// Hash columns, sample_count and status are engine-derived and never written by callers.
type Template struct {
	ID       string  `gorm:"type:text;primaryKey" json:"id"`
	Source   *string `gorm:"type:text;index:idx_templates_source,unique" json:"source,omitempty"`
	SourceID *string `gorm:"type:text;index:idx_templates_source,unique" json:"source_id,omitempty"`
	URL      *string `gorm:"type:text" json:"url,omitempty"`
	URLHash  *string `gorm:"type:text;uniqueIndex:idx_templates_url_hash" json:"url_hash,omitempty"`
	AssetKey *string `gorm:"type:text" json:"asset_key,omitempty"`

	PerceptualHash *string `gorm:"type:text;index:idx_templates_phash" json:"perceptual_hash,omitempty"`
	PHashBucket    *int    `gorm:"column:phash_bucket;index:idx_templates_phash_bucket" json:"-"`

	SampleCount int `gorm:"not null;default:0" json:"sample_count"`

	Title       *string     `gorm:"type:text" json:"title,omitempty"`
	Caption     *string     `gorm:"type:text" json:"caption,omitempty"`
	Tags        StringArray `gorm:"type:text" json:"tags"`
	ContentType *string     `gorm:"type:text" json:"content_type,omitempty"`
	Width       *int        `json:"width,omitempty"`
	Height      *int        `json:"height,omitempty"`
	FileSize    *int64      `json:"file_size,omitempty"`

	ExtractedText *string `gorm:"type:text" json:"extracted_text,omitempty"`
	TextHash      *string `gorm:"type:text;index:idx_templates_text_hash" json:"text_hash,omitempty"`

	FilmName *string       `gorm:"type:text" json:"film_name,omitempty"`
	FilmYear *int          `json:"film_year,omitempty"`
	Director *string       `gorm:"type:text" json:"director,omitempty"`
	Cast     StringArray   `gorm:"type:text" json:"cast"`
	Dialogue *string       `gorm:"type:text" json:"dialogue,omitempty"`
	Emotions EmotionScores `gorm:"type:text" json:"emotions,omitempty"`

	TextEmbedding  Vector     `gorm:"type:text" json:"text_embedding,omitempty"`
	ImageEmbedding Vector     `gorm:"type:text" json:"image_embedding,omitempty"`
	EmbeddingModel *string    `gorm:"type:text" json:"embedding_model,omitempty"`
	EmbeddingDim   *int       `json:"embedding_dim,omitempty"`
	EmbeddedAt     *time.Time `json:"embedded_at,omitempty"`

	Metadata JSONMap       `gorm:"type:text" json:"metadata"`
	MergeLog ProvenanceLog `gorm:"type:text" json:"merge_log"`

	Status     TemplateStatus `gorm:"type:text;not null;index:idx_templates_status" json:"status"`
	IsTemplate bool           `gorm:"not null" json:"is_template"`

	DiscoveredAt time.Time `json:"discovered_at"`
	CreatedAt    time.Time `gorm:"<-:create" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Variants []Variant `gorm:"foreignKey:TemplateID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"variants,omitempty"`
}

// TableName returns the database table name for Template.
func (Template) TableName() string {
	return "templates"
}

// IsBlank reports whether an optional text value is absent or whitespace only.
func IsBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// NormalizeText maps blank text to nil so it is never stored or counted as overlay text.
func NormalizeText(s *string) *string {
	if IsBlank(s) {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	return NormalizeText(&s)
}
