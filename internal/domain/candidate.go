package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// CandidateKind says whether a producer discovered a template or a variant of one.
type CandidateKind string

const (
	CandidateTemplate CandidateKind = "template"
	CandidateVariant  CandidateKind = "variant"
)

// Candidate is one discovery handed to the resolver with fingerprints already computed.
type Candidate struct {
	Kind     CandidateKind `json:"kind" validate:"required,oneof=template variant"`
	Source   string        `json:"source" validate:"required_with=SourceID,max=64"`
	SourceID string        `json:"source_id" validate:"max=256"`
	URL      string        `json:"url" validate:"max=2048"`

	// TemplateHint names the presumed owner of a variant. It is not trusted.
	TemplateHint   string `json:"template_hint,omitempty"`
	PerceptualHash string `json:"perceptual_hash,omitempty"`

	OverlayText   *string  `json:"overlay_text,omitempty"`
	OCRConfidence *float64 `json:"ocr_confidence,omitempty"`
	ExtractedText *string  `json:"extracted_text,omitempty"`

	Title       *string  `json:"title,omitempty"`
	Caption     *string  `json:"caption,omitempty"`
	Tags        []string `json:"tags,omitempty" validate:"dive,max=128"`
	ContentType *string  `json:"content_type,omitempty"`
	Width       *int     `json:"width,omitempty" validate:"omitempty,gte=0"`
	Height      *int     `json:"height,omitempty" validate:"omitempty,gte=0"`
	FileSize    *int64   `json:"file_size,omitempty" validate:"omitempty,gte=0"`
	AssetKey    *string  `json:"asset_key,omitempty"`

	TextEmbedding  []float32 `json:"text_embedding,omitempty"`
	ImageEmbedding []float32 `json:"image_embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	DiscoveredAt *time.Time            `json:"discovered_at,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

var validate = validator.New()

// Validate checks the candidate's shape. Fingerprint syntax is checked later by hashing.
func (c *Candidate) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return nil
}

// Patch converts the descriptive part of a template candidate into an enrichment patch,
// used when the candidate is merged into an existing template.
func (c *Candidate) Patch() *EnrichmentPatch {
	p := &EnrichmentPatch{
		Source:         c.Source,
		URL:            StringPtr(c.URL),
		PerceptualHash: StringPtr(c.PerceptualHash),
		AssetKey:       c.AssetKey,
		ExtractedText:  c.ExtractedText,
		Title:          c.Title,
		Caption:        c.Caption,
		Tags:           c.Tags,
		ContentType:    c.ContentType,
		Width:          c.Width,
		Height:         c.Height,
		FileSize:       c.FileSize,
		TextEmbedding:  c.TextEmbedding,
		ImageEmbedding: c.ImageEmbedding,
		Metadata:       c.Metadata,
	}
	if c.EmbeddingModel != "" {
		p.EmbeddingModel = StringPtr(c.EmbeddingModel)
	}
	if p.Source == "" {
		p.Source = "rediscovery"
	}
	return p
}
