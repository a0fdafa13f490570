package domain

import "fmt"

// EnrichmentPatch carries fields from enrichment collaborators. Engine-derived
// fields (sample_count, hashes, status) are not part of the patch.
type EnrichmentPatch struct {
	// Source labels the provenance entry appended for this merge.
	Source string `json:"source" validate:"required,max=64"`

	URL            *string  `json:"url,omitempty"`
	PerceptualHash *string  `json:"perceptual_hash,omitempty"`
	AssetKey       *string  `json:"asset_key,omitempty"`
	ExtractedText  *string  `json:"extracted_text,omitempty"`
	Title          *string  `json:"title,omitempty"`
	Caption        *string  `json:"caption,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ContentType    *string  `json:"content_type,omitempty"`
	Width          *int     `json:"width,omitempty" validate:"omitempty,gte=0"`
	Height         *int     `json:"height,omitempty" validate:"omitempty,gte=0"`
	FileSize       *int64   `json:"file_size,omitempty" validate:"omitempty,gte=0"`

	FilmName *string       `json:"film_name,omitempty"`
	FilmYear *int          `json:"film_year,omitempty" validate:"omitempty,gte=1870,lte=2100"`
	Director *string       `json:"director,omitempty"`
	Cast     []string      `json:"cast,omitempty"`
	Dialogue *string       `json:"dialogue,omitempty"`
	Emotions EmotionScores `json:"emotions,omitempty"`

	TextEmbedding  []float32 `json:"text_embedding,omitempty"`
	ImageEmbedding []float32 `json:"image_embedding,omitempty"`
	EmbeddingModel *string   `json:"embedding_model,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate rejects malformed patches. dim is the configured embedding width; 0 disables the check.
func (p *EnrichmentPatch) Validate(dim int) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if err := p.Emotions.Validate(); err != nil {
		return err
	}
	if dim > 0 {
		if n := len(p.TextEmbedding); n > 0 && n != dim {
			return fmt.Errorf("%w: text embedding has %d dimensions, want %d", ErrInvalidPatch, n, dim)
		}
		if n := len(p.ImageEmbedding); n > 0 && n != dim {
			return fmt.Errorf("%w: image embedding has %d dimensions, want %d", ErrInvalidPatch, n, dim)
		}
	}
	return nil
}
