package domain

// TemplateSamples is one row of the samples view: a template and its overlay texts
// in attachment order.
type TemplateSamples struct {
	ID           string   `json:"id"`
	AssetKey     *string  `json:"asset_key,omitempty"`
	AssetURL     string   `json:"asset_url,omitempty"`
	Title        *string  `json:"title,omitempty"`
	FilmName     *string  `json:"film_name,omitempty"`
	SampleCount  int      `json:"sample_count"`
	OverlayTexts []string `json:"overlay_texts"`
}

// PerceptualMatch is a template within Hamming distance of a query hash.
type PerceptualMatch struct {
	Template Template `json:"template"`
	Distance int      `json:"distance"`
}

// EmbeddingSpace selects which embedding a similarity query searches.
type EmbeddingSpace string

const (
	SpaceImage EmbeddingSpace = "image"
	SpaceText  EmbeddingSpace = "text"
)

// Valid reports whether s names a known space.
func (s EmbeddingSpace) Valid() bool {
	return s == SpaceImage || s == SpaceText
}

// EmbeddingMatch is a template ranked by cosine similarity.
type EmbeddingMatch struct {
	Template Template `json:"template"`
	Score    float32  `json:"score"`
}
