package domain

// OutcomeKind classifies what the resolver did with a candidate.
type OutcomeKind string

const (
	OutcomeNewTemplate        OutcomeKind = "new_template"
	OutcomeAttachedVariant    OutcomeKind = "attached_variant"
	OutcomeMergedIntoTemplate OutcomeKind = "merged_into_template"
)

// MatchKind names the cascade step that decided an outcome.
type MatchKind string

const (
	MatchNone         MatchKind = "none"
	MatchSourceID     MatchKind = "exact_source_id"
	MatchURLHash      MatchKind = "exact_url_hash"
	MatchVariantText  MatchKind = "exact_variant_text"
	MatchPerceptual   MatchKind = "perceptual"
	MatchTemplateHint MatchKind = "template_hint"
)

// Outcome is the result of resolving one candidate.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	TemplateID string      `json:"template_id"`
	VariantID  string      `json:"variant_id,omitempty"`
	Match      MatchKind   `json:"match"`
	// Distance is the Hamming distance for perceptual matches.
	Distance *int `json:"distance,omitempty"`
	// Created is false when the outcome points at a row that already existed.
	Created bool `json:"created"`
}
