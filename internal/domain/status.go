package domain

import "fmt"

// EntityKind names the record a status-advance request targets.
type EntityKind string

const (
	EntityTemplate EntityKind = "template"
	EntityVariant  EntityKind = "variant"
)

// TemplateStatus represents the processing status of a template.
// Values advance strictly in order: discovered, processed, enriched, indexed.
type TemplateStatus string

const (
	TemplateStatusDiscovered TemplateStatus = "discovered"
	TemplateStatusProcessed  TemplateStatus = "processed"
	TemplateStatusEnriched   TemplateStatus = "enriched"
	TemplateStatusIndexed    TemplateStatus = "indexed"
)

// VariantStatus represents the processing status of a variant.
type VariantStatus string

const (
	VariantStatusDiscovered VariantStatus = "variant_discovered"
	VariantStatusProcessed  VariantStatus = "variant_processed"
)

var templateStatusOrder = []TemplateStatus{
	TemplateStatusDiscovered,
	TemplateStatusProcessed,
	TemplateStatusEnriched,
	TemplateStatusIndexed,
}

var variantStatusOrder = []VariantStatus{
	VariantStatusDiscovered,
	VariantStatusProcessed,
}

// Rank returns the position of s in the template lifecycle, or -1 if s is unknown.
func (s TemplateStatus) Rank() int {
	for i, v := range templateStatusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Rank returns the position of s in the variant lifecycle, or -1 if s is unknown.
func (s VariantStatus) Rank() int {
	for i, v := range variantStatusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// CheckTransition validates a status move given lifecycle ranks.
// It returns changed=false for a same-state request, which callers treat as a no-op.
func CheckTransition(kind EntityKind, id, from, to string, fromRank, toRank int) (changed bool, err error) {
	if fromRank < 0 || toRank < 0 {
		return false, fmt.Errorf("%w: %s cannot move from %q to %q", ErrInvalidStatus, kind, from, to)
	}
	switch {
	case toRank == fromRank:
		return false, nil
	case toRank == fromRank+1:
		return true, nil
	default:
		return false, &StateRegressionError{EntityKind: kind, EntityID: id, From: from, To: to}
	}
}

// StatusAdvanceRequest is sent by OCR, enrichment and indexing collaborators.
type StatusAdvanceRequest struct {
	EntityID     string     `json:"entity_id" binding:"required" validate:"required"`
	EntityKind   EntityKind `json:"entity_kind" binding:"required" validate:"required,oneof=template variant"`
	TargetStatus string     `json:"target_status" binding:"required" validate:"required"`
}
