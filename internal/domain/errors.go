package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. The typed errors below unwrap to them.
var (
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrNoTemplateForVariant = errors.New("no template for variant")
	ErrStateRegression      = errors.New("state regression")
	ErrHashComputation      = errors.New("hash computation failed")
	ErrIndexUnavailable     = errors.New("index unavailable")

	ErrNotFound         = errors.New("record not found")
	ErrInvalidCandidate = errors.New("invalid candidate")
	ErrInvalidPatch     = errors.New("invalid enrichment patch")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrInvalidQuery     = errors.New("invalid similarity query")
)

// DuplicateKeyError reports a lost race on a uniqueness constraint.
// The resolver recovers from it by re-running the cascade.
type DuplicateKeyError struct {
	Index string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplicate key on %s: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("duplicate key on %s", e.Index)
}

func (e *DuplicateKeyError) Unwrap() []error {
	return []error{ErrDuplicateKey, e.Err}
}

// NoTemplateForVariantError is returned when a variant candidate resolves to no template.
type NoTemplateForVariantError struct {
	TemplateHint string
}

func (e *NoTemplateForVariantError) Error() string {
	if e.TemplateHint != "" {
		return fmt.Sprintf("no template for variant: hint %q did not resolve", e.TemplateHint)
	}
	return "no template for variant: candidate names no resolvable template"
}

func (e *NoTemplateForVariantError) Unwrap() error { return ErrNoTemplateForVariant }

// StateRegressionError is returned for any status change other than a single step forward.
type StateRegressionError struct {
	EntityKind EntityKind
	EntityID   string
	From       string
	To         string
}

func (e *StateRegressionError) Error() string {
	return fmt.Sprintf("state regression: %s %s cannot move from %s to %s", e.EntityKind, e.EntityID, e.From, e.To)
}

func (e *StateRegressionError) Unwrap() error { return ErrStateRegression }

// HashComputationError is returned when a field cannot be hashed, e.g. non-UTF8 text.
type HashComputationError struct {
	Field  string
	Reason string
}

func (e *HashComputationError) Error() string {
	return fmt.Sprintf("hash computation failed for %s: %s", e.Field, e.Reason)
}

func (e *HashComputationError) Unwrap() error { return ErrHashComputation }

// IndexUnavailableError is returned when the similarity index cannot be queried.
type IndexUnavailableError struct {
	Index string
	Err   error
}

func (e *IndexUnavailableError) Error() string {
	return fmt.Sprintf("index %s unavailable: %v", e.Index, e.Err)
}

func (e *IndexUnavailableError) Unwrap() []error {
	return []error{ErrIndexUnavailable, e.Err}
}
