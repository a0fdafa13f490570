// Package hashing derives the url and text hashes stored alongside templates and variants.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"github.com/timmy/memedex/internal/domain"
)

// Digest returns the lowercase hex sha256 of value. field names the column for errors.
func Digest(field, value string) (string, error) {
	if !utf8.ValidString(value) {
		return "", &domain.HashComputationError{Field: field, Reason: "value is not valid UTF-8"}
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:]), nil
}

// digestOptional hashes an optional value; a nil or blank value clears the hash.
func digestOptional(field string, value *string) (*string, error) {
	if domain.IsBlank(value) {
		return nil, nil
	}
	h, err := Digest(field, *value)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// RefreshTemplate recomputes every derived column of t from its source fields.
// It runs before each insert and update so a stale hash is never committed.
func RefreshTemplate(t *domain.Template, bucketBits int) error {
	t.ExtractedText = domain.NormalizeText(t.ExtractedText)

	urlHash, err := digestOptional("url", t.URL)
	if err != nil {
		return err
	}
	textHash, err := digestOptional("extracted_text", t.ExtractedText)
	if err != nil {
		return err
	}

	t.PerceptualHash = domain.NormalizeText(t.PerceptualHash)
	var bucket *int
	if t.PerceptualHash != nil {
		h, err := ParsePerceptualHash(*t.PerceptualHash)
		if err != nil {
			return err
		}
		s := FormatPerceptualHash(h)
		b := Bucket(h, bucketBits)
		t.PerceptualHash = &s
		bucket = &b
	}

	t.URLHash = urlHash
	t.TextHash = textHash
	t.PHashBucket = bucket
	return nil
}

// RefreshVariant recomputes the text hash of v from its overlay text.
func RefreshVariant(v *domain.Variant) error {
	v.OverlayText = domain.NormalizeText(v.OverlayText)
	h, err := digestOptional("overlay_text", v.OverlayText)
	if err != nil {
		return err
	}
	v.TextHash = h
	return nil
}
