package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringArray stores a string slice as a JSON column.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	return marshalColumn(a)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	return scanColumn(value, a, "StringArray")
}

// JSONMap stores free-form provider metadata as a JSON object column.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalColumn(m)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	return scanColumn(value, m, "JSONMap")
}

// EmotionScores maps an emotion label to its probability in [0,1].
type EmotionScores map[string]float64

// Value implements the driver.Valuer interface for database serialization.
func (e EmotionScores) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return marshalColumn(e)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (e *EmotionScores) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	return scanColumn(value, e, "EmotionScores")
}

// Validate reports the first probability outside [0,1].
func (e EmotionScores) Validate() error {
	for label, p := range e {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: emotion %q probability %v outside [0,1]", ErrInvalidPatch, label, p)
		}
	}
	return nil
}

// Vector is an embedding stored as a JSON float array. A nil Vector is stored as NULL.
type Vector []float32

// Value implements the driver.Valuer interface for database serialization.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return marshalColumn(v)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	return scanColumn(value, v, "Vector")
}

// ProvenanceEntry records one merge: who contributed which metadata keys and
// which empty fields it filled.
type ProvenanceEntry struct {
	Source   string    `json:"source"`
	Keys     []string  `json:"keys"`
	Fields   []string  `json:"fields,omitempty"`
	MergedAt time.Time `json:"merged_at"`
}

// ProvenanceLog is the append-only merge history of a template.
type ProvenanceLog []ProvenanceEntry

// Value implements the driver.Valuer interface for database serialization.
func (p ProvenanceLog) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	return marshalColumn(p)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (p *ProvenanceLog) Scan(value interface{}) error {
	if value == nil {
		*p = ProvenanceLog{}
		return nil
	}
	return scanColumn(value, p, "ProvenanceLog")
}

func marshalColumn(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanColumn(value interface{}, dest interface{}, name string) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan %s: unexpected type %T", name, value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
