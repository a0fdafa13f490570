package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Fields propagated through the call chain via context.
const (
	FieldRequestID  = "request_id"
	FieldComponent  = "component"
	FieldSource     = "source"
	FieldTemplateID = "template_id"
	FieldVariantID  = "variant_id"
	FieldMatch      = "match"
	FieldBucket     = "phash_bucket"
)

// Fields attached per log line for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldStatus     = "status"
	FieldSize       = "size"
	FieldCount      = "count"
	FieldAttempt    = "attempt"
)
