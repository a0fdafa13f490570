package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestNewJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Options{Level: "debug", Output: &buf, ServiceName: "test"})
	l.WithField(FieldTemplateID, "t1").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "service", FieldTemplateID} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing key %q in %v", key, line)
		}
	}
	if line["message"] != "hello" {
		t.Errorf("message = %v, want hello", line["message"])
	}
}

func TestContextCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Options{Output: &buf})
	ctx := base.WithContext(context.Background())
	ctx = SetRequestID(ctx, "req-1")
	ctx = SetComponent(ctx, "resolver")

	if got := GetRequestID(ctx); got != "req-1" {
		t.Fatalf("GetRequestID = %q, want req-1", got)
	}
	if got := GetFieldString(ctx, FieldComponent); got != "resolver" {
		t.Fatalf("component = %q, want resolver", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Fatalf("background ctx request id = %q, want empty", got)
	}
}

func TestSetDefaultLoggerIgnoresNil(t *testing.T) {
	before := GetDefault()
	SetDefaultLogger(nil)
	if GetDefault() != before {
		t.Fatal("nil replaced the default logger")
	}
}
