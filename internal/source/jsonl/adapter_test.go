package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/timmy/memedex/internal/domain"
)

const manifest = `{"kind":"template","source":"tenor","source_id":"x1","url":"http://p/1.gif","perceptual_hash":"0000000000000000"}
# comment

{"kind":"variant","template_hint":"t1","overlay_text":"why though"}
not json
{"source_id":"y2","url":"http://p/2.gif"}
`

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	if err := os.WriteFile(path, []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAdapterParsesAndDefaults(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(writeManifest(t), "staging")

	items, skipped, err := a.Total(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if items != 3 || skipped != 1 {
		t.Fatalf("Total = %d items, %d skipped; want 3, 1", items, skipped)
	}

	batch, next, err := a.FetchBatch(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if next != "" {
		t.Fatalf("next cursor = %q, want empty", next)
	}
	if batch[1].Kind != domain.CandidateVariant || batch[1].Source != "staging" {
		t.Fatalf("variant defaults = %+v", batch[1])
	}
	if batch[2].Kind != domain.CandidateTemplate || batch[2].Source != "staging" {
		t.Fatalf("template defaults = %+v", batch[2])
	}
	if batch[0].Source != "tenor" {
		t.Fatalf("explicit source overwritten: %q", batch[0].Source)
	}
}

func TestAdapterPaging(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(writeManifest(t), "staging")

	var got []domain.Candidate
	cursor := ""
	for {
		batch, next, err := a.FetchBatch(ctx, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, batch...)
		if next == "" {
			break
		}
		cursor = next
	}
	if len(got) != 3 {
		t.Fatalf("paged %d items, want 3", len(got))
	}

	if _, _, err := a.FetchBatch(ctx, "abc", 2); err == nil {
		t.Fatal("expected invalid cursor error")
	}
}

func TestAdapterMissingFile(t *testing.T) {
	a := NewAdapter(filepath.Join(t.TempDir(), "nope.jsonl"), "x")
	if _, _, err := a.FetchBatch(context.Background(), "", 1); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
