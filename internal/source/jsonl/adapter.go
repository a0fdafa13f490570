// Package jsonl reads candidate manifests written one JSON object per line.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/source"
)

// maxLineBytes bounds one manifest line; embeddings make lines long.
const maxLineBytes = 8 << 20

// Adapter implements source.Source over a JSONL manifest file.
type Adapter struct {
	path     string
	sourceID string
	items    []domain.Candidate
	skipped  int
	loaded   bool
}

var _ source.Source = (*Adapter)(nil)

// NewAdapter creates an adapter for the manifest at path. sourceID fills
// the source of candidates that carry none.
func NewAdapter(path, sourceID string) *Adapter {
	return &Adapter{path: path, sourceID: sourceID}
}

func (a *Adapter) GetSourceID() string {
	return a.sourceID
}

// FetchBatch pages through the manifest. The cursor is a line index.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.Candidate, string, error) {
	if err := a.load(ctx); err != nil {
		return nil, "", err
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}
	if start >= len(a.items) {
		return []domain.Candidate{}, "", nil
	}

	end := start + limit
	if limit <= 0 || end > len(a.items) {
		end = len(a.items)
	}
	next := ""
	if end < len(a.items) {
		next = strconv.Itoa(end)
	}
	return a.items[start:end], next, nil
}

// Total returns the number of parsed candidates and skipped lines.
func (a *Adapter) Total(ctx context.Context) (items, skipped int, err error) {
	if err := a.load(ctx); err != nil {
		return 0, 0, err
	}
	return len(a.items), a.skipped, nil
}

func (a *Adapter) load(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	if err := a.parse(ctx, f); err != nil {
		return err
	}
	a.loaded = true
	return nil
}

func (a *Adapter) parse(ctx context.Context, r io.Reader) error {
	a.items = []domain.Candidate{}
	a.skipped = 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var c domain.Candidate
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			a.skipped++
			logger.CtxWarn(ctx, "Skipping malformed manifest line %d: %v", lineNo, err)
			continue
		}
		if c.Source == "" {
			c.Source = a.sourceID
		}
		if c.Kind == "" {
			c.Kind = domain.CandidateTemplate
		}
		a.items = append(a.items, c)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}
	return nil
}
