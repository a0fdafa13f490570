package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/logger"
)

// TemplatesWithSamples returns every template with its overlay texts in attachment order.
func (e *Engine) TemplatesWithSamples(ctx context.Context) ([]domain.TemplateSamples, error) {
	templates, err := e.store.Templates.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	ids := make([]string, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
	}
	texts, err := e.store.Variants.OverlayTexts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list overlay texts: %w", err)
	}

	out := make([]domain.TemplateSamples, len(templates))
	for i, t := range templates {
		row := domain.TemplateSamples{
			ID:           t.ID,
			AssetKey:     t.AssetKey,
			Title:        t.Title,
			FilmName:     t.FilmName,
			SampleCount:  t.SampleCount,
			OverlayTexts: texts[t.ID],
		}
		if row.OverlayTexts == nil {
			row.OverlayTexts = []string{}
		}
		if e.assets != nil && t.AssetKey != nil {
			row.AssetURL = e.assets.GetURL(*t.AssetKey)
		}
		out[i] = row
	}
	return out, nil
}

// ExportResult describes an uploaded samples snapshot.
type ExportResult struct {
	Key       string `json:"key"`
	LatestKey string `json:"latest_key"`
	URL       string `json:"url"`
	Templates int    `json:"templates"`
	Bytes     int    `json:"bytes"`
}

// ExportSamples uploads the samples view as JSON under prefix, once timestamped and
// once as samples-latest.json.
func (e *Engine) ExportSamples(ctx context.Context, prefix string) (*ExportResult, error) {
	if e.assets == nil {
		return nil, errors.New("object storage is not configured")
	}
	rows, err := e.TemplatesWithSamples(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(struct {
		GeneratedAt time.Time                `json:"generated_at"`
		Templates   []domain.TemplateSamples `json:"templates"`
	}{GeneratedAt: e.now(), Templates: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to encode samples view: %w", err)
	}

	res := &ExportResult{
		Key:       path.Join(prefix, fmt.Sprintf("samples-%s.json", e.now().Format("20060102T150405Z"))),
		LatestKey: path.Join(prefix, "samples-latest.json"),
		Templates: len(rows),
		Bytes:     len(body),
	}
	for _, key := range []string{res.Key, res.LatestKey} {
		if key == res.Key {
			// Same-second reruns keep the first snapshot.
			if ok, err := e.assets.Exists(ctx, key); err == nil && ok {
				continue
			}
		}
		if err := e.assets.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}
	res.URL = e.assets.GetURL(res.Key)

	e.log(ctx).WithFields(logger.Fields{
		logger.FieldCount: res.Templates,
		"key":             res.Key,
	}).Info("Exported samples view")
	return res, nil
}
