package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/source"
)

// IngestService feeds candidates from a source through the engine with a worker pool.
type IngestService struct {
	engine    *Engine
	logger    *logger.Logger
	workers   int
	batchSize int
}

// IngestConfig holds configuration for the ingest service
type IngestConfig struct {
	Workers   int
	BatchSize int
}

// NewIngestService creates a new ingest service
func NewIngestService(engine *Engine, log *logger.Logger, cfg *IngestConfig) *IngestService {
	workers, batchSize := cfg.Workers, cfg.BatchSize
	if workers < 1 {
		workers = 1
	}
	if batchSize < 1 {
		batchSize = 100
	}
	return &IngestService{engine: engine, logger: log, workers: workers, batchSize: batchSize}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *IngestService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// IngestStats holds statistics for an ingestion run
type IngestStats struct {
	TotalItems      int64
	NewTemplates    int64
	MergedTemplates int64
	AttachedItems   int64
	IdempotentItems int64
	FailedItems     int64
	StartTime       time.Time
	EndTime         time.Time
}

// IngestFromSource resolves up to limit candidates from src. Within each batch,
// template candidates are resolved before variant candidates so that a variant
// can find a template discovered alongside it.
func (s *IngestService) IngestFromSource(ctx context.Context, src source.Source, limit int) (*IngestStats, error) {
	stats := &IngestStats{StartTime: time.Now()}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldSource: src.GetSourceID(),
		"limit":            limit,
		"workers":          s.workers,
	}).Info("Starting ingestion")

	cursor := ""
	totalFetched := 0
	var fetchErr error
	for ctx.Err() == nil {
		batchLimit := s.batchSize
		if limit > 0 {
			remaining := limit - totalFetched
			if remaining <= 0 {
				break
			}
			if batchLimit > remaining {
				batchLimit = remaining
			}
		}

		items, nextCursor, err := src.FetchBatch(ctx, cursor, batchLimit)
		if err != nil {
			fetchErr = fmt.Errorf("failed to fetch batch at cursor %q: %w", cursor, err)
			break
		}
		if len(items) == 0 {
			break
		}
		atomic.AddInt64(&stats.TotalItems, int64(len(items)))
		totalFetched += len(items)

		var templates, variants []domain.Candidate
		for _, item := range items {
			if item.Kind == domain.CandidateVariant {
				variants = append(variants, item)
			} else {
				templates = append(templates, item)
			}
		}
		s.runPool(ctx, templates, stats)
		s.runPool(ctx, variants, stats)

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	stats.EndTime = time.Now()
	s.log(ctx).WithFields(logger.Fields{
		"total":      stats.TotalItems,
		"new":        stats.NewTemplates,
		"merged":     stats.MergedTemplates,
		"attached":   stats.AttachedItems,
		"idempotent": stats.IdempotentItems,
		"failed":     stats.FailedItems,
		"duration":   stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Ingestion completed")

	if fetchErr != nil {
		return stats, fetchErr
	}
	return stats, ctx.Err()
}

type processResult struct {
	sourceID string
	outcome  *domain.Outcome
	err      error
}

// runPool resolves items with s.workers goroutines and folds the outcomes into stats.
func (s *IngestService) runPool(ctx context.Context, items []domain.Candidate, stats *IngestStats) {
	if len(items) == 0 {
		return
	}
	itemsChan := make(chan *domain.Candidate, s.workers*2)
	resultsChan := make(chan *processResult, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, itemsChan, resultsChan)
		}()
	}

	done := make(chan struct{})
	go func() {
		for result := range resultsChan {
			s.record(ctx, stats, result)
		}
		close(done)
	}()

feed:
	for i := range items {
		select {
		case itemsChan <- &items[i]:
		case <-ctx.Done():
			break feed
		}
	}
	close(itemsChan)
	wg.Wait()
	close(resultsChan)
	<-done
}

func (s *IngestService) worker(ctx context.Context, items <-chan *domain.Candidate, results chan<- *processResult) {
	for item := range items {
		if ctx.Err() != nil {
			return
		}
		out, err := s.engine.Resolve(ctx, item)
		results <- &processResult{sourceID: item.SourceID, outcome: out, err: err}
	}
}

func (s *IngestService) record(ctx context.Context, stats *IngestStats, result *processResult) {
	if result.err != nil {
		atomic.AddInt64(&stats.FailedItems, 1)
		entry := s.log(ctx).WithField("source_id", result.sourceID).WithError(result.err)
		if errors.Is(result.err, domain.ErrNoTemplateForVariant) || errors.Is(result.err, domain.ErrInvalidCandidate) {
			entry.Warn("Rejected candidate")
		} else {
			entry.Error("Failed to resolve candidate")
		}
		return
	}
	switch result.outcome.Kind {
	case domain.OutcomeNewTemplate:
		atomic.AddInt64(&stats.NewTemplates, 1)
	case domain.OutcomeMergedIntoTemplate:
		atomic.AddInt64(&stats.MergedTemplates, 1)
	case domain.OutcomeAttachedVariant:
		if result.outcome.Created {
			atomic.AddInt64(&stats.AttachedItems, 1)
		} else {
			atomic.AddInt64(&stats.IdempotentItems, 1)
		}
	}
}
