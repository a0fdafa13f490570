package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/memedex/internal/bootstrap"
	"github.com/timmy/memedex/internal/config"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/service"
	"github.com/timmy/memedex/internal/source/jsonl"
)

func main() {
	manifest := flag.String("manifest", "", "Path to a JSONL candidate manifest")
	sourceID := flag.String("source", "manifest", "Source label for candidates that carry none")
	limit := flag.Int("limit", 0, "Maximum number of candidates to ingest (0 = all)")
	export := flag.Bool("export", false, "Upload the samples view to object storage afterwards")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := bootstrap.NewLogger(&cfg.Log, "memedex-ingest")
	defer func() { _ = logger.Sync() }()

	if *manifest == "" {
		appLogger.Fatal("-manifest is required")
	}

	ctx, cancel := context.WithCancel(appLogger.WithContext(context.Background()))
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer app.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	ingestService := service.NewIngestService(app.Engine, appLogger, &service.IngestConfig{
		Workers:   cfg.Ingest.Workers,
		BatchSize: cfg.Ingest.BatchSize,
	})

	src := jsonl.NewAdapter(*manifest, *sourceID)
	stats, err := ingestService.IngestFromSource(ctx, src, *limit)
	if err != nil {
		appLogger.WithError(err).Error("Ingestion stopped early")
	}
	if _, skipped, terr := src.Total(ctx); terr == nil && skipped > 0 {
		appLogger.WithField("skipped", skipped).Warn("Manifest contained malformed lines")
	}
	if stats != nil {
		appLogger.WithFields(logger.Fields{
			"total":      stats.TotalItems,
			"new":        stats.NewTemplates,
			"merged":     stats.MergedTemplates,
			"attached":   stats.AttachedItems,
			"idempotent": stats.IdempotentItems,
			"failed":     stats.FailedItems,
		}).Info("Ingestion summary")
	}

	if *export {
		res, err := app.Engine.ExportSamples(ctx, cfg.Storage.Prefix)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to export samples view")
		}
		appLogger.WithFields(logger.Fields{
			"key":       res.Key,
			"url":       res.URL,
			"templates": res.Templates,
		}).Info("Exported samples view")
	}
}
