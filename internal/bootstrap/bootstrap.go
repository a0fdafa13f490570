// Package bootstrap wires configuration into a running Engine for the api and ingest commands.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/memedex/internal/config"
	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/locks"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/repository"
	"github.com/timmy/memedex/internal/service"
	"github.com/timmy/memedex/internal/storage"
	"github.com/timmy/memedex/internal/vector"
)

// App holds the wired components. Close releases every connection it opened.
type App struct {
	Engine  *service.Engine
	Store   *repository.Store
	Storage storage.ObjectStorage

	closers []io.Closer
}

// NewLogger builds the process logger from cfg and installs it as the default.
func NewLogger(cfg *config.LogConfig, fallbackService string) *logger.Logger {
	name := cfg.ServiceName
	if name == "" {
		name = fallbackService
	}
	l := logger.New(&logger.Options{
		Level:       cfg.Level,
		Format:      cfg.Format,
		ServiceName: name,
		File:        cfg.File,
		FileOnly:    cfg.FileOnly,
		MaxSizeMB:   cfg.MaxSizeMB,
		MaxBackups:  cfg.MaxBackups,
		MaxAgeDays:  cfg.MaxAgeDays,
		Compress:    cfg.Compress,
	})
	logger.SetDefaultLogger(l)
	return l
}

// New opens the database, lock backends, vector indexes and object storage named by cfg.
func New(ctx context.Context, cfg *config.Config) (app *App, err error) {
	app = &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()
	log := logger.FromContext(ctx)

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		app.closers = append(app.closers, sqlDB)
	}
	app.Store = repository.NewStore(db, cfg.Dedup.BucketBits)

	opts := []service.Option{}

	bucketLocks := locks.Chain{locks.NewKeyed()}
	if cfg.Locks.Backend == "redis" {
		rdb := redis.NewClient(redisOptions(&cfg.Redis))
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr(), err)
		}
		app.closers = append(app.closers, rdb)
		bucketLocks = append(bucketLocks, locks.NewRedis(rdb, "memedex:lock:", cfg.Dedup.LockTTL, cfg.Dedup.LockTTL))
		log.WithField("addr", cfg.Redis.Addr()).Info("Using Redis bucket locks")
	}
	opts = append(opts, service.WithBucketLocker(bucketLocks))

	indexes, err := app.openIndexes(ctx, cfg)
	if err != nil {
		return nil, err
	}
	for space, idx := range indexes {
		opts = append(opts, service.WithIndex(space, idx))
	}

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if objectStorage != nil {
		if s3, ok := objectStorage.(*storage.S3Storage); ok {
			if err := s3.EnsureBucket(ctx); err != nil {
				return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
			}
		}
		app.Storage = objectStorage
		opts = append(opts, service.WithAssetStorage(objectStorage))
	}

	app.Engine = service.NewEngine(app.Store, service.EngineConfig{
		PHashThreshold:  cfg.Dedup.PHashThreshold,
		BucketBits:      cfg.Dedup.BucketBits,
		MaxRetries:      cfg.Dedup.MaxRetries,
		TemplateStripes: cfg.Locks.Stripes,
		EmbeddingDim:    cfg.Vector.Dimensions,
	}, opts...)

	if cfg.Vector.RebuildOnStart && len(indexes) > 0 {
		if _, err := app.Engine.Rebuild(ctx); err != nil {
			return nil, fmt.Errorf("failed to rebuild vector indexes: %w", err)
		}
	}
	return app, nil
}

func (app *App) openIndexes(ctx context.Context, cfg *config.Config) (map[domain.EmbeddingSpace]vector.Index, error) {
	collections := map[domain.EmbeddingSpace]string{
		domain.SpaceImage: cfg.Vector.ImageCollection,
		domain.SpaceText:  cfg.Vector.TextCollection,
	}
	indexes := make(map[domain.EmbeddingSpace]vector.Index, len(collections))

	for space, collection := range collections {
		switch cfg.Vector.Backend {
		case "qdrant":
			repo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
				Host:            cfg.Qdrant.Host,
				Port:            cfg.Qdrant.Port,
				Collection:      collection,
				APIKey:          cfg.Qdrant.APIKey,
				UseTLS:          cfg.Qdrant.UseTLS,
				VectorDimension: cfg.Vector.Dimensions,
			})
			if err != nil {
				return nil, err
			}
			app.closers = append(app.closers, repo)
			if err := repo.EnsureCollection(ctx); err != nil {
				return nil, fmt.Errorf("failed to ensure qdrant collection %s: %w", collection, err)
			}
			indexes[space] = repo
		case "memory":
			idx, err := vector.NewMemoryIndex(cfg.Vector.Dimensions)
			if err != nil {
				return nil, err
			}
			indexes[space] = idx
		default:
			return nil, fmt.Errorf("unsupported vector backend %q", cfg.Vector.Backend)
		}
	}
	return indexes, nil
}

// Close releases connections in reverse order of opening.
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			logger.GetDefault().WithError(err).Warn("Failed to close resource")
		}
	}
	app.closers = nil
}

func redisOptions(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}
