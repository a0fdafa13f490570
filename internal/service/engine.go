package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/memedex/internal/domain"
	"github.com/timmy/memedex/internal/hashing"
	"github.com/timmy/memedex/internal/locks"
	"github.com/timmy/memedex/internal/logger"
	"github.com/timmy/memedex/internal/metrics"
	"github.com/timmy/memedex/internal/repository"
	"github.com/timmy/memedex/internal/storage"
	"github.com/timmy/memedex/internal/vector"
)

// EngineConfig holds the dedup tunables.
type EngineConfig struct {
	PHashThreshold  int
	BucketBits      int
	MaxRetries      int
	// TemplateStripes sizes the in-process template locker; 0 means 256.
	TemplateStripes int
	// EmbeddingDim is the required embedding width; 0 disables the check.
	EmbeddingDim    int
}

// Engine classifies candidates and keeps templates, variants and indexes consistent.
type Engine struct {
	store         *repository.Store
	bucketLocks   locks.Locker
	templateLocks locks.Locker
	indexes       map[domain.EmbeddingSpace]vector.Index
	assets        storage.ObjectStorage
	cfg           EngineConfig
	now           func() time.Time

	// pending holds templates whose vector index write failed since the last Rebuild.
	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// Option customises an Engine.
type Option func(*Engine)

// WithBucketLocker replaces the in-process bucket locker, e.g. with a Redis-backed chain.
func WithBucketLocker(l locks.Locker) Option {
	return func(e *Engine) { e.bucketLocks = l }
}

// WithTemplateLocker replaces the in-process template locker.
func WithTemplateLocker(l locks.Locker) Option {
	return func(e *Engine) { e.templateLocks = l }
}

// WithIndex registers the vector index for one embedding space.
func WithIndex(space domain.EmbeddingSpace, idx vector.Index) Option {
	return func(e *Engine) { e.indexes[space] = idx }
}

// WithAssetStorage enables asset URLs in the samples view and view export.
func WithAssetStorage(s storage.ObjectStorage) Option {
	return func(e *Engine) { e.assets = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over store.
func NewEngine(store *repository.Store, cfg EngineConfig, opts ...Option) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.TemplateStripes < 1 {
		cfg.TemplateStripes = 256
	}
	e := &Engine{
		store:         store,
		bucketLocks:   locks.NewKeyed(),
		templateLocks: locks.NewStriped(cfg.TemplateStripes),
		indexes:       make(map[domain.EmbeddingSpace]vector.Index),
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
		pending:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PHashThreshold returns the configured near-duplicate distance.
func (e *Engine) PHashThreshold() int {
	return e.cfg.PHashThreshold
}

// Ping checks the fingerprint store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// lock acquires key on l and records the wait.
func lock(ctx context.Context, l locks.Locker, scope, key string) (locks.Unlock, error) {
	start := time.Now()
	unlock, err := l.Lock(ctx, key)
	metrics.LockWait.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s lock %s: %w", scope, key, err)
	}
	return unlock, nil
}

// allBuckets is the single lock key used when the near-duplicate radius spans
// every bucket.
const allBuckets = -1

// bucketsFor returns, ascending, every bucket that can hold a template within the
// threshold of h. Near-duplicate creators always share at least one of them.
func (e *Engine) bucketsFor(h uint64) []int {
	near := hashing.NeighbourBuckets(hashing.Bucket(h, e.cfg.BucketBits), e.cfg.BucketBits, e.cfg.PHashThreshold)
	if len(near) == hashing.BucketCount(e.cfg.BucketBits) {
		return []int{allBuckets}
	}
	return near
}

func bucketKey(b int) string {
	if b == allBuckets {
		return "bucket:all"
	}
	return fmt.Sprintf("bucket:%d", b)
}

// lockTemplate row-locks the template inside tx and serialises in-process writers to it.
// The returned unlock must run after the transaction finishes.
func (e *Engine) lockTemplate(ctx context.Context, tx *repository.Store, id string) (*domain.Template, locks.Unlock, error) {
	t, err := tx.Templates.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := lock(ctx, e.templateLocks, "template", id)
	if err != nil {
		return nil, nil, err
	}
	return t, unlock, nil
}

// releaser collects unlocks taken inside a transaction. release takes a pointer so a
// deferred call sees unlocks added after the defer.
type releaser []locks.Unlock

func (r *releaser) add(u locks.Unlock) { *r = append(*r, u) }

func (r *releaser) release() {
	for i := len(*r) - 1; i >= 0; i-- {
		(*r)[i]()
	}
	*r = nil
}

func (e *Engine) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithField(logger.FieldComponent, "engine")
}

// retry runs fn until it succeeds, fails with anything but a lost uniqueness race,
// or runs out of attempts.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, domain.ErrDuplicateKey) {
			return err
		}
		if attempt < e.cfg.MaxRetries {
			metrics.DuplicateKeyRetries.Inc()
			e.log(ctx).WithField(logger.FieldAttempt, attempt).WithError(err).Debug("Lost uniqueness race, retrying")
		}
	}
	return err
}
