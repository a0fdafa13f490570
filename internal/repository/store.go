package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/memedex/internal/domain"
	"gorm.io/gorm"
)

// bucketLockNamespace keeps bucket advisory lock keys away from other users of pg_advisory locks.
const bucketLockNamespace int64 = 0x6d656d65 << 20

// Store is the fingerprint store: templates, variants and their indexes.
// A Store returned inside Transaction is bound to that transaction.
type Store struct {
	db         *gorm.DB
	bucketBits int

	Templates *TemplateRepository
	Variants  *VariantRepository
}

// NewStore wraps db. bucketBits controls the stored perceptual bucket.
func NewStore(db *gorm.DB, bucketBits int) *Store {
	return &Store{
		db:         db,
		bucketBits: bucketBits,
		Templates:  &TemplateRepository{db: db, bucketBits: bucketBits},
		Variants:   &VariantRepository{db: db},
	}
}

// IsPostgres reports whether row locks and advisory locks are available.
func (s *Store) IsPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// Transaction runs fn in one database transaction. Any error rolls back every write.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx, s.bucketBits))
	})
	return translateError(err, "")
}

// LockBucket takes a transaction-scoped advisory lock on a perceptual bucket.
// It is a no-op outside postgres, where callers rely on in-process or Redis locks.
func (s *Store) LockBucket(ctx context.Context, bucket int) error {
	if !s.IsPostgres() {
		return nil
	}
	if err := s.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", bucketLockNamespace+int64(bucket)).Error; err != nil {
		return fmt.Errorf("failed to lock bucket %d: %w", bucket, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translateError maps gorm errors to the domain taxonomy.
func translateError(err error, index string) error {
	if err == nil {
		return nil
	}
	var dup *domain.DuplicateKeyError
	if errors.As(err, &dup) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		if index == "" {
			index = "unknown"
		}
		return &domain.DuplicateKeyError{Index: index, Err: err}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	}
	return err
}
