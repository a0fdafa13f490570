package source

import (
	"context"

	"github.com/timmy/memedex/internal/domain"
)

// Source yields candidates from one producer.
type Source interface {
	// GetSourceID returns the stable label stamped on candidates lacking one.
	GetSourceID() string

	// FetchBatch returns up to limit candidates after cursor. An empty
	// nextCursor means the source is exhausted.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []domain.Candidate, nextCursor string, err error)
}
