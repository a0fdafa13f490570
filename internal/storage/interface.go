package storage

import (
	"context"
	"io"
)

// ObjectStorage is the subset of S3 operations the engine uses: exporting the
// samples view and rendering asset URLs.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	Exists(ctx context.Context, key string) (bool, error)
}
