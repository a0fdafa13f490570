// Package vector holds the embedding indexes queried for template similarity.
package vector

import "context"

// Index stores one embedding per template id and answers cosine top-k queries.
// Implementations must treat Upsert of an existing id as a replace.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32) error
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Delete(ctx context.Context, id string) error
	// Reset drops every stored vector.
	Reset(ctx context.Context) error
	Close() error
}

// Hit is one search result; Score is cosine similarity in [-1,1].
type Hit struct {
	ID    string
	Score float32
}
