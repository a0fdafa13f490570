package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine index. Vectors are normalized on insert
// so search reduces to an inner product.
type MemoryIndex struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32
}

// NewMemoryIndex creates an empty index for vectors of the given width.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{dimensions: dimensions, vectors: make(map[string][]float32)}, nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	if len(vector) != m.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vector), m.dimensions)
	}
	unit, ok := normalize(vector)
	if !ok {
		return fmt.Errorf("vector for %s has zero magnitude", id)
	}
	m.mu.Lock()
	m.vectors[id] = unit
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	unit, ok := normalize(query)
	if !ok || k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.vectors))
	for id, vec := range m.vectors {
		var dot float64
		for i := range vec {
			dot += float64(unit[i]) * float64(vec[i])
		}
		hits = append(hits, Hit{ID: id, Score: float32(dot)})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.vectors, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.vectors = make(map[string][]float32)
	m.mu.Unlock()
	return nil
}

// Size returns the number of stored vectors.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, false
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}
