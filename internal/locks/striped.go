package locks

import (
	"context"
	"hash/fnv"
	"sync"
)

// Striped is an in-process Locker over a fixed set of stripes. Distinct keys
// may share a stripe; a key never maps to two.
type Striped struct {
	stripes []chan struct{}
}

// NewStriped creates n stripes; n < 1 means one.
func NewStriped(n int) *Striped {
	if n < 1 {
		n = 1
	}
	s := &Striped{stripes: make([]chan struct{}, n)}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *Striped) stripe(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// Lock blocks until the key's stripe is free or ctx is done.
func (s *Striped) Lock(ctx context.Context, key string) (Unlock, error) {
	return acquire(ctx, s.stripe(key))
}

// Keyed is an in-process Locker with one lock per distinct key, so a caller may
// hold several keys at once. Entries are never freed: use it for small key spaces
// such as perceptual buckets.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyed creates an empty Keyed locker.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx is done.
func (k *Keyed) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()
	return acquire(ctx, ch)
}

func acquire(ctx context.Context, ch chan struct{}) (Unlock, error) {
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
