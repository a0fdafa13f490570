// Package locks provides the advisory locks that serialise scan-decide-write
// sequences for one perceptual bucket or one template.
package locks

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock could not be taken before the deadline.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock. It is safe to call once.
type Unlock func()

// Locker grants exclusive access to a key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Chain acquires every locker in order and releases them in reverse.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, key string) (Unlock, error) {
	held := make([]Unlock, 0, len(c))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}
