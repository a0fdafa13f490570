package locks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/memedex/internal/logger"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a distributed Locker using SET NX with an owner token.
// A lock expires after ttl even if its holder dies.
type Redis struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
}

// NewRedis creates a Redis locker. timeout bounds how long Lock retries.
func NewRedis(rdb redis.UniversalClient, keyPrefix string, ttl, timeout time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = "memedex:lock:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = ttl
	}
	return &Redis{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl, timeout: timeout}
}

// Lock retries with capped exponential backoff until acquired, timed out or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	lockKey := r.keyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.timeout)
	backoff := 5 * time.Millisecond

	for {
		ok, err := r.rdb.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 200*time.Millisecond {
				backoff = 200 * time.Millisecond
			}
		}
	}

	return func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, r.rdb, []string{lockKey}, token).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			logger.CtxWarn(ctx, "Failed to release lock %s: %v", lockKey, err)
			return
		}
		if n == 0 {
			logger.CtxWarn(ctx, "Lock %s expired before release", lockKey)
		}
	}, nil
}
