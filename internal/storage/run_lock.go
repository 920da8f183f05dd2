package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock is a Redis lease that keeps at most one run of a job active across processes
type RunLock struct {
	redis  *RedisCache
	prefix string
}

// NewRunLock creates a run lock with keys under prefix
func NewRunLock(redis *RedisCache, prefix string) *RunLock {
	if prefix == "" {
		prefix = "lock:job"
	}
	return &RunLock{redis: redis, prefix: prefix}
}

// Lease is a held lock; Release it when the run ends
type Lease struct {
	lock  *RunLock
	key   string
	token string
}

// releaseScript deletes the key only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAcquire takes the lock for name with a TTL. It returns nil, nil when
// another holder has it.
func (l *RunLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, name)
	token := uuid.New().String()

	ok, err := l.redis.Client().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{lock: l, key: key, token: token}, nil
}

// Release frees the lock if this lease still owns it
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, le.lock.redis.Client(), []string{le.key}, le.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", le.key, err)
	}
	return nil
}
