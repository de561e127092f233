// utils/lock.go
package utils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock guards the settlement call so that two concurrent
// end/claim requests never drive the ledger twice for one ledgerRef.
type DistributedLock interface {
	// Acquire returns true when the lock was taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLock implements DistributedLock with SETNX.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, "1", ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, "lock:"+key).Err()
}
