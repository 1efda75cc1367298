package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyBackend is a narrow key/value-with-TTL contract, split out of
// Storage so a TaskKey lookup can be served from a fast distributed cache
// in front of the durable store, without pulling Redis into every
// implementation.
type IdempotencyBackend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisIdempotencyBackend caches TaskKey -> task id lookups in Redis so
// repeat dispatches of the same idempotency key don't round-trip the
// durable store to discover the duplicate.
type RedisIdempotencyBackend struct {
	client *redis.Client
}

func NewRedisIdempotencyBackend(client *redis.Client) *RedisIdempotencyBackend {
	return &RedisIdempotencyBackend{client: client}
}

func (b *RedisIdempotencyBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.client.Set(ctx, "taskengine:idempotency:"+key, value, ttl).Err()
}

func (b *RedisIdempotencyBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, "taskengine:idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
