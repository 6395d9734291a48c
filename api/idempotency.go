package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers processed idempotency keys in Redis so a retried
// mutation request is applied once even across gateway instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(ownerID, key string) string {
	return "idem:" + ownerID + ":" + key
}

// Add records the key and reports whether it was newly added. False means
// the same request was already processed.
func (r *RedisDeduper) Add(ctx context.Context, ownerID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(ownerID, key), 1, r.ttl).Result()
}

// Remove forgets a key so the client may retry after a rejected mutation.
func (r *RedisDeduper) Remove(ctx context.Context, ownerID, key string) error {
	return r.client.Del(ctx, r.key(ownerID, key)).Err()
}
