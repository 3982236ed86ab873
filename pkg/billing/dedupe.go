package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventCache is an optional fast-path seen-event check consulted before the
// store's idempotency lookup. A cache miss or error just falls through to the
// store; the ledger's unique provider event id stays the source of truth.
type EventCache interface {
	Seen(ctx context.Context, providerEventID string) (bool, error)
	MarkSeen(ctx context.Context, providerEventID string) error
}

const eventCacheKeyPrefix = "billing:event:"

// RedisEventCache implements EventCache on Redis with a TTL. The provider
// stops redelivering long before any reasonable TTL expires.
type RedisEventCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventCache creates an event cache. Panics on a nil client to fail
// fast during initialization.
func NewRedisEventCache(client *redis.Client, ttl time.Duration) *RedisEventCache {
	if client == nil {
		panic("billing: redis client is required")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEventCache{client: client, ttl: ttl}
}

func (c *RedisEventCache) Seen(ctx context.Context, providerEventID string) (bool, error) {
	n, err := c.client.Exists(ctx, eventCacheKeyPrefix+providerEventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisEventCache) MarkSeen(ctx context.Context, providerEventID string) error {
	return c.client.Set(ctx, eventCacheKeyPrefix+providerEventID, 1, c.ttl).Err()
}
