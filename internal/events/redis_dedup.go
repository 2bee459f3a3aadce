package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSetNX is the minimal client surface used by RedisDeduper.
type RedisSetNX interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisDeduper marks event ids in Redis with SET NX and a TTL, so all
// instances behind one Redis share the dedup window.
type RedisDeduper struct {
	client    RedisSetNX
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDeduper constructs a Redis-backed deduper.
func NewRedisDeduper(client RedisSetNX, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{
		client:    client,
		keyPrefix: "webhook:event:",
		ttl:       ttl,
	}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	claimed, err := d.client.SetNX(ctx, d.keyPrefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !claimed, nil
}
