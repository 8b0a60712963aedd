package redis

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// PageCache stores rendered leaderboard pages in Redis under their full
// parameter key with a short TTL. Redis being down only costs latency: every
// miss falls through to a rebuild, so lookups and writes are best-effort.
type PageCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPageCache(client *redis.Client, ttl time.Duration) *PageCache {
	return &PageCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *PageCache) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (c *PageCache) Put(ctx context.Context, key string, payload []byte) {
	if c.ttl <= 0 {
		return
	}
	_ = c.client.Set(ctx, key, payload, c.ttlWithJitter()).Err()
}

// Invalidate deletes cached pages under prefix. Best-effort like the writes:
// a failed delete means at most one TTL of staleness.
func (c *PageCache) Invalidate(ctx context.Context, prefix string) {
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if iter.Err() != nil || len(keys) == 0 {
		return
	}
	_ = c.client.Del(ctx, keys...).Err()
}

func (c *PageCache) ttlWithJitter() time.Duration {
	// up to 10% jitter to spread expirations; the global source is safe for
	// concurrent Puts
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(rand.Int63n(jitterMax+1))
}
