package memory

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PageCache memoizes rendered leaderboard pages with a TTL, used when no
// shared cache is configured. Rebuilds invalidate by key prefix; anything
// missed expires within one TTL.
type PageCache struct {
	ttl   time.Duration
	clock func() time.Time
	rnd   *rand.Rand

	mu    sync.RWMutex
	pages map[string]cachedPage
}

type cachedPage struct {
	payload   []byte
	expiresAt time.Time
}

func NewPageCache(ttl time.Duration) *PageCache {
	return NewPageCacheWithClock(ttl, time.Now)
}

// NewPageCacheWithClock allows deterministic expiry in tests.
func NewPageCacheWithClock(ttl time.Duration, clock func() time.Time) *PageCache {
	return &PageCache{
		ttl:   ttl,
		clock: clock,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		pages: make(map[string]cachedPage),
	}
}

func (c *PageCache) Get(_ context.Context, key string) ([]byte, bool) {
	now := c.clock()
	c.mu.RLock()
	entry, ok := c.pages[key]
	c.mu.RUnlock()
	if !ok || !entry.expiresAt.After(now) {
		return nil, false
	}
	return entry.payload, true
}

func (c *PageCache) Put(_ context.Context, key string, payload []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.pages[key] = cachedPage{
		payload:   payload,
		expiresAt: c.clock().Add(c.ttlWithJitter()),
	}
	c.mu.Unlock()
}

func (c *PageCache) Invalidate(_ context.Context, prefix string) {
	c.mu.Lock()
	for key := range c.pages {
		if strings.HasPrefix(key, prefix) {
			delete(c.pages, key)
		}
	}
	c.mu.Unlock()
}

func (c *PageCache) ttlWithJitter() time.Duration {
	// up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
