package downstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultAppliedTTL = 24 * time.Hour

// AppliedCache remembers, per idempotency key, the digest of the content
// last applied to the graph. Seen is true only when that digest matches,
// so a retried event skips work but a change back to older content does
// not. A miss only costs a repeated idempotent PUT.
type AppliedCache interface {
	Seen(ctx context.Context, key, digest string) (bool, error)
	Mark(ctx context.Context, key, digest string) error
}

func cacheKey(key string) string { return "applied:" + key }

type memEntry struct {
	digest  string
	expires time.Time
}

// MemoryCache is a process-local AppliedCache.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]memEntry
	nextSweep time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultAppliedTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memEntry)}
}

func (c *MemoryCache) Seen(_ context.Context, key, digest string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return false, nil
	}
	return e.digest == digest, nil
}

func (c *MemoryCache) Mark(_ context.Context, key, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = memEntry{digest: digest, expires: now.Add(c.ttl)}
	if now.After(c.nextSweep) {
		c.sweep(now)
	}
	return nil
}

// sweep drops expired entries. It runs at most once per sweepInterval so
// the cost stays off the per-operation path.
func (c *MemoryCache) sweep(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.nextSweep = now.Add(c.sweepInterval())
}

func (c *MemoryCache) sweepInterval() time.Duration {
	return min(c.ttl, time.Minute)
}

// RedisCache shares applied keys across worker processes. Each key holds
// the last applied digest with the TTL refreshed on every write.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultAppliedTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Seen(ctx context.Context, key, digest string) (bool, error) {
	got, err := c.client.Get(ctx, cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == digest, nil
}

func (c *RedisCache) Mark(ctx context.Context, key, digest string) error {
	return c.client.Set(ctx, cacheKey(key), digest, c.ttl).Err()
}
