package downstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_KeyAndDigestAndTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Mark(ctx, "k1", "d1"))

	seen, err := c.Seen(ctx, "k1", "d1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, _ = c.Seen(ctx, "k1", "d2")
	assert.False(t, seen, "changed content is not a hit")

	now = now.Add(time.Minute + time.Second)
	seen, _ = c.Seen(ctx, "k1", "d1")
	assert.False(t, seen, "expired")
}

func TestMemoryCache_OnlyLastDigestCounts(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	require.NoError(t, c.Mark(ctx, "k1", "a"))
	require.NoError(t, c.Mark(ctx, "k1", "b"))

	seen, _ := c.Seen(ctx, "k1", "a")
	assert.False(t, seen, "content went back to an earlier version")
	seen, _ = c.Seen(ctx, "k1", "b")
	assert.True(t, seen)
}

func TestMemoryCache_SweepsExpiredOnInterval(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10 * time.Second)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Mark(ctx, "old", "d"))
	now = now.Add(11 * time.Second)
	require.NoError(t, c.Mark(ctx, "new", "d"))
	assert.NotContains(t, c.entries, "old", "first write after the interval sweeps")

	require.NoError(t, c.Mark(ctx, "stale", "d"))
	now = now.Add(11 * time.Second)
	require.NoError(t, c.Mark(ctx, "x", "d"))
	assert.NotContains(t, c.entries, "stale")
	assert.Contains(t, c.entries, "x")

	// writes inside the interval leave the map alone
	now = now.Add(time.Second)
	c.entries["expired"] = memEntry{digest: "d", expires: now.Add(-time.Second)}
	require.NoError(t, c.Mark(ctx, "y", "d"))
	assert.Contains(t, c.entries, "expired")
}

func TestRedisCache(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set (integration test)")
	}
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	c := NewRedisCache(client, time.Minute)
	key := uuid.NewString()

	seen, err := c.Seen(ctx, key, "d1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.Mark(ctx, key, "d1"))
	seen, err = c.Seen(ctx, key, "d1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, c.Mark(ctx, key, "d2"))
	seen, err = c.Seen(ctx, key, "d1")
	require.NoError(t, err)
	assert.False(t, seen, "only the last applied digest is a hit")

	ttl, err := client.TTL(ctx, cacheKey(key)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
