//go:build integration

package gencache_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blockeeer/ai-hair-simulation/internal/gencache"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisTier_RoundTrip(t *testing.T) {
	client := newTestClient(t)
	prefix := "test:" + t.Name() + ":"
	tier := gencache.NewRedisTier(client, gencache.WithKeyPrefix(prefix))
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, prefix+"k") })

	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC().Truncate(time.Second)
	entry := gencache.Entry{Key: "k", ResultURL: "https://cdn/x.png", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, tier.Set(ctx, "k", entry, time.Minute))

	got, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ResultURL, got.ResultURL)
	assert.True(t, entry.ExpiresAt.Equal(got.ExpiresAt))

	ttl, err := client.TTL(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, tier.Delete(ctx, "k"))
	got, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_WithRedisTier(t *testing.T) {
	client := newTestClient(t)
	prefix := "test:" + t.Name() + ":"
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, prefix+"k") })

	c := gencache.New(nil, gencache.WithTier(gencache.NewRedisTier(client, gencache.WithKeyPrefix(prefix))))
	c.Put(ctx, "k", "https://cdn/y.png")

	got := c.Get(ctx, "k")
	require.NotNil(t, got)
	assert.Equal(t, "https://cdn/y.png", got.ResultURL)
}
