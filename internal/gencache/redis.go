package gencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisTier stores entries as JSON strings with a Redis expiry.
type RedisTier struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Tier = (*RedisTier)(nil)

type RedisOption func(*RedisTier)

// WithKeyPrefix sets the Redis key prefix (default "hairsim:cache:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(t *RedisTier) { t.keyPrefix = prefix }
}

// NewRedisTier wraps a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisTier(client goredis.Cmdable, opts ...RedisOption) *RedisTier {
	t := &RedisTier{
		client:    client,
		keyPrefix: "hairsim:cache:",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTier) key(k string) string {
	return t.keyPrefix + k
}

func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := t.client.Get(ctx, t.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gencache/redis: get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("gencache/redis: decode entry: %w", err)
	}
	return &e, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("gencache/redis: encode entry: %w", err)
	}
	if err := t.client.Set(ctx, t.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("gencache/redis: set: %w", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.key(key)).Err(); err != nil {
		return fmt.Errorf("gencache/redis: del: %w", err)
	}
	return nil
}
