package routing

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache caches positive host resolutions in Redis for a fixed TTL.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCache wraps a Redis client as a route cache.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:  client,
		prefix:  "deployflow:route:",
		ttl:     ttl,
		timeout: 100 * time.Millisecond,
	}
}

// Get returns the cached project id for host.
func (c *RedisCache) Get(ctx context.Context, host string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	projectID, err := c.client.Get(ctx, c.prefix+host).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return projectID, projectID != "", nil
}

// Set stores host -> projectID with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, host, projectID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Set(ctx, c.prefix+host, projectID, c.ttl).Err()
}
