package httpx

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisLimiterPrefix  = "deployflow:ratelimit:"
	redisLimiterTimeout = 250 * time.Millisecond
)

// redisRateLimiter counts requests in window-aligned buckets shared by every
// logstream instance. Redis errors fail open.
type redisRateLimiter struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to Redis and verifies it answers before
// returning a shared limiter.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, logger), nil
}

func newRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) *redisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger, now: time.Now}
}

// windowBucket names the counter for key in the window containing now and
// reports when that window closes.
func windowBucket(key string, window time.Duration, now time.Time) (string, time.Time) {
	index := now.UnixNano() / int64(window)
	end := time.Unix(0, (index+1)*int64(window))
	return redisLimiterPrefix + key + ":" + strconv.FormatInt(index, 10), end
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	bucket, end := windowBucket(key, window, rl.now())
	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, bucket)
		pipe.PExpire(ctx, bucket, window+time.Second)
		return nil
	})
	if err != nil {
		rl.logger.Error("redis rate limiter unavailable", "key", key, "error", err)
		return rateDecision{allowed: true, windowEnd: end}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: end}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
