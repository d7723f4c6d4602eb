package httpx

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestWindowBucketAlignsToWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	first, end := windowBucket("ip:1.2.3.4", time.Minute, base.Add(5*time.Second))
	second, _ := windowBucket("ip:1.2.3.4", time.Minute, base.Add(50*time.Second))
	if first != second {
		t.Fatalf("requests inside one window must share a bucket: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, redisLimiterPrefix+"ip:1.2.3.4:") {
		t.Fatalf("unexpected bucket name %q", first)
	}
	if end.Sub(base.Add(5*time.Second)) > time.Minute || end.UnixNano()%int64(time.Minute) != 0 {
		t.Fatalf("unexpected window end %s", end)
	}
	next, _ := windowBucket("ip:1.2.3.4", time.Minute, end)
	if next == first {
		t.Fatalf("window end must start a new bucket")
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	rl := newRedisRateLimiter(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Close()
	for i := 0; i < 3; i++ {
		if !rl.Allow("ip:1.2.3.4", 1, time.Minute).allowed {
			t.Fatalf("request %d must be allowed while redis is unreachable", i)
		}
	}
	if decision := rl.Allow("ip:1.2.3.4", 0, time.Minute); !decision.allowed {
		t.Fatal("a zero limit disables limiting")
	}
}
