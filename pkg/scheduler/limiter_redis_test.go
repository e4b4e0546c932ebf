package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestRedisLimiterStore_Integration requires a running Redis and skips
// otherwise.
func TestRedisLimiterStore_Integration(t *testing.T) {
	addr := os.Getenv("SELFHEAL_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisLimiterStore(client)
	service := "svc-" + uuid.New().String()
	defer client.Del(ctx, "selfheal:ratelimit:"+service)
	policy := RatePolicy{PerHour: 6, Burst: 2}
	now := time.Now()

	for i := 0; i < 2; i++ {
		allowed, err := store.Allow(ctx, service, policy, now)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("Expected allowed=true for token %d", i)
		}
	}
	allowed, err := store.Allow(ctx, service, policy, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if allowed {
		t.Errorf("Expected allowed=false (rate limited)")
	}

	allowed, err = store.Allow(ctx, service, policy, now.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !allowed {
		t.Errorf("Expected allowed=true after refill")
	}
}
