package telemetry

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// redisClient connects to SELFHEAL_TEST_REDIS (default localhost:6379)
// and skips when nothing answers.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SELFHEAL_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisFeed_Integration(t *testing.T) {
	c := redisClient(t)
	ctx := context.Background()
	ns := "selfheal-test:" + uuid.New().String()
	f := NewRedisFeed(c, WithKeys(ns+":pending", ns+":processing"))
	t.Cleanup(func() { c.Del(ctx, ns+":pending", ns+":processing") })

	require.NoError(t, f.Publish(ctx, &contracts.Recommendation{ID: "r1", Service: "api", PlaybookID: "scale_up"}))
	require.NoError(t, f.Publish(ctx, &contracts.Recommendation{ID: "r2", Service: "db", PlaybookID: "restart"}))
	require.NoError(t, c.LPush(ctx, ns+":pending", "{not json").Err())

	got, err := f.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID, "oldest first")

	require.NoError(t, f.Ack(ctx, got[0]))
	n, err := f.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := f.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "r2", again[0].ID)

	require.NoError(t, f.Publish(ctx, &contracts.Recommendation{ID: "r3", Service: "api", PlaybookID: "restart"}))
	require.NoError(t, f.Release(ctx, again[0]))
	assert.ErrorIs(t, f.Release(ctx, again[0]), contracts.ErrNotFound)
	redelivered, err := f.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 2)
	assert.Equal(t, "r2", redelivered[0].ID, "released item is delivered first")
	assert.Equal(t, "r3", redelivered[1].ID)
}

func TestRedisProbe_Integration(t *testing.T) {
	c := redisClient(t)
	ctx := context.Background()
	svc := "svc-" + uuid.New().String()
	t.Cleanup(func() { c.Del(ctx, "metrics:"+svc) })

	require.NoError(t, c.HSet(ctx, "metrics:"+svc, "p99_latency_ms", "412.5", "error_rate", "0.02").Err())

	m, err := NewRedisProbe(c).Sample(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"p99_latency_ms": 412.5, "error_rate": 0.02}, m)
}
