package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RatePolicy caps proposals per service.
type RatePolicy struct {
	PerHour int
	// Burst defaults to PerHour.
	Burst int
}

func (p RatePolicy) burst() int {
	if p.Burst > 0 {
		return p.Burst
	}
	return p.PerHour
}

func (p RatePolicy) perSecond() float64 {
	return float64(p.PerHour) / 3600.0
}

// LimiterStore holds the per-service token buckets.
type LimiterStore interface {
	// Allow takes one token from service's bucket if available at now.
	Allow(ctx context.Context, service string, policy RatePolicy, now time.Time) (bool, error)
}

// TokenReporter is implemented by stores that can report remaining tokens.
type TokenReporter interface {
	Tokens(now time.Time) map[string]float64
}

// MemoryLimiterStore keeps buckets in process.
type MemoryLimiterStore struct {
	limiters sync.Map // service -> *rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, service string, policy RatePolicy, now time.Time) (bool, error) {
	if policy.PerHour <= 0 {
		return true, nil
	}
	v, ok := s.limiters.Load(service)
	if !ok {
		v, _ = s.limiters.LoadOrStore(service, rate.NewLimiter(rate.Every(time.Hour/time.Duration(policy.PerHour)), policy.burst()))
	}
	return v.(*rate.Limiter).AllowN(now, 1), nil
}

func (s *MemoryLimiterStore) Tokens(now time.Time) map[string]float64 {
	out := make(map[string]float64)
	s.limiters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*rate.Limiter).TokensAt(now)
		return true
	})
	return out
}

// redisTokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = ttl seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// RedisLimiterStore shares buckets between orchestrator replicas.
type RedisLimiterStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiterStore(client redis.UniversalClient) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "selfheal:ratelimit:"}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, service string, policy RatePolicy, now time.Time) (bool, error) {
	if policy.PerHour <= 0 {
		return true, nil
	}
	perSec := policy.perSecond()
	// Keep a bucket until it would have refilled completely.
	ttl := int(math.Ceil(float64(policy.burst())/perSec)) + 60
	ts := float64(now.UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + service},
		perSec, policy.burst(), 1, ts, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from limiter script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
