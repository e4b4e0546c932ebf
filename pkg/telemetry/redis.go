package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

const (
	defaultPendingKey    = "selfheal:recommendations"
	defaultProcessingKey = "selfheal:recommendations:processing"
	defaultMetricsPrefix = "metrics:"
)

// RedisFeed reads recommendations pushed (LPUSH) onto a Redis list.
// Poll moves each item onto a processing list; Ack removes it there.
type RedisFeed struct {
	client     redis.UniversalClient
	pending    string
	processing string
}

type RedisFeedOption func(*RedisFeed)

// WithKeys overrides the pending and processing list keys.
func WithKeys(pending, processing string) RedisFeedOption {
	return func(f *RedisFeed) {
		f.pending = pending
		f.processing = processing
	}
}

func NewRedisFeed(client redis.UniversalClient, opts ...RedisFeedOption) *RedisFeed {
	f := &RedisFeed{client: client, pending: defaultPendingKey, processing: defaultProcessingKey}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *RedisFeed) Poll(ctx context.Context, max int) ([]*contracts.Recommendation, error) {
	if max <= 0 {
		max = 100
	}
	var out []*contracts.Recommendation
	for len(out) < max {
		raw, err := f.client.LMove(ctx, f.pending, f.processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if len(out) > 0 {
				// Leased items stay on the processing list for Recover.
				break
			}
			return nil, &contracts.UpstreamUnavailable{Upstream: "telemetry", Cause: err}
		}
		var rec contracts.Recommendation
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Poison message: drop it so it cannot wedge the feed.
			_ = f.client.LRem(ctx, f.processing, 1, raw).Err()
			continue
		}
		rec.Receipt = raw
		out = append(out, &rec)
	}
	return out, nil
}

func (f *RedisFeed) Ack(ctx context.Context, rec *contracts.Recommendation) error {
	if err := f.client.LRem(ctx, f.processing, 1, rec.Receipt).Err(); err != nil {
		return fmt.Errorf("ack recommendation %s: %w", rec.ID, err)
	}
	return nil
}

// Release moves rec from the processing list back to the consuming end of
// the pending list.
func (f *RedisFeed) Release(ctx context.Context, rec *contracts.Recommendation) error {
	pipe := f.client.TxPipeline()
	removed := pipe.LRem(ctx, f.processing, 1, rec.Receipt)
	pipe.RPush(ctx, f.pending, rec.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release recommendation %s: %w", rec.ID, err)
	}
	if removed.Val() == 0 {
		// Already recovered by another consumer; undo the push.
		_ = f.client.LRem(ctx, f.pending, -1, rec.Receipt).Err()
		return fmt.Errorf("recommendation %s: %w", rec.ID, contracts.ErrNotFound)
	}
	return nil
}

// Recover moves every unacknowledged item back to the pending list.
func (f *RedisFeed) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := f.client.LMove(ctx, f.processing, f.pending, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover recommendations: %w", err)
		}
		n++
	}
}

// Publish pushes rec onto the pending list.
func (f *RedisFeed) Publish(ctx context.Context, rec *contracts.Recommendation) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return f.client.LPush(ctx, f.pending, b).Err()
}

// RedisProbe reads a service's metrics from the hash metrics:<service>.
type RedisProbe struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisProbe(client redis.UniversalClient) *RedisProbe {
	return &RedisProbe{client: client, prefix: defaultMetricsPrefix}
}

func (p *RedisProbe) Sample(ctx context.Context, service string) (map[string]float64, error) {
	raw, err := p.client.HGetAll(ctx, p.prefix+service).Result()
	if err != nil {
		return nil, &contracts.UpstreamUnavailable{Upstream: "probe", Cause: err}
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %s of %s: %w", k, service, err)
		}
		out[k] = f
	}
	return out, nil
}
