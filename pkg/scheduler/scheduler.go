// Package scheduler turns telemetry recommendations into governed
// proposals. It never executes anything: each cycle polls the feed,
// applies per-service backoff and rate limits, picks the most reliable
// candidate playbook, persists a proposed run and hands it to the
// governance gate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/governance"
	"github.com/Mindburn-Labs/selfheal/pkg/learning"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/telemetry"
)

const requester = "scheduler"

// Skip reasons, also used as proposal outcomes in metrics.
const (
	SkipInvalid     = "invalid"
	SkipBackoff     = "backoff"
	SkipRateLimited = "rate_limited"
)

// Config holds the scheduler's timing and limits.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Backoff      BackoffPolicy
	Rate         RatePolicy
	// RankWindow is the learning window used to order candidates.
	RankWindow learning.Window
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
		Backoff: BackoffPolicy{
			Threshold: 3,
			Lookback:  time.Hour,
			Initial:   5 * time.Minute,
			Max:       4 * time.Hour,
		},
		Rate:       RatePolicy{PerHour: 6},
		RankWindow: learning.Window7d,
	}
}

// Governor decides proposals.
type Governor interface {
	Evaluate(ctx context.Context, run *contracts.PlaybookRun) (governance.Outcome, error)
}

// Ranker orders candidate playbooks by historical success.
type Ranker interface {
	RankPlaybooks(service string, w learning.Window, candidates []string) []string
}

// Metrics receives one call per processed recommendation.
type Metrics interface {
	RecordProposal(ctx context.Context, service, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordProposal(context.Context, string, string) {}

// Stats is the scheduler's operational snapshot.
type Stats struct {
	Cycles         int64              `json:"cycles"`
	Proposed       int64              `json:"proposed"`
	Skipped        map[string]int64   `json:"skipped"`
	Outcomes       map[string]int64   `json:"outcomes"`
	UpstreamErrors int64              `json:"upstream_errors"`
	LastCycle      time.Time          `json:"last_cycle,omitempty"`
	Backoffs       []BackoffState     `json:"active_backoffs"`
	RateTokens     map[string]float64 `json:"rate_tokens,omitempty"`
}

// Scheduler is safe for one Run loop plus concurrent Observe and Stats.
type Scheduler struct {
	source  telemetry.Source
	store   store.Store
	gov     Governor
	ranker  Ranker
	limiter LimiterStore
	metrics Metrics
	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger

	backoffs sync.Map // service -> *serviceBackoff

	cycles         atomic.Int64
	proposed       atomic.Int64
	upstreamErrors atomic.Int64
	lastCycle      atomic.Int64

	countMu  sync.Mutex
	skipped  map[string]int64
	outcomes map[string]int64
}

type Option func(*Scheduler)

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithRanker(r Ranker) Option {
	return func(s *Scheduler) { s.ranker = r }
}

// WithLimiterStore replaces the in-memory rate limiter, e.g. with Redis.
func WithLimiterStore(l LimiterStore) Option {
	return func(s *Scheduler) { s.limiter = l }
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(src telemetry.Source, st store.Store, gov Governor, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   src,
		store:    st,
		gov:      gov,
		limiter:  NewMemoryLimiterStore(),
		metrics:  noopMetrics{},
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "scheduler"),
		skipped:  make(map[string]int64),
		outcomes: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls every PollInterval until ctx is done. Failed cycles are
// retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "scheduler cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle polls once and processes every recommendation received. If the
// feed is unreachable nothing is proposed. Recommendations are
// acknowledged once their run is settled or awaiting a decision; an error
// stops the cycle and releases the failed recommendation and the rest of
// the batch for redelivery.
func (s *Scheduler) Cycle(ctx context.Context) error {
	s.cycles.Add(1)
	s.lastCycle.Store(s.clock().UnixNano())

	recs, err := s.source.Poll(ctx, s.cfg.BatchSize)
	if err != nil {
		s.upstreamErrors.Add(1)
		var up *contracts.UpstreamUnavailable
		if !errors.As(err, &up) {
			err = &contracts.UpstreamUnavailable{Upstream: "telemetry", Cause: err}
		}
		return err
	}

	for i, rec := range recs {
		outcome, err := s.process(ctx, rec)
		if outcome != "" {
			s.count(rec.Service, outcome)
		}
		if err != nil {
			s.release(ctx, recs[i:])
			return fmt.Errorf("recommendation %s: %w", rec.ID, err)
		}
		if ackErr := s.source.Ack(ctx, rec); ackErr != nil {
			s.logger.WarnContext(ctx, "ack failed", "recommendation_id", rec.ID, "error", ackErr)
		}
	}
	return nil
}

// release requeues recs so they are redelivered in their original order.
func (s *Scheduler) release(ctx context.Context, recs []*contracts.Recommendation) {
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if err := s.source.Release(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "release failed", "recommendation_id", rec.ID, "error", err)
		}
	}
}

// process returns the outcome label of a recommendation; any error means
// it must be redelivered.
func (s *Scheduler) process(ctx context.Context, rec *contracts.Recommendation) (string, error) {
	now := s.clock()
	log := s.logger.With("recommendation_id", rec.ID, "service", rec.Service)

	if rec.Service == "" || (rec.PlaybookID == "" && len(rec.Candidates) == 0) {
		log.WarnContext(ctx, "recommendation skipped", "reason", SkipInvalid)
		return SkipInvalid, nil
	}
	if until, blocked := s.backoff(rec.Service).blocked(now); blocked {
		log.InfoContext(ctx, "recommendation skipped", "reason", SkipBackoff, "until", until)
		return SkipBackoff, nil
	}
	allowed, err := s.limiter.Allow(ctx, rec.Service, s.cfg.Rate, now)
	if err != nil {
		return "", err
	}
	if !allowed {
		log.InfoContext(ctx, "recommendation skipped", "reason", SkipRateLimited)
		return SkipRateLimited, nil
	}

	playbookID := s.choose(rec)
	run := &contracts.PlaybookRun{
		ID:          uuid.New().String(),
		Service:     rec.Service,
		PlaybookID:  playbookID,
		Status:      contracts.StatusProposed,
		Diagnosis:   rec.Diagnosis,
		Parameters:  rec.Parameters,
		RequestedBy: requester,
		CreatedAt:   now,
	}
	if run.Diagnosis.Confidence == 0 {
		run.Diagnosis.Confidence = rec.Confidence
	}
	prev, err := s.lastFailure(ctx, rec.Service, playbookID)
	if err != nil {
		return "", err
	}
	run.RetryOf = prev

	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	s.proposed.Add(1)
	log.InfoContext(ctx, "run proposed", "run_id", run.ID, "playbook_id", playbookID, "retry_of", run.RetryOf)

	outcome, err := s.gov.Evaluate(ctx, run)
	if err != nil {
		return string(governance.OutcomeFailed), err
	}
	return string(outcome), nil
}

func (s *Scheduler) choose(rec *contracts.Recommendation) string {
	candidates := rec.Candidates
	if rec.PlaybookID != "" {
		candidates = append([]string{rec.PlaybookID}, without(rec.Candidates, rec.PlaybookID)...)
	}
	if len(candidates) == 1 || s.ranker == nil {
		return candidates[0]
	}
	return s.ranker.RankPlaybooks(rec.Service, s.cfg.RankWindow, candidates)[0]
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

// lastFailure returns the latest settled failure for the key, if the most
// recent settled run failed.
func (s *Scheduler) lastFailure(ctx context.Context, service, playbookID string) (string, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		Service:    service,
		PlaybookID: playbookID,
		Statuses: []contracts.RunStatus{
			contracts.StatusSucceeded, contracts.StatusFailed, contracts.StatusTimedOut,
			contracts.StatusRolledBack, contracts.StatusAborted,
		},
		Limit: 1,
	})
	if err != nil {
		return "", fmt.Errorf("retry lineage: %w", err)
	}
	if len(runs) == 0 || runs[0].Status == contracts.StatusSucceeded {
		return "", nil
	}
	return runs[0].ID, nil
}

func (s *Scheduler) backoff(service string) *serviceBackoff {
	if v, ok := s.backoffs.Load(service); ok {
		return v.(*serviceBackoff)
	}
	v, _ := s.backoffs.LoadOrStore(service, newServiceBackoff(s.cfg.Backoff))
	return v.(*serviceBackoff)
}

// Observe feeds a settled outcome into the service's backoff state.
// Blocked runs never executed and are ignored.
func (s *Scheduler) Observe(e *contracts.LearningLogEntry) {
	switch e.Result {
	case contracts.ResultSuccess:
		s.backoff(e.Service).success()
	case contracts.ResultFailure, contracts.ResultTimeout, contracts.ResultRolledBack:
		at := e.CreatedAt
		if at.IsZero() {
			at = s.clock()
		}
		b := s.backoff(e.Service)
		if b.failure(s.cfg.Backoff, at) {
			st := b.snapshot(e.Service)
			s.logger.Warn("service backoff armed",
				"service", e.Service, "level", st.Level, "until", st.Until)
		}
	}
}

func (s *Scheduler) count(service, outcome string) {
	s.countMu.Lock()
	switch outcome {
	case SkipInvalid, SkipBackoff, SkipRateLimited:
		s.skipped[outcome]++
	default:
		s.outcomes[outcome]++
	}
	s.countMu.Unlock()
	s.metrics.RecordProposal(context.Background(), service, outcome)
}

// Stats returns counters, active backoffs and rate-limit tokens.
func (s *Scheduler) Stats() Stats {
	now := s.clock()
	st := Stats{
		Cycles:         s.cycles.Load(),
		Proposed:       s.proposed.Load(),
		UpstreamErrors: s.upstreamErrors.Load(),
		Skipped:        make(map[string]int64),
		Outcomes:       make(map[string]int64),
		Backoffs:       []BackoffState{},
	}
	if ns := s.lastCycle.Load(); ns != 0 {
		st.LastCycle = time.Unix(0, ns).UTC()
	}
	s.countMu.Lock()
	for k, v := range s.skipped {
		st.Skipped[k] = v
	}
	for k, v := range s.outcomes {
		st.Outcomes[k] = v
	}
	s.countMu.Unlock()

	s.backoffs.Range(func(k, v any) bool {
		b := v.(*serviceBackoff)
		if _, active := b.blocked(now); active {
			st.Backoffs = append(st.Backoffs, b.snapshot(k.(string)))
		}
		return true
	})
	sort.Slice(st.Backoffs, func(i, j int) bool { return st.Backoffs[i].Service < st.Backoffs[j].Service })
	if tr, ok := s.limiter.(TokenReporter); ok {
		st.RateTokens = tr.Tokens(now)
	}
	return st
}
