package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/selfheal/pkg/catalog"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/governance"
	"github.com/Mindburn-Labs/selfheal/pkg/learning"
	"github.com/Mindburn-Labs/selfheal/pkg/ledger"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/telemetry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGovernor struct {
	mu   sync.Mutex
	runs []*contracts.PlaybookRun
	out  governance.Outcome
	err  error
}

func (g *fakeGovernor) Evaluate(_ context.Context, run *contracts.PlaybookRun) (governance.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs = append(g.runs, run.Clone())
	if g.err != nil {
		return governance.OutcomeFailed, g.err
	}
	return g.out, nil
}

func newTestScheduler(t *testing.T, gov Governor, opts ...Option) (*Scheduler, *telemetry.MemoryFeed, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	feed := telemetry.NewMemoryFeed()
	st := store.NewMemoryStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(feed, st, gov, DefaultConfig(), opts...), feed, st, clock
}

func TestBackoff_ExponentialCooldown(t *testing.T) {
	p := DefaultConfig().Backoff
	b := newServiceBackoff(p)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	assert.False(t, b.failure(p, t0))
	assert.False(t, b.failure(p, t0.Add(time.Minute)))
	require.True(t, b.failure(p, t0.Add(2*time.Minute)))

	until, blocked := b.blocked(t0.Add(3 * time.Minute))
	require.True(t, blocked)
	assert.Equal(t, t0.Add(7*time.Minute), until, "first cool-down is 5m")

	// Tripped: the next failure doubles the cool-down.
	require.True(t, b.failure(p, t0.Add(10*time.Minute)))
	until, _ = b.blocked(t0.Add(10 * time.Minute))
	assert.Equal(t, t0.Add(20*time.Minute), until)

	for i := 0; i < 10; i++ {
		b.failure(p, t0.Add(time.Hour))
	}
	until, _ = b.blocked(t0.Add(time.Hour))
	assert.Equal(t, t0.Add(5*time.Hour), until, "capped at 4h")

	b.success()
	_, blocked = b.blocked(t0.Add(time.Hour))
	assert.False(t, blocked)
	assert.False(t, b.failure(p, t0.Add(2*time.Hour)), "reset needs the full threshold again")
}

func TestBackoff_Lookback(t *testing.T) {
	p := DefaultConfig().Backoff
	b := newServiceBackoff(p)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	assert.False(t, b.failure(p, t0))
	assert.False(t, b.failure(p, t0.Add(50*time.Minute)))
	assert.False(t, b.failure(p, t0.Add(70*time.Minute)), "first failure fell out of the lookback")
	assert.True(t, b.failure(p, t0.Add(80*time.Minute)))
}

func TestMemoryLimiterStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLimiterStore()
	policy := RatePolicy{PerHour: 6}
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		ok, err := s.Allow(ctx, "api", policy, t0)
		require.NoError(t, err)
		require.True(t, ok, "proposal %d", i)
	}
	ok, _ := s.Allow(ctx, "api", policy, t0)
	assert.False(t, ok)

	ok, _ = s.Allow(ctx, "db", policy, t0)
	assert.True(t, ok, "services have independent buckets")

	ok, _ = s.Allow(ctx, "api", policy, t0.Add(10*time.Minute))
	assert.True(t, ok, "one token refills every 10m")

	assert.InDelta(t, 0, s.Tokens(t0.Add(10*time.Minute))["api"], 0.01)
}

func TestCycle_CreatesProposals(t *testing.T) {
	gov := &fakeGovernor{out: governance.OutcomeApproved}
	s, feed, st, _ := newTestScheduler(t, gov)
	ctx := context.Background()

	feed.Push(&contracts.Recommendation{
		Service: "api-cluster", PlaybookID: "scale_up", Confidence: 0.9,
		Diagnosis:  contracts.Diagnosis{TriggerCode: "HIGH_LATENCY", Impact: contracts.ImpactLow},
		Parameters: map[string]any{"replicas": 4},
	})
	require.NoError(t, s.Cycle(ctx))

	require.Len(t, gov.runs, 1)
	run := gov.runs[0]
	assert.Equal(t, contracts.StatusProposed, run.Status)
	assert.Equal(t, "scheduler", run.RequestedBy)
	assert.Equal(t, 0.9, run.Diagnosis.Confidence, "copied from the recommendation")

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "scale_up", stored.PlaybookID)

	pending, leased := feed.Len()
	assert.Zero(t, pending)
	assert.Zero(t, leased, "acknowledged")

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Proposed)
	assert.EqualValues(t, 1, stats.Outcomes["approved"])
}

func TestCycle_UpstreamUnavailable(t *testing.T) {
	gov := &fakeGovernor{out: governance.OutcomeApproved}
	s, feed, st, _ := newTestScheduler(t, gov)
	feed.Push(&contracts.Recommendation{Service: "api", PlaybookID: "scale_up"})
	feed.SetUnavailable(errors.New("dial tcp: connection refused"))

	err := s.Cycle(context.Background())
	var up *contracts.UpstreamUnavailable
	require.True(t, errors.As(err, &up))
	assert.EqualValues(t, 1, s.Stats().UpstreamErrors)

	runs, _ := st.ListRuns(context.Background(), store.RunFilter{})
	assert.Empty(t, runs, "no partial proposals")

	feed.SetUnavailable(nil)
	require.NoError(t, s.Cycle(context.Background()))
	assert.Len(t, gov.runs, 1, "retried next cycle")
}

func TestCycle_RateLimited(t *testing.T) {
	gov := &fakeGovernor{out: governance.OutcomeApproved}
	s, feed, _, _ := newTestScheduler(t, gov)
	for i := 0; i < 8; i++ {
		feed.Push(&contracts.Recommendation{Service: "noisy", PlaybookID: "restart"})
	}
	require.NoError(t, s.Cycle(context.Background()))

	assert.Len(t, gov.runs, 6)
	assert.EqualValues(t, 2, s.Stats().Skipped[SkipRateLimited])
	pending, leased := feed.Len()
	assert.Zero(t, pending+leased, "rate-limited recommendations are dropped")
}

func TestCycle_BackoffSuppressesService(t *testing.T) {
	gov := &fakeGovernor{out: governance.OutcomeApproved}
	s, feed, _, clock := newTestScheduler(t, gov)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Observe(&contracts.LearningLogEntry{Service: "flaky", PlaybookID: "restart", Result: contracts.ResultFailure, CreatedAt: clock.Now()})
	}
	s.Observe(&contracts.LearningLogEntry{Service: "flaky", Result: contracts.ResultBlocked, CreatedAt: clock.Now()})

	feed.Push(&contracts.Recommendation{Service: "flaky", PlaybookID: "restart"})
	feed.Push(&contracts.Recommendation{Service: "healthy", PlaybookID: "restart"})
	require.NoError(t, s.Cycle(ctx))

	require.Len(t, gov.runs, 1)
	assert.Equal(t, "healthy", gov.runs[0].Service)
	stats := s.Stats()
	require.Len(t, stats.Backoffs, 1)
	assert.Equal(t, "flaky", stats.Backoffs[0].Service)
	assert.Equal(t, clock.Now().Add(5*time.Minute), stats.Backoffs[0].Until)

	clock.Advance(6 * time.Minute)
	feed.Push(&contracts.Recommendation{Service: "flaky", PlaybookID: "restart"})
	require.NoError(t, s.Cycle(ctx))
	assert.Len(t, gov.runs, 2, "cool-down over")
	assert.Empty(t, s.Stats().Backoffs)
}

func TestCycle_RetryLineage(t *testing.T) {
	gov := &fakeGovernor{out: governance.OutcomeApproved}
	s, feed, st, clock := newTestScheduler(t, gov)
	ctx := context.Background()

	failed := &contracts.PlaybookRun{
		ID: "run-old", Service: "api", PlaybookID: "restart",
		Status: contracts.StatusRolledBack, CreatedAt: clock.Now().Add(-time.Hour),
	}
	require.NoError(t, st.CreateRun(ctx, failed))

	feed.Push(&contracts.Recommendation{Service: "api", PlaybookID: "restart"})
	feed.Push(&contracts.Recommendation{Service: "api", PlaybookID: "scale_up"})
	require.NoError(t, s.Cycle(ctx))

	require.Len(t, gov.runs, 2)
	assert.Equal(t, "run-old", gov.runs[0].RetryOf)
	assert.Empty(t, gov.runs[1].RetryOf)

	prior, err := st.GetRun(ctx, "run-old")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRolledBack, prior.Status, "prior run is never mutated")
}

func TestCycle_RanksCandidates(t *testing.T) {
	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	agg := learning.New(learning.WithClock(func() time.Time { return clock }))
	for i := 0; i < 4; i++ {
		agg.Observe(&contracts.LearningLogEntry{Service: "api", PlaybookID: "restart", Result: contracts.ResultFailure, CreatedAt: clock.Add(-time.Hour)})
		agg.Observe(&contracts.LearningLogEntry{Service: "api", PlaybookID: "scale_up", Result: contracts.ResultSuccess, CreatedAt: clock.Add(-time.Hour)})
	}

	gov := &fakeGovernor{out: governance.OutcomePending}
	s, feed, _, _ := newTestScheduler(t, gov, WithRanker(agg))
	feed.Push(&contracts.Recommendation{Service: "api", Candidates: []string{"restart", "scale_up"}})
	require.NoError(t, s.Cycle(context.Background()))

	require.Len(t, gov.runs, 1)
	assert.Equal(t, "scale_up", gov.runs[0].PlaybookID)
}

func TestCycle_InvalidRecommendationIsDropped(t *testing.T) {
	gov := &fakeGovernor{out: governance.OutcomeApproved}
	s, feed, _, _ := newTestScheduler(t, gov)
	feed.Push(&contracts.Recommendation{PlaybookID: "restart"})
	require.NoError(t, s.Cycle(context.Background()))
	assert.Empty(t, gov.runs)
	assert.EqualValues(t, 1, s.Stats().Skipped[SkipInvalid])
}

func TestCycle_GovernanceFailureStopsCycle(t *testing.T) {
	gov := &fakeGovernor{err: &contracts.LedgerWriteFailure{Cause: errors.New("disk full")}}
	s, feed, _, _ := newTestScheduler(t, gov)
	feed.Push(&contracts.Recommendation{Service: "a", PlaybookID: "restart"})
	feed.Push(&contracts.Recommendation{Service: "b", PlaybookID: "restart"})

	err := s.Cycle(context.Background())
	assert.True(t, contracts.IsLedgerFailure(err))
	assert.Len(t, gov.runs, 1)
	pending, leased := feed.Len()
	assert.Equal(t, 2, pending, "failed and unprocessed recommendations are redelivered")
	assert.Equal(t, 0, leased)

	gov.mu.Lock()
	gov.err = nil
	gov.out = governance.OutcomeApproved
	gov.mu.Unlock()
	require.NoError(t, s.Cycle(context.Background()))
	require.Len(t, gov.runs, 3)
	assert.Equal(t, "a", gov.runs[1].Service, "released recommendation is delivered first")
	pending, leased = feed.Len()
	assert.Zero(t, pending)
	assert.Zero(t, leased)
}

// failingApprovals fails ListApprovals while err is set.
type failingApprovals struct {
	*store.MemoryStore
	mu  sync.Mutex
	err error
}

func (s *failingApprovals) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *failingApprovals) ListApprovals(ctx context.Context, f store.ApprovalFilter) ([]*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.ListApprovals(ctx, f)
}

// A store error inside the gate fails the run and redelivers the
// recommendation; the failed run does not block the retry.
func TestCycle_StoreFailureInGovernance(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	st := &failingApprovals{MemoryStore: store.NewMemoryStore()}
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithClock(clock.Now))
	rec := lifecycle.New(l, st, lifecycle.WithClock(clock.Now))
	cat, err := catalog.New(contracts.PlaybookDefinition{
		ID: "failover_db", Version: "1.0.0", RiskLevel: contracts.RiskHigh,
		RequiredAutonomyTier: "autonomous", Action: "failover",
	})
	require.NoError(t, err)
	gate := governance.New(st, rec, cat, governance.DefaultConfig(), governance.WithClock(clock.Now))

	feed := telemetry.NewMemoryFeed()
	s := New(feed, st, gate, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()
	feed.Push(&contracts.Recommendation{ID: "evt-1", Service: "db", PlaybookID: "failover_db", Confidence: 0.95})

	st.set(errors.New("connection reset"))
	err = s.Cycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	pending, leased := feed.Len()
	assert.Equal(t, 1, pending, "recommendation is not acknowledged")
	assert.Zero(t, leased)

	failed, err := st.ListRuns(ctx, store.RunFilter{Statuses: []contracts.RunStatus{contracts.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	trail, err := st.ListAudit(ctx, failed[0].ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, contracts.PolicyPersistence, trail[0].PolicyChecked)
	assert.Equal(t, contracts.VerdictFailed, trail[0].Decision)
	assert.NotContains(t, trail[0].Detail, "connection reset")
	assert.Zero(t, gate.Stranded())

	st.set(nil)
	clock.Advance(time.Minute)
	require.NoError(t, s.Cycle(ctx))

	approvals, err := st.ListApprovals(ctx, store.ApprovalFilter{PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.NotEqual(t, failed[0].ID, approvals[0].RunID)
	blocked, err := st.ListRuns(ctx, store.RunFilter{Statuses: []contracts.RunStatus{contracts.StatusBlocked}})
	require.NoError(t, err)
	assert.Empty(t, blocked, "failed run is not a duplicate")
	proposed, err := st.ListRuns(ctx, store.RunFilter{Statuses: []contracts.RunStatus{contracts.StatusProposed}})
	require.NoError(t, err)
	assert.Len(t, proposed, 1)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Outcomes["failed"])
	assert.EqualValues(t, 1, stats.Outcomes["pending"])
}

// Two identical recommendations two minutes apart: exactly one approval.
func TestCycle_DuplicateWithinWindow(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithClock(clock.Now))
	rec := lifecycle.New(l, st, lifecycle.WithClock(clock.Now))
	cat, err := catalog.New(contracts.PlaybookDefinition{
		ID: "failover_db", Version: "1.0.0", RiskLevel: contracts.RiskHigh,
		RequiredAutonomyTier: "autonomous", Action: "failover",
	})
	require.NoError(t, err)
	gate := governance.New(st, rec, cat, governance.DefaultConfig(), governance.WithClock(clock.Now))

	feed := telemetry.NewMemoryFeed()
	s := New(feed, st, gate, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()
	r := &contracts.Recommendation{ID: "evt-1", Service: "db", PlaybookID: "failover_db", Confidence: 0.95,
		Diagnosis: contracts.Diagnosis{Impact: contracts.ImpactHigh}}

	feed.Push(r)
	require.NoError(t, s.Cycle(ctx))
	clock.Advance(2 * time.Minute)
	feed.Push(r)
	require.NoError(t, s.Cycle(ctx))

	approvals, err := st.ListApprovals(ctx, store.ApprovalFilter{})
	require.NoError(t, err)
	assert.Len(t, approvals, 1)

	blocked, err := st.ListRuns(ctx, store.RunFilter{Statuses: []contracts.RunStatus{contracts.StatusBlocked}})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	trail, err := st.ListAudit(ctx, blocked[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, contracts.PolicyDuplicateGuard, trail[0].PolicyChecked)
	assert.Equal(t, contracts.VerdictBlock, trail[0].Decision)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.Outcomes["pending"])
	assert.EqualValues(t, 1, stats.Outcomes["blocked"])
}
