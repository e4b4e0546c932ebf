package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/selfheal/pkg/action"
	"github.com/Mindburn-Labs/selfheal/pkg/catalog"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/governance"
	"github.com/Mindburn-Labs/selfheal/pkg/learning"
	"github.com/Mindburn-Labs/selfheal/pkg/ledger"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/telemetry"
	"github.com/Mindburn-Labs/selfheal/pkg/verify"
)

func ptr(v float64) *float64 { return &v }

type harness struct {
	runner  *Runner
	store   *store.MemoryStore
	ledger  *ledger.Ledger
	rec     *lifecycle.Recorder
	agg     *learning.Aggregator
	catalog *catalog.Catalog
	actions *action.Registry
	probe   *telemetry.StaticProbe
}

func newHarness(t *testing.T, defs []contracts.PlaybookDefinition, acts []action.Action, opts ...action.RegistryOption) *harness {
	t.Helper()
	cat, err := catalog.New(defs...)
	require.NoError(t, err)

	reg := action.NewRegistry(opts...)
	for _, a := range acts {
		require.NoError(t, reg.Register(a))
	}

	st := store.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	rec := lifecycle.New(l, st)
	agg := learning.New()
	rec.Subscribe(agg.Observe)

	eval, err := verify.NewEvaluator()
	require.NoError(t, err)
	probe := telemetry.NewStaticProbe()

	cfg := DefaultConfig()
	cfg.VerifyAttempts = 2
	cfg.VerifyInterval = time.Millisecond

	return &harness{
		runner:  New(st, rec, cat, reg, cfg, WithVerification(probe, eval)),
		store:   st,
		ledger:  l,
		rec:     rec,
		agg:     agg,
		catalog: cat,
		actions: reg,
		probe:   probe,
	}
}

func (h *harness) approved(t *testing.T, service, playbook string, params map[string]any) *contracts.PlaybookRun {
	t.Helper()
	run := &contracts.PlaybookRun{
		ID:          uuid.New().String(),
		Service:     service,
		PlaybookID:  playbook,
		Status:      contracts.StatusApproved,
		Diagnosis:   contracts.Diagnosis{TriggerCode: "HIGH_LATENCY", Impact: contracts.ImpactLow, Confidence: 0.9},
		Parameters:  params,
		RequestedBy: "scheduler",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	return run
}

func (h *harness) get(t *testing.T, id string) *contracts.PlaybookRun {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (h *harness) trail(t *testing.T, runID string) []string {
	t.Helper()
	recs, err := h.ledger.ReplayRun(context.Background(), runID)
	require.NoError(t, err)
	var out []string
	for _, r := range recs {
		if r.Audit != nil {
			out = append(out, string(r.Audit.PolicyChecked)+"="+string(r.Audit.Decision))
		} else {
			out = append(out, "learning="+string(r.Learning.Result))
		}
	}
	return out
}

func ok(name string) action.Action {
	return action.Func{ActionName: name, Fn: func(context.Context, action.Request) (action.Result, error) {
		return action.Result{Detail: "done"}, nil
	}}
}

func failing(name string, err error) action.Action {
	return action.Func{ActionName: name, Fn: func(context.Context, action.Request) (action.Result, error) {
		return action.Result{}, err
	}}
}

func TestExecute_AutoApprovedRunSucceeds(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "scale_up", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "scale_up",
	}}
	h := newHarness(t, defs, []action.Action{ok("scale_up")})
	ctx := context.Background()

	gate := governance.New(h.store, h.rec, h.catalog, governance.DefaultConfig())
	gate.OnApproved(func(string) { h.runner.Notify() })

	run := &contracts.PlaybookRun{
		ID: uuid.New().String(), Service: "api-cluster", PlaybookID: "scale_up",
		Status:      contracts.StatusProposed,
		Diagnosis:   contracts.Diagnosis{TriggerCode: "HIGH_LATENCY", Impact: contracts.ImpactLow, Confidence: 0.9},
		RequestedBy: "scheduler", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	out, err := gate.Evaluate(ctx, run)
	require.NoError(t, err)
	require.Equal(t, governance.OutcomeApproved, out)

	require.NoError(t, h.runner.Execute(ctx, run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusSucceeded, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{
		"duplicate_guard=allow",
		"autonomy_tier=allow",
		"execution=succeeded",
		"learning=success",
	}, h.trail(t, run.ID))

	audit, err := h.store.ListAudit(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 3)

	c := h.agg.SuccessRate("scale_up", "", learning.Window7d)
	assert.Equal(t, 1, c.Success)
}

func TestExecute_ParameterBoundsAbort(t *testing.T) {
	var calls atomic.Int32
	defs := []contracts.PlaybookDefinition{{
		ID: "scale_up", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "scale_up",
		ParameterSchema: map[string]contracts.ParameterSpec{
			"replicas": {Type: contracts.ParamInteger, Min: ptr(1), Max: ptr(10), Required: true},
		},
	}}
	act := action.Func{ActionName: "scale_up", Fn: func(context.Context, action.Request) (action.Result, error) {
		calls.Add(1)
		return action.Result{}, nil
	}}
	h := newHarness(t, defs, []action.Action{act})

	run := h.approved(t, "api-cluster", "scale_up", map[string]any{"replicas": 50})
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusAborted, got.Status)
	assert.Contains(t, got.ResultDetail, "replicas")
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []string{"parameter_bounds=abort", "learning=failure"}, h.trail(t, run.ID))
}

func TestExecute_ValidatedParametersReachAction(t *testing.T) {
	var seen map[string]any
	defs := []contracts.PlaybookDefinition{{
		ID: "scale_up", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "scale_up",
		ParameterSchema: map[string]contracts.ParameterSpec{
			"replicas": {Type: contracts.ParamInteger, Min: ptr(1), Max: ptr(10), Default: 2},
		},
	}}
	act := action.Func{ActionName: "scale_up", Fn: func(_ context.Context, req action.Request) (action.Result, error) {
		seen = req.Params
		return action.Result{}, nil
	}}
	h := newHarness(t, defs, []action.Action{act})

	run := h.approved(t, "api-cluster", "scale_up", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	assert.Equal(t, contracts.StatusSucceeded, h.get(t, run.ID).Status)
	require.Contains(t, seen, "replicas")
	assert.EqualValues(t, 2, seen["replicas"])
	assert.Contains(t, h.get(t, run.ID).Parameters, "replicas")
}

func TestExecute_UnknownPlaybookAborts(t *testing.T) {
	h := newHarness(t, nil, nil)
	run := h.approved(t, "api-cluster", "ghost", nil)

	require.NoError(t, h.runner.Execute(context.Background(), run.ID))
	assert.Equal(t, contracts.StatusAborted, h.get(t, run.ID).Status)
	assert.Equal(t, []string{"catalog=abort", "learning=failure"}, h.trail(t, run.ID))
}

func TestExecute_UnregisteredActionAborts(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "scale_up", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "scale_up",
	}}
	h := newHarness(t, defs, nil)
	run := h.approved(t, "api-cluster", "scale_up", nil)

	require.NoError(t, h.runner.Execute(context.Background(), run.ID))
	assert.Equal(t, contracts.StatusAborted, h.get(t, run.ID).Status)
}

func TestExecute_IgnoresRunsNotApproved(t *testing.T) {
	h := newHarness(t, nil, nil)
	run := h.approved(t, "api-cluster", "scale_up", nil)
	run.Status = contracts.StatusProposed
	require.NoError(t, h.store.UpdateRun(context.Background(), run, contracts.StatusApproved))

	require.NoError(t, h.runner.Execute(context.Background(), run.ID))
	assert.Equal(t, contracts.StatusProposed, h.get(t, run.ID).Status)
	assert.Empty(t, h.trail(t, run.ID))
}

func TestExecute_TimeoutRollsBack(t *testing.T) {
	var rolledBack atomic.Bool
	defs := []contracts.PlaybookDefinition{{
		ID: "restart", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "restart", Rollback: "restore",
		Timeout: 30 * time.Millisecond,
	}}
	hang := action.Func{ActionName: "restart", Fn: func(ctx context.Context, _ action.Request) (action.Result, error) {
		<-ctx.Done()
		return action.Result{}, ctx.Err()
	}}
	restore := action.Func{ActionName: "restore", Fn: func(_ context.Context, req action.Request) (action.Result, error) {
		rolledBack.Store(req.Rollback)
		return action.Result{}, nil
	}}
	h := newHarness(t, defs, []action.Action{hang, restore})

	run := h.approved(t, "api-cluster", "restart", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusRolledBack, got.Status)
	assert.False(t, got.ManualIntervention)
	assert.True(t, rolledBack.Load())
	assert.Equal(t, []string{"timeout=abort", "rollback=rolled_back", "learning=rolled_back"}, h.trail(t, run.ID))
}

func TestExecute_LateResultIsStillTimeout(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "restart", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "restart",
		Timeout: 20 * time.Millisecond,
	}}
	stubborn := action.Func{ActionName: "restart", Fn: func(context.Context, action.Request) (action.Result, error) {
		time.Sleep(100 * time.Millisecond)
		return action.Result{Detail: "finished anyway"}, nil
	}}
	h := newHarness(t, defs, []action.Action{stubborn})

	run := h.approved(t, "api-cluster", "restart", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusTimedOut, got.Status)
	assert.True(t, got.ManualIntervention)
	assert.Equal(t, []string{"timeout=abort", "learning=timeout"}, h.trail(t, run.ID))
}

func TestExecute_CompletesBeforeDeadline(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "restart", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "restart",
		Timeout: 500 * time.Millisecond,
	}}
	quick := action.Func{ActionName: "restart", Fn: func(context.Context, action.Request) (action.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return action.Result{}, nil
	}}
	h := newHarness(t, defs, []action.Action{quick})

	run := h.approved(t, "api-cluster", "restart", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))
	assert.Equal(t, contracts.StatusSucceeded, h.get(t, run.ID).Status)
}

func TestDeadline_PlaybookCanOnlyShorten(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.Equal(t, 10*time.Minute, h.runner.deadline(&contracts.PlaybookDefinition{}))
	assert.Equal(t, time.Minute, h.runner.deadline(&contracts.PlaybookDefinition{Timeout: time.Minute}))
	assert.Equal(t, 10*time.Minute, h.runner.deadline(&contracts.PlaybookDefinition{Timeout: time.Hour}))
}

func TestExecute_FailureWithoutRollbackNeedsIntervention(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "restart", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "restart",
	}}
	h := newHarness(t, defs, []action.Action{failing("restart", errors.New("connection refused"))})

	run := h.approved(t, "api-cluster", "restart", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.True(t, got.ManualIntervention)
	assert.Contains(t, got.ResultDetail, "connection refused")
	assert.Equal(t, []string{"execution=failed", "learning=failure"}, h.trail(t, run.ID))
	assert.Equal(t, int64(1), h.runner.Stats().ManualIntervention)
}

func TestExecute_VerificationFailureRollsBack(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "flush_cache", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "flush", Rollback: "warm",
		Verify: "metrics.error_rate < 0.05",
	}}
	h := newHarness(t, defs, []action.Action{ok("flush"), ok("warm")})
	h.probe.Set("api-cluster", map[string]float64{"error_rate": 0.2})

	run := h.approved(t, "api-cluster", "flush_cache", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusRolledBack, got.Status)
	assert.Equal(t, []string{"verification=failed", "rollback=rolled_back", "learning=rolled_back"}, h.trail(t, run.ID))
}

func TestExecute_VerificationPasses(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "flush_cache", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "flush",
		Verify: "metrics.error_rate < 0.05",
	}}
	h := newHarness(t, defs, []action.Action{ok("flush")})
	h.probe.Set("api-cluster", map[string]float64{"error_rate": 0.01})

	run := h.approved(t, "api-cluster", "flush_cache", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusSucceeded, got.Status)
	assert.Contains(t, got.ResultDetail, "verified")
}

func TestExecute_ProbeOutageFailsVerification(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "flush_cache", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "flush",
		Verify: "metrics.error_rate < 0.05",
	}}
	h := newHarness(t, defs, []action.Action{ok("flush")})
	h.probe.SetError(errors.New("metrics backend down"))

	run := h.approved(t, "api-cluster", "flush_cache", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.True(t, got.ManualIntervention)
	assert.Contains(t, got.ResultDetail, "metrics backend down")
}

func TestExecute_RollbackFailureNeedsIntervention(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "flush_cache", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "flush", Rollback: "warm",
		Verify: "metrics.error_rate < 0.05",
	}}
	h := newHarness(t, defs, []action.Action{ok("flush"), failing("warm", errors.New("cache unreachable"))})
	h.probe.Set("api-cluster", map[string]float64{"error_rate": 0.2})

	run := h.approved(t, "api-cluster", "flush_cache", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.True(t, got.ManualIntervention)
	assert.Equal(t, []string{"verification=failed", "rollback=failed", "learning=failure"}, h.trail(t, run.ID))
}

func TestDispatch_SerializesPerService(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	maxPerService := map[string]int{}
	var total, maxTotal int

	slow := action.Func{ActionName: "restart", Fn: func(_ context.Context, req action.Request) (action.Result, error) {
		mu.Lock()
		active[req.Service]++
		total++
		if active[req.Service] > maxPerService[req.Service] {
			maxPerService[req.Service] = active[req.Service]
		}
		if total > maxTotal {
			maxTotal = total
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		active[req.Service]--
		total--
		mu.Unlock()
		return action.Result{}, nil
	}}
	defs := []contracts.PlaybookDefinition{{
		ID: "restart", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "restart",
	}}
	h := newHarness(t, defs, []action.Action{slow})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.approved(t, "api-cluster", "restart", nil).ID)
	}
	for i := 0; i < 2; i++ {
		ids = append(ids, h.approved(t, "db", "restart", nil).ID)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, h.runner.Dispatch(ctx))
		h.runner.Wait()
		pending, err := h.store.ListRuns(ctx, store.RunFilter{Statuses: []contracts.RunStatus{contracts.StatusApproved}})
		require.NoError(t, err)
		if len(pending) == 0 {
			break
		}
	}

	for _, id := range ids {
		assert.Equal(t, contracts.StatusSucceeded, h.get(t, id).Status)
	}
	assert.Equal(t, 1, maxPerService["api-cluster"])
	assert.Equal(t, 1, maxPerService["db"])
	assert.Equal(t, 2, maxTotal)
	assert.Equal(t, int64(5), h.runner.Stats().Results["succeeded"])
}

func TestRecover_FailsInterruptedRuns(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	run := h.approved(t, "api-cluster", "restart", nil)
	require.NoError(t, h.rec.Start(ctx, run))

	n, err := h.runner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.True(t, got.ManualIntervention)
	assert.Equal(t, []string{"execution=failed", "learning=failure"}, h.trail(t, run.ID))
}

func TestExecute_ShadowMode(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "scale_up", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "scale_up",
	}}
	h := newHarness(t, defs, nil, action.WithShadow())

	run := h.approved(t, "api-cluster", "scale_up", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	got := h.get(t, run.ID)
	assert.Equal(t, contracts.StatusSucceeded, got.Status)
	assert.Contains(t, got.ResultDetail, "dry run")

	dry, ok := h.actions.Shadow()
	require.True(t, ok)
	assert.Len(t, dry.Calls(), 1)
}

type recordingTracker struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingTracker) TrackExecution(ctx context.Context, _, _, _ string) (context.Context, func(error)) {
	return ctx, func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
}

func TestExecute_TracksExecutionStep(t *testing.T) {
	defs := []contracts.PlaybookDefinition{{
		ID: "restart", Version: "1.0.0", RiskLevel: contracts.RiskLow,
		RequiredAutonomyTier: "assist", Action: "restart",
	}}
	h := newHarness(t, defs, []action.Action{failing("restart", errors.New("boom"))})
	tr := &recordingTracker{}
	WithTracker(tr)(h.runner)

	run := h.approved(t, "api-cluster", "restart", nil)
	require.NoError(t, h.runner.Execute(context.Background(), run.ID))

	require.Len(t, tr.errs, 1)
	assert.EqualError(t, tr.errs[0], "boom")
}
