// Package governance implements the gate that decides whether a proposed
// run may execute: duplicate guard, change window, then autonomy tier.
// Each check is audited through the lifecycle recorder and the first
// block short-circuits the rest.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/catalog"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/learning"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/tiers"
)

var errInterrupted = errors.New("evaluation interrupted before a decision was recorded")

// Outcome is the gate's verdict on a proposal.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomePending  Outcome = "pending"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeFailed   Outcome = "failed"
)

// Config holds the governance policy.
type Config struct {
	SuppressionWindow time.Duration
	// Ceiling is the highest tier the gate may approve on its own.
	Ceiling tiers.Tier
	// MaxAutoRisk is the highest playbook risk approved without a human.
	MaxAutoRisk   contracts.RiskLevel
	MinConfidence float64
	// MinSuccessRate escalates playbooks whose 7d success rate for the
	// service fell below it, once MinSamples outcomes exist.
	MinSuccessRate float64
	MinSamples     int
	// ChangeWindow is nil when no window is configured; playbooks that
	// require one are then only allowed through the impact bypass.
	ChangeWindow *ChangeWindow
	// ImpactBypassBelow lets diagnoses of lower impact skip the window.
	ImpactBypassBelow contracts.ImpactLevel
	ApprovalTTL       time.Duration
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		SuppressionWindow: 10 * time.Minute,
		Ceiling:           tiers.Supervised,
		MaxAutoRisk:       contracts.RiskMedium,
		MinConfidence:     0.7,
		MinSuccessRate:    0.5,
		MinSamples:        5,
		ImpactBypassBelow: contracts.ImpactLow,
		ApprovalTTL:       time.Hour,
	}
}

// Stats is the read side of the learning aggregator.
type Stats interface {
	SuccessRate(playbookID, service string, w learning.Window) learning.Counts
}

// Gate is the single authority on whether a run may execute.
type Gate struct {
	store   store.Store
	rec     *lifecycle.Recorder
	catalog *catalog.Catalog
	stats   Stats
	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger

	keyLocks sync.Map // run key -> *sync.Mutex

	// stranded holds runs whose failure could not be persisted. They are
	// retried under their key lock and ignored by the duplicate guard.
	strandedMu sync.Mutex
	stranded   map[string]*contracts.PlaybookRun

	hookMu     sync.RWMutex
	onApproved []func(runID string)
}

// Option configures a Gate.
type Option func(*Gate)

func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithStats enables the success-rate floor.
func WithStats(s Stats) Option {
	return func(g *Gate) { g.stats = s }
}

func New(s store.Store, rec *lifecycle.Recorder, cat *catalog.Catalog, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		store:    s,
		rec:      rec,
		catalog:  cat,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "governance"),
		stranded: make(map[string]*contracts.PlaybookRun),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnApproved registers a callback invoked with the id of every run that
// becomes approved.
func (g *Gate) OnApproved(fn func(runID string)) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.onApproved = append(g.onApproved, fn)
}

func (g *Gate) approved(runID string) {
	g.hookMu.RLock()
	hooks := append([]func(string){}, g.onApproved...)
	g.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(runID)
	}
}

func (g *Gate) lockKey(key string) func() {
	v, _ := g.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Evaluate runs the decision sequence for a proposed run. Policy outcomes
// are returned as an Outcome; the error is reserved for ledger and
// persistence failures, after which the run has been failed. A run whose
// failure could not be stored either is retried on the next evaluation of
// its key, and does not count as a duplicate meanwhile.
func (g *Gate) Evaluate(ctx context.Context, run *contracts.PlaybookRun) (Outcome, error) {
	if run.Status != contracts.StatusProposed {
		return "", fmt.Errorf("run %s is %s, not proposed: %w", run.ID, run.Status, contracts.ErrInvalidTransition)
	}
	unlock := g.lockKey(run.Key())
	defer unlock()

	g.resettle(ctx, run.Key())
	out, err := g.evaluate(ctx, run)
	if err != nil {
		return g.fail(ctx, run, err)
	}
	if out == OutcomeApproved {
		g.approved(run.ID)
	}
	return out, nil
}

func (g *Gate) evaluate(ctx context.Context, run *contracts.PlaybookRun) (Outcome, error) {
	now := g.clock()

	def, ok := g.catalog.Get(run.PlaybookID)
	if !ok {
		return g.block(ctx, run, contracts.PolicyCatalog, fmt.Sprintf("playbook %s is not in the catalog", run.PlaybookID))
	}
	if !def.AppliesTo(run.Service) {
		return g.block(ctx, run, contracts.PolicyCatalog, fmt.Sprintf("playbook %s does not apply to service %s", def.ID, run.Service))
	}

	// 1. Duplicate guard.
	dup, err := g.duplicate(ctx, run, now)
	if err != nil {
		return "", err
	}
	if dup != "" {
		return g.block(ctx, run, contracts.PolicyDuplicateGuard, dup)
	}
	if err := g.rec.Record(ctx, run, lifecycle.Decision{
		Policy: contracts.PolicyDuplicateGuard, Verdict: contracts.VerdictAllow,
	}); err != nil {
		return "", err
	}

	// 2. Change window.
	if def.RequiresChangeWindow {
		allowed, detail := g.changeWindow(run, now)
		if !allowed {
			return g.block(ctx, run, contracts.PolicyChangeWindow, detail)
		}
		if err := g.rec.Record(ctx, run, lifecycle.Decision{
			Policy: contracts.PolicyChangeWindow, Verdict: contracts.VerdictAllow, Detail: detail,
		}); err != nil {
			return "", err
		}
	}

	// 3. Autonomy tier.
	reasons := g.escalationReasons(def, run)
	if len(reasons) == 0 {
		if err := g.rec.Record(ctx, run, lifecycle.Decision{
			Policy:  contracts.PolicyAutonomyTier,
			Verdict: contracts.VerdictAllow,
			Detail:  fmt.Sprintf("tier %s within ceiling %s", def.RequiredAutonomyTier, g.cfg.Ceiling.ID),
			To:      contracts.StatusApproved,
		}); err != nil {
			return "", err
		}
		return OutcomeApproved, nil
	}
	return g.escalate(ctx, run, strings.Join(reasons, "; "), now)
}

func (g *Gate) block(ctx context.Context, run *contracts.PlaybookRun, policy contracts.Policy, detail string) (Outcome, error) {
	if err := g.rec.Record(ctx, run, lifecycle.Decision{
		Policy:  policy,
		Verdict: contracts.VerdictBlock,
		Detail:  detail,
		To:      contracts.StatusBlocked,
		Outcome: contracts.ResultBlocked,
	}); err != nil {
		return "", err
	}
	return OutcomeBlocked, nil
}

// duplicate returns a reason when an equivalent request or run already
// occupies the run's key within the suppression window.
func (g *Gate) duplicate(ctx context.Context, run *contracts.PlaybookRun, now time.Time) (string, error) {
	since := now.Add(-g.cfg.SuppressionWindow)

	pending, err := g.store.ListApprovals(ctx, store.ApprovalFilter{
		Service: run.Service, PlaybookID: run.PlaybookID, PendingOnly: true, CreatedAfter: since,
	})
	if err != nil {
		return "", fmt.Errorf("duplicate guard: %w", err)
	}
	for _, a := range pending {
		if a.RunID != run.ID {
			return fmt.Sprintf("approval %s already pending for %s", a.ID, run.Key()), nil
		}
	}

	inflight, err := g.store.ListRuns(ctx, store.RunFilter{
		Service:      run.Service,
		PlaybookID:   run.PlaybookID,
		Statuses:     []contracts.RunStatus{contracts.StatusProposed, contracts.StatusApproved, contracts.StatusExecuting},
		CreatedAfter: since,
	})
	if err != nil {
		return "", fmt.Errorf("duplicate guard: %w", err)
	}
	for _, r := range inflight {
		if r.ID != run.ID && !g.isStranded(r.ID) {
			return fmt.Sprintf("run %s already %s for %s", r.ID, r.Status, run.Key()), nil
		}
	}
	return "", nil
}

func (g *Gate) changeWindow(run *contracts.PlaybookRun, now time.Time) (bool, string) {
	if g.cfg.ChangeWindow != nil && g.cfg.ChangeWindow.Contains(now) {
		return true, "inside change window " + g.cfg.ChangeWindow.String()
	}
	if run.Diagnosis.Impact.Rank() < g.cfg.ImpactBypassBelow.Rank() {
		return true, fmt.Sprintf("impact %s below %s bypasses change window", run.Diagnosis.Impact, g.cfg.ImpactBypassBelow)
	}
	if g.cfg.ChangeWindow == nil {
		return false, "playbook requires a change window and none is configured"
	}
	return false, "outside change window " + g.cfg.ChangeWindow.String()
}

func (g *Gate) escalationReasons(def *contracts.PlaybookDefinition, run *contracts.PlaybookRun) []string {
	var reasons []string
	if !g.cfg.Ceiling.Permits(tiers.TierID(def.RequiredAutonomyTier)) {
		reasons = append(reasons, fmt.Sprintf("requires tier %s above ceiling %s", def.RequiredAutonomyTier, g.cfg.Ceiling.ID))
	}
	if g.cfg.MaxAutoRisk != "" && def.RiskLevel.Rank() > g.cfg.MaxAutoRisk.Rank() {
		reasons = append(reasons, fmt.Sprintf("risk %s above auto-approval limit %s", def.RiskLevel, g.cfg.MaxAutoRisk))
	}
	if run.Diagnosis.Confidence < g.cfg.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below %.2f", run.Diagnosis.Confidence, g.cfg.MinConfidence))
	}
	if g.stats != nil && g.cfg.MinSamples > 0 {
		c := g.stats.SuccessRate(def.ID, run.Service, learning.Window7d)
		if c.Samples() >= g.cfg.MinSamples && c.Rate() < g.cfg.MinSuccessRate {
			reasons = append(reasons, fmt.Sprintf("7d success rate %.2f below %.2f over %d runs", c.Rate(), g.cfg.MinSuccessRate, c.Samples()))
		}
	}
	return reasons
}

func (g *Gate) fail(ctx context.Context, run *contracts.PlaybookRun, cause error) (Outcome, error) {
	g.logger.ErrorContext(ctx, "governance evaluation failed", "run_id", run.ID, "error", cause)
	if err := g.settleFailed(ctx, run, cause); err != nil {
		g.logger.ErrorContext(ctx, "could not mark run failed", "run_id", run.ID, "error", err)
		g.strand(run)
	}
	return OutcomeFailed, cause
}

// settleFailed moves run to failed. Store failures are audited through the
// ledger under the persistence policy; ledger failures, or a persistence
// decision that cannot be recorded, fall back to the store-only path.
func (g *Gate) settleFailed(ctx context.Context, run *contracts.PlaybookRun, cause error) error {
	if !run.Status.CanTransition(contracts.StatusFailed) {
		return nil
	}
	if !contracts.IsLedgerFailure(cause) {
		err := g.rec.Record(ctx, run, lifecycle.Decision{
			Policy:  contracts.PolicyPersistence,
			Verdict: contracts.VerdictFailed,
			Detail:  "evaluation interrupted by a storage failure",
			To:      contracts.StatusFailed,
			Outcome: contracts.ResultFailure,
		})
		if err == nil || run.Status == contracts.StatusFailed {
			return nil
		}
		g.logger.WarnContext(ctx, "persistence decision not recorded", "run_id", run.ID, "error", err)
	}
	return g.rec.Fail(ctx, run, cause)
}

func (g *Gate) strand(run *contracts.PlaybookRun) {
	g.strandedMu.Lock()
	defer g.strandedMu.Unlock()
	g.stranded[run.ID] = run.Clone()
}

func (g *Gate) isStranded(runID string) bool {
	g.strandedMu.Lock()
	defer g.strandedMu.Unlock()
	_, ok := g.stranded[runID]
	return ok
}

// resettle retries the failure of stranded runs sharing key. The caller
// holds the key lock.
func (g *Gate) resettle(ctx context.Context, key string) {
	g.strandedMu.Lock()
	var runs []*contracts.PlaybookRun
	for _, r := range g.stranded {
		if r.Key() == key {
			runs = append(runs, r)
		}
	}
	g.strandedMu.Unlock()

	for _, r := range runs {
		cur, err := g.store.GetRun(ctx, r.ID)
		if err == nil {
			err = g.settleFailed(ctx, cur, errInterrupted)
		}
		if err != nil {
			g.logger.WarnContext(ctx, "stranded run still unsettled", "run_id", r.ID, "error", err)
			continue
		}
		g.strandedMu.Lock()
		delete(g.stranded, r.ID)
		g.strandedMu.Unlock()
	}
}

// Stranded returns how many runs await a retried failure.
func (g *Gate) Stranded() int {
	g.strandedMu.Lock()
	defer g.strandedMu.Unlock()
	return len(g.stranded)
}

// Recover fails proposed runs that a crash left mid-evaluation. A
// persisted proposed run carries an approval id only once its escalation
// was recorded, so runs without one were never decided.
func (g *Gate) Recover(ctx context.Context) (int, error) {
	runs, err := g.store.ListRuns(ctx, store.RunFilter{Statuses: []contracts.RunStatus{contracts.StatusProposed}})
	if err != nil {
		return 0, fmt.Errorf("list proposed runs: %w", err)
	}
	n := 0
	for _, r := range runs {
		if r.ApprovalID != "" {
			continue
		}
		unlock := g.lockKey(r.Key())
		err := g.settleFailed(ctx, r, errInterrupted)
		unlock()
		if err != nil {
			return n, fmt.Errorf("fail interrupted run %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}
