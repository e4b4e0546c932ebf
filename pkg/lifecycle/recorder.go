// Package lifecycle owns run state transitions. Every decision goes
// through Recorder.Record, which makes the audit entry durable before the
// new state becomes visible. The one exception is Start, whose audit
// entry is the one that later settles execution.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/ledger"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
)

// Decision is one governance or lifecycle step to record.
type Decision struct {
	Policy  contracts.Policy
	Verdict contracts.Verdict
	Detail  string
	// To is the status the run moves to; empty records the decision
	// without a transition.
	To contracts.RunStatus
	// Outcome, when set, settles the run: a learning entry is written and
	// observers are notified.
	Outcome contracts.LearningResult
}

// Metrics receives lifecycle measurements.
type Metrics interface {
	RecordDecision(ctx context.Context, policy, verdict string)
	RecordOutcome(ctx context.Context, playbookID, result string, d time.Duration)
	RecordLedgerFailure(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordDecision(context.Context, string, string)               {}
func (noopMetrics) RecordOutcome(context.Context, string, string, time.Duration) {}
func (noopMetrics) RecordLedgerFailure(context.Context)                          {}

// Observer is notified of every settled run.
type Observer func(e *contracts.LearningLogEntry)

// Recorder writes decisions to the ledger and the store.
type Recorder struct {
	ledger  *ledger.Ledger
	store   store.Store
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics

	retryInitial time.Duration
	retryTries   uint

	mu        sync.RWMutex
	observers []Observer

	ledgerFailures atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLedgerRetry sets the ledger append retry schedule.
func WithLedgerRetry(initial time.Duration, tries uint) Option {
	return func(r *Recorder) {
		r.retryInitial = initial
		r.retryTries = tries
	}
}

func New(l *ledger.Ledger, s store.Store, opts ...Option) *Recorder {
	r := &Recorder{
		ledger:       l,
		store:        s,
		clock:        time.Now,
		logger:       slog.Default().With("component", "lifecycle"),
		metrics:      noopMetrics{},
		retryInitial: 50 * time.Millisecond,
		retryTries:   3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers an observer of settled runs.
func (r *Recorder) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// LedgerFailures returns how many appends exhausted their retries.
func (r *Recorder) LedgerFailures() int64 {
	return r.ledgerFailures.Load()
}

// Now returns the recorder's clock reading.
func (r *Recorder) Now() time.Time { return r.clock() }

// Record applies d to run. On success run reflects the persisted state.
//
// Order: transition check, ledger append, store copy of the audit entry,
// compare-and-set of the run, then (for outcomes) the learning entry.
// A ledger failure leaves run untouched and returns *LedgerWriteFailure;
// the caller decides whether to Fail the run.
func (r *Recorder) Record(ctx context.Context, run *contracts.PlaybookRun, d Decision) error {
	now := r.clock()
	prev := run.Status
	next := run.Clone()
	if d.To != "" {
		if err := next.Transition(d.To, now); err != nil {
			return err
		}
		next.ResultDetail = d.Detail
	}

	entry := &contracts.AuditLogEntry{
		ID:            uuid.New().String(),
		RunID:         run.ID,
		PolicyChecked: d.Policy,
		Decision:      d.Verdict,
		Detail:        d.Detail,
		Timestamp:     now,
	}
	if err := r.appendLedger(ctx, func() (*ledger.Entry, error) {
		return r.ledger.AppendAudit(ctx, entry)
	}); err != nil {
		return err
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("store audit entry: %w", err)
	}
	if err := r.store.UpdateRun(ctx, next, prev); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	*run = *next

	r.metrics.RecordDecision(ctx, string(d.Policy), string(d.Verdict))
	r.logger.InfoContext(ctx, "run decision",
		"run_id", run.ID,
		"service", run.Service,
		"playbook_id", run.PlaybookID,
		"policy", d.Policy,
		"decision", d.Verdict,
		"status", run.Status,
		"detail", d.Detail,
	)

	if d.Outcome == "" {
		return nil
	}
	return r.settle(ctx, run, d.Outcome, now)
}

func (r *Recorder) settle(ctx context.Context, run *contracts.PlaybookRun, result contracts.LearningResult, now time.Time) error {
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	dur := now.Sub(start)
	if dur < 0 {
		dur = 0
	}
	le := &contracts.LearningLogEntry{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		PlaybookID: run.PlaybookID,
		Service:    run.Service,
		Result:     result,
		DurationMs: dur.Milliseconds(),
		CreatedAt:  now,
	}
	if err := r.appendLedger(ctx, func() (*ledger.Entry, error) {
		return r.ledger.AppendLearning(ctx, le)
	}); err != nil {
		return err
	}
	if err := r.store.AppendLearning(ctx, le); err != nil {
		return fmt.Errorf("store learning entry: %w", err)
	}
	r.metrics.RecordOutcome(ctx, run.PlaybookID, string(result), dur)
	r.notify(le)
	return nil
}

func (r *Recorder) notify(le *contracts.LearningLogEntry) {
	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		o(le)
	}
}

func (r *Recorder) appendLedger(ctx context.Context, op func() (*ledger.Entry, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxInterval = 20 * r.retryInitial
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.retryTries),
	)
	if err != nil {
		r.ledgerFailures.Add(1)
		r.metrics.RecordLedgerFailure(ctx)
		r.logger.ErrorContext(ctx, "ledger append failed", "error", err)
		return &contracts.LedgerWriteFailure{Cause: err}
	}
	return nil
}

// Start moves an approved run to executing with a compare-and-set. No
// audit entry is written; runs left executing by a crash are failed on
// recovery.
func (r *Recorder) Start(ctx context.Context, run *contracts.PlaybookRun) error {
	prev := run.Status
	next := run.Clone()
	if err := next.Transition(contracts.StatusExecuting, r.clock()); err != nil {
		return err
	}
	if err := r.store.UpdateRun(ctx, next, prev); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	*run = *next
	r.logger.InfoContext(ctx, "run executing",
		"run_id", run.ID, "service", run.Service, "playbook_id", run.PlaybookID)
	return nil
}

// Fail marks run failed after its audit write could not be made durable.
// Nothing is appended to the ledger; the store receives a ledger/failed
// audit row and a failure learning entry so the outage stays visible.
// A run already past execution is flagged for manual intervention instead.
func (r *Recorder) Fail(ctx context.Context, run *contracts.PlaybookRun, cause error) error {
	now := r.clock()
	prev := run.Status
	next := run.Clone()
	detail := "audit ledger unavailable"
	if cause != nil {
		detail = cause.Error()
	}

	settled := false
	if prev.CanTransition(contracts.StatusFailed) {
		if err := next.Transition(contracts.StatusFailed, now); err != nil {
			return err
		}
		settled = true
	} else {
		next.ManualIntervention = true
	}
	next.ResultDetail = detail

	if err := r.store.UpdateRun(ctx, next, prev); err != nil {
		return fmt.Errorf("persist failed run %s: %w", run.ID, err)
	}
	*run = *next

	if err := r.store.AppendAudit(ctx, &contracts.AuditLogEntry{
		ID:            uuid.New().String(),
		RunID:         run.ID,
		PolicyChecked: contracts.PolicyLedger,
		Decision:      contracts.VerdictFailed,
		Detail:        detail,
		Timestamp:     now,
	}); err != nil {
		r.logger.ErrorContext(ctx, "store audit entry for failed run", "run_id", run.ID, "error", err)
	}
	r.logger.ErrorContext(ctx, "run failed: unauditable",
		"run_id", run.ID, "service", run.Service, "playbook_id", run.PlaybookID, "status", run.Status)

	if !settled {
		return nil
	}
	le := &contracts.LearningLogEntry{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		PlaybookID: run.PlaybookID,
		Service:    run.Service,
		Result:     contracts.ResultFailure,
		CreatedAt:  now,
	}
	if err := r.store.AppendLearning(ctx, le); err != nil {
		return fmt.Errorf("store learning entry: %w", err)
	}
	r.notify(le)
	return nil
}
