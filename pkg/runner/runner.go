// Package runner executes approved runs, one at a time per service:
// parameter validation, the timeout watchdog, verification, rollback and
// the terminal audit and learning entries.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/action"
	"github.com/Mindburn-Labs/selfheal/pkg/catalog"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/telemetry"
	"github.com/Mindburn-Labs/selfheal/pkg/verify"
)

// Config holds execution limits.
type Config struct {
	DispatchInterval time.Duration
	// ExecutionTimeout caps every execution; a playbook's own timeout
	// can only shorten it.
	ExecutionTimeout time.Duration
	VerifyAttempts   int
	VerifyInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		DispatchInterval: 2 * time.Second,
		ExecutionTimeout: 10 * time.Minute,
		VerifyAttempts:   3,
		VerifyInterval:   10 * time.Second,
	}
}

// Tracker wraps the execution step, e.g. in a trace span.
type Tracker interface {
	TrackExecution(ctx context.Context, runID, service, playbookID string) (context.Context, func(error))
}

type noopTracker struct{}

func (noopTracker) TrackExecution(ctx context.Context, _, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// InFlight describes a run currently executing.
type InFlight struct {
	RunID      string    `json:"run_id"`
	Service    string    `json:"service"`
	PlaybookID string    `json:"playbook_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Stats is the runner's operational snapshot.
type Stats struct {
	Executing          []InFlight       `json:"executing"`
	Results            map[string]int64 `json:"results"`
	ManualIntervention int64            `json:"manual_intervention"`
	LastDispatch       time.Time        `json:"last_dispatch,omitempty"`
}

// Runner executes approved runs.
type Runner struct {
	store    store.Store
	rec      *lifecycle.Recorder
	catalog  *catalog.Catalog
	actions  *action.Registry
	probe    telemetry.Probe
	verifier *verify.Evaluator
	tracker  Tracker
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger

	locks    sync.Map // service -> *sync.Mutex
	inflight sync.Map // run id -> InFlight
	wake     chan struct{}
	wg       sync.WaitGroup

	resultMu     sync.Mutex
	results      map[string]int64
	manual       atomic.Int64
	lastDispatch atomic.Int64
}

type Option func(*Runner)

func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithVerification enables post-execution checks.
func WithVerification(p telemetry.Probe, e *verify.Evaluator) Option {
	return func(r *Runner) {
		r.probe = p
		r.verifier = e
	}
}

func WithTracker(t Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

func New(s store.Store, rec *lifecycle.Recorder, cat *catalog.Catalog, actions *action.Registry, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		store:   s,
		rec:     rec,
		catalog: cat,
		actions: actions,
		tracker: noopTracker{},
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default().With("component", "runner"),
		wake:    make(chan struct{}, 1),
		results: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify wakes the dispatch loop, e.g. when a run was approved.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches approved runs until ctx is done, then waits for
// executions in progress.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.DispatchInterval)
	defer ticker.Stop()
	defer r.wg.Wait()
	for {
		if err := r.Dispatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Dispatch starts every approved run whose service is idle. Runs for a
// busy service stay approved and are picked up by a later dispatch.
func (r *Runner) Dispatch(ctx context.Context) error {
	r.lastDispatch.Store(r.clock().UnixNano())
	runs, err := r.store.ListRuns(ctx, store.RunFilter{
		Statuses:    []contracts.RunStatus{contracts.StatusApproved},
		OldestFirst: true,
	})
	if err != nil {
		return fmt.Errorf("list approved runs: %w", err)
	}
	for _, run := range runs {
		mu := r.lock(run.Service)
		if !mu.TryLock() {
			continue
		}
		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			defer mu.Unlock()
			// Shutdown must not cancel an execution midway; the watchdog bounds it.
			if err := r.execute(context.WithoutCancel(ctx), id); err != nil {
				r.logger.ErrorContext(ctx, "execution failed", "run_id", id, "error", err)
			}
			r.Notify()
		}(run.ID)
	}
	return nil
}

// Execute runs one approved run synchronously, waiting for its service
// to be idle. Runs no longer approved are ignored.
func (r *Runner) Execute(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	mu := r.lock(run.Service)
	mu.Lock()
	defer mu.Unlock()
	return r.execute(ctx, runID)
}

// Wait blocks until executions started by Dispatch have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) lock(service string) *sync.Mutex {
	if v, ok := r.locks.Load(service); ok {
		return v.(*sync.Mutex)
	}
	v, _ := r.locks.LoadOrStore(service, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Recover fails runs left executing by a previous process. Their effect
// is unknown, so they are flagged for manual intervention rather than
// rolled back.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	runs, err := r.store.ListRuns(ctx, store.RunFilter{
		Statuses: []contracts.RunStatus{contracts.StatusExecuting},
	})
	if err != nil {
		return 0, fmt.Errorf("list executing runs: %w", err)
	}
	n := 0
	for _, run := range runs {
		if _, busy := r.inflight.Load(run.ID); busy {
			continue
		}
		run.ManualIntervention = true
		if err := r.record(ctx, run, lifecycle.Decision{
			Policy:  contracts.PolicyExecution,
			Verdict: contracts.VerdictFailed,
			Detail:  "execution interrupted by orchestrator restart",
			To:      contracts.StatusFailed,
			Outcome: contracts.ResultFailure,
		}); err != nil {
			return n, err
		}
		r.count(run)
		n++
	}
	return n, nil
}

// Stats returns in-flight executions and result counters.
func (r *Runner) Stats() Stats {
	st := Stats{Executing: []InFlight{}, Results: make(map[string]int64)}
	r.inflight.Range(func(_, v any) bool {
		st.Executing = append(st.Executing, v.(InFlight))
		return true
	})
	sort.Slice(st.Executing, func(i, j int) bool { return st.Executing[i].Service < st.Executing[j].Service })
	r.resultMu.Lock()
	for k, v := range r.results {
		st.Results[k] = v
	}
	r.resultMu.Unlock()
	st.ManualIntervention = r.manual.Load()
	if ns := r.lastDispatch.Load(); ns != 0 {
		st.LastDispatch = time.Unix(0, ns).UTC()
	}
	return st
}

func (r *Runner) count(run *contracts.PlaybookRun) {
	r.resultMu.Lock()
	r.results[string(run.Status)]++
	r.resultMu.Unlock()
	if run.ManualIntervention {
		r.manual.Add(1)
		r.logger.Warn("run needs manual intervention",
			"run_id", run.ID, "service", run.Service, "playbook_id", run.PlaybookID, "status", run.Status)
	}
}

// record applies d and fails the run when the ledger is unavailable.
func (r *Runner) record(ctx context.Context, run *contracts.PlaybookRun, d lifecycle.Decision) error {
	err := r.rec.Record(ctx, run, d)
	if err == nil {
		return nil
	}
	if contracts.IsLedgerFailure(err) {
		if ferr := r.rec.Fail(ctx, run, err); ferr != nil {
			r.logger.ErrorContext(ctx, "could not mark run failed", "run_id", run.ID, "error", ferr)
		}
	}
	return err
}
