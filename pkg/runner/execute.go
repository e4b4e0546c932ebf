package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/action"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/verify"
)

// execute takes one approved run to a terminal state. Policy outcomes are
// recorded, not returned; the error reports ledger and store failures.
func (r *Runner) execute(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != contracts.StatusApproved {
		return nil
	}

	def, ok := r.catalog.Get(run.PlaybookID)
	if !ok {
		return r.abort(ctx, run, contracts.PolicyCatalog, fmt.Sprintf("playbook %s is not in the catalog", run.PlaybookID))
	}
	params, err := r.catalog.ValidateParams(def.ID, run.Parameters)
	if err != nil {
		return r.abort(ctx, run, contracts.PolicyParameterBounds, err.Error())
	}
	act, err := r.actions.Resolve(def.Action)
	if err != nil {
		return r.abort(ctx, run, contracts.PolicyCatalog, err.Error())
	}
	run.Parameters = params.Values()

	if err := r.rec.Start(ctx, run); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	r.inflight.Store(run.ID, InFlight{
		RunID: run.ID, Service: run.Service, PlaybookID: run.PlaybookID, StartedAt: *run.StartedAt,
	})
	defer r.inflight.Delete(run.ID)

	deadline := r.deadline(def)
	tctx, done := r.tracker.TrackExecution(ctx, run.ID, run.Service, run.PlaybookID)
	res, execErr := r.runAction(tctx, act, action.Request{
		RunID:      run.ID,
		Service:    run.Service,
		PlaybookID: run.PlaybookID,
		Params:     run.Parameters,
	}, deadline)
	done(execErr)

	var timeout *contracts.TimeoutExceeded
	switch {
	case errors.As(execErr, &timeout):
		return r.timedOut(ctx, run, def, timeout)
	case execErr != nil:
		return r.failed(ctx, run, def, contracts.PolicyExecution, fmt.Sprintf("%s failed: %v", def.Action, execErr))
	}

	if err := r.verify(ctx, run, def); err != nil {
		return r.failed(ctx, run, def, contracts.PolicyVerification, err.Error())
	}

	detail := def.Action + " succeeded"
	if res.Detail != "" {
		detail += ": " + res.Detail
	}
	if def.Verify != "" && r.verifier != nil {
		detail += "; verified " + def.Verify
	}
	err = r.record(ctx, run, lifecycle.Decision{
		Policy:  contracts.PolicyExecution,
		Verdict: contracts.VerdictSucceeded,
		Detail:  detail,
		To:      contracts.StatusSucceeded,
		Outcome: contracts.ResultSuccess,
	})
	r.count(run)
	return err
}

func (r *Runner) deadline(def *contracts.PlaybookDefinition) time.Duration {
	d := r.cfg.ExecutionTimeout
	if d <= 0 {
		d = DefaultConfig().ExecutionTimeout
	}
	if def.Timeout > 0 && def.Timeout < d {
		d = def.Timeout
	}
	return d
}

// runAction is the watchdog. A result that arrives after the deadline is
// still a timeout.
func (r *Runner) runAction(ctx context.Context, act action.Action, req action.Request, deadline time.Duration) (action.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		res action.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := act.Execute(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return action.Result{}, &contracts.TimeoutExceeded{Deadline: deadline}
		}
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.WarnContext(ctx, "action abandoned at deadline",
				"run_id", req.RunID, "action", act.Name(), "deadline", deadline)
			return action.Result{}, &contracts.TimeoutExceeded{Deadline: deadline}
		}
		return action.Result{}, ctx.Err()
	}
}

func (r *Runner) verify(ctx context.Context, run *contracts.PlaybookRun, def *contracts.PlaybookDefinition) error {
	if def.Verify == "" || r.probe == nil || r.verifier == nil {
		return nil
	}
	attempts := r.cfg.VerifyAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if r.cfg.VerifyInterval > 0 {
			t := time.NewTimer(r.cfg.VerifyInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return &contracts.VerificationFailed{Expression: def.Verify, Attempts: i, Cause: ctx.Err()}
			case <-t.C:
			}
		}
		metrics, err := r.probe.Sample(ctx, run.Service)
		if err == nil {
			var ok bool
			ok, err = r.verifier.Eval(def.Verify, verify.Input{
				Service: run.Service,
				Metrics: metrics,
				Params:  run.Parameters,
			})
			if err == nil && ok {
				return nil
			}
		}
		last = err
	}
	return &contracts.VerificationFailed{Expression: def.Verify, Attempts: attempts, Cause: last}
}

func (r *Runner) abort(ctx context.Context, run *contracts.PlaybookRun, policy contracts.Policy, detail string) error {
	err := r.record(ctx, run, lifecycle.Decision{
		Policy:  policy,
		Verdict: contracts.VerdictAbort,
		Detail:  detail,
		To:      contracts.StatusAborted,
		Outcome: contracts.ResultFailure,
	})
	r.count(run)
	return err
}

func (r *Runner) timedOut(ctx context.Context, run *contracts.PlaybookRun, def *contracts.PlaybookDefinition, cause *contracts.TimeoutExceeded) error {
	d := lifecycle.Decision{
		Policy:  contracts.PolicyTimeout,
		Verdict: contracts.VerdictAbort,
		Detail:  cause.Error(),
		To:      contracts.StatusTimedOut,
	}
	if !def.HasRollback() {
		d.Outcome = contracts.ResultTimeout
		run.ManualIntervention = true
	}
	if err := r.record(ctx, run, d); err != nil || !def.HasRollback() {
		r.count(run)
		return err
	}
	return r.rollback(ctx, run, def, contracts.ResultTimeout)
}

func (r *Runner) failed(ctx context.Context, run *contracts.PlaybookRun, def *contracts.PlaybookDefinition, policy contracts.Policy, detail string) error {
	d := lifecycle.Decision{
		Policy:  policy,
		Verdict: contracts.VerdictFailed,
		Detail:  detail,
		To:      contracts.StatusFailed,
	}
	if !def.HasRollback() {
		d.Outcome = contracts.ResultFailure
		run.ManualIntervention = true
	}
	if err := r.record(ctx, run, d); err != nil || !def.HasRollback() {
		r.count(run)
		return err
	}
	return r.rollback(ctx, run, def, contracts.ResultFailure)
}

// rollback runs the playbook's rollback action once. If it fails the run
// keeps its failed or timed_out status and needs manual intervention.
func (r *Runner) rollback(ctx context.Context, run *contracts.PlaybookRun, def *contracts.PlaybookDefinition, failure contracts.LearningResult) error {
	act, err := r.actions.Resolve(def.Rollback)
	var res action.Result
	if err == nil {
		res, err = r.runAction(ctx, act, action.Request{
			RunID:      run.ID,
			Service:    run.Service,
			PlaybookID: run.PlaybookID,
			Rollback:   true,
			Params:     run.Parameters,
		}, r.deadline(def))
	}

	d := lifecycle.Decision{Policy: contracts.PolicyRollback}
	if err != nil {
		run.ManualIntervention = true
		d.Verdict = contracts.VerdictFailed
		d.Detail = fmt.Sprintf("rollback %s failed: %v", def.Rollback, err)
		d.Outcome = failure
	} else {
		d.Verdict = contracts.VerdictRolledBack
		d.Detail = "rolled back with " + def.Rollback
		if res.Detail != "" {
			d.Detail += ": " + res.Detail
		}
		d.To = contracts.StatusRolledBack
		d.Outcome = contracts.ResultRolledBack
	}
	rerr := r.record(ctx, run, d)
	r.count(run)
	return rerr
}
