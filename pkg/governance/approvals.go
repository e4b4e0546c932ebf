package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
)

const (
	requesterGovernance = "governance"
	// ExpirySubject is recorded as decided_by on expired requests.
	ExpirySubject = "system:expiry"
)

var (
	ErrApprovalNotPending = errors.New("approval request is not pending")
	ErrApprovalExpired    = errors.New("approval request expired")
)

func (g *Gate) escalate(ctx context.Context, run *contracts.PlaybookRun, reason string, now time.Time) (Outcome, error) {
	a := &contracts.ApprovalRequest{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		Service:     run.Service,
		PlaybookID:  run.PlaybookID,
		Reason:      reason,
		RequestedBy: requesterGovernance,
		CreatedAt:   now,
		Decision:    contracts.DecisionPending,
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}

	run.ApprovalID = a.ID
	if err := g.rec.Record(ctx, run, lifecycle.Decision{
		Policy:  contracts.PolicyAutonomyTier,
		Verdict: contracts.VerdictEscalate,
		Detail:  reason,
	}); err != nil {
		// Withdraw the request so no one approves an unaudited run.
		a.Decision = contracts.DecisionRejected
		a.DecidedBy = "system:ledger"
		a.DecidedAt = &now
		_ = g.store.DecideApproval(ctx, a)
		run.ApprovalID = ""
		return "", err
	}

	g.logger.InfoContext(ctx, "approval requested",
		"run_id", run.ID, "approval_id", a.ID, "service", run.Service,
		"playbook_id", run.PlaybookID, "reason", reason)
	return OutcomePending, nil
}

// PendingApprovals lists requests awaiting a decision, oldest first.
func (g *Gate) PendingApprovals(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, store.ApprovalFilter{PendingOnly: true})
}

// Decide records a human decision on a pending request. Approval moves the
// run to approved and wakes the runner; rejection blocks it. A request
// older than the TTL is expired instead and ErrApprovalExpired returned.
func (g *Gate) Decide(ctx context.Context, approvalID string, approve bool, decidedBy, reason string) (*contracts.ApprovalRequest, error) {
	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if !a.Pending() {
		return nil, fmt.Errorf("approval %s is %s: %w", approvalID, a.Decision, ErrApprovalNotPending)
	}

	unlock := g.lockKey(a.Service + "/" + a.PlaybookID)
	defer unlock()

	run, err := g.store.GetRun(ctx, a.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.StatusProposed {
		return nil, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrApprovalNotPending)
	}
	now := g.clock()

	if g.cfg.ApprovalTTL > 0 && now.Sub(a.CreatedAt) > g.cfg.ApprovalTTL {
		if err := g.expire(ctx, a, run, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrApprovalExpired)
	}

	a.DecidedBy = decidedBy
	a.DecidedAt = &now
	d := lifecycle.Decision{Policy: contracts.PolicyHumanApproval}
	if approve {
		a.Decision = contracts.DecisionApproved
		d.Verdict = contracts.VerdictAllow
		d.To = contracts.StatusApproved
		d.Detail = "approved by " + decidedBy
	} else {
		a.Decision = contracts.DecisionRejected
		d.Verdict = contracts.VerdictBlock
		d.To = contracts.StatusBlocked
		d.Outcome = contracts.ResultBlocked
		d.Detail = "rejected by " + decidedBy
	}
	if reason != "" {
		d.Detail += ": " + reason
	}

	if err := g.store.DecideApproval(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("approval %s: %w", approvalID, ErrApprovalNotPending)
		}
		return nil, err
	}
	if err := g.rec.Record(ctx, run, d); err != nil {
		_, err = g.fail(ctx, run, err)
		return nil, err
	}
	if approve {
		g.approved(run.ID)
	}
	return a, nil
}

// ExpireApprovals rejects every pending request older than the TTL and
// blocks its run. It returns how many were expired.
func (g *Gate) ExpireApprovals(ctx context.Context) (int, error) {
	if g.cfg.ApprovalTTL <= 0 {
		return 0, nil
	}
	pending, err := g.PendingApprovals(ctx)
	if err != nil {
		return 0, err
	}
	now := g.clock()
	n := 0
	for _, a := range pending {
		if now.Sub(a.CreatedAt) <= g.cfg.ApprovalTTL {
			continue
		}
		if err := g.expireOne(ctx, a, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (g *Gate) expireOne(ctx context.Context, a *contracts.ApprovalRequest, now time.Time) error {
	unlock := g.lockKey(a.Service + "/" + a.PlaybookID)
	defer unlock()
	run, err := g.store.GetRun(ctx, a.RunID)
	if err != nil {
		return err
	}
	return g.expire(ctx, a, run, now)
}

func (g *Gate) expire(ctx context.Context, a *contracts.ApprovalRequest, run *contracts.PlaybookRun, now time.Time) error {
	a.Decision = contracts.DecisionRejected
	a.DecidedBy = ExpirySubject
	a.DecidedAt = &now
	if err := g.store.DecideApproval(ctx, a); err != nil {
		return err
	}
	if run.Status != contracts.StatusProposed {
		return nil
	}
	if err := g.rec.Record(ctx, run, lifecycle.Decision{
		Policy:  contracts.PolicyApprovalExpiry,
		Verdict: contracts.VerdictBlock,
		Detail:  fmt.Sprintf("approval %s pending longer than %s", a.ID, g.cfg.ApprovalTTL),
		To:      contracts.StatusBlocked,
		Outcome: contracts.ResultBlocked,
	}); err != nil {
		_, err = g.fail(ctx, run, err)
		return err
	}
	return nil
}

// Run expires stale approvals every interval until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := g.ExpireApprovals(ctx)
			if err != nil {
				g.logger.ErrorContext(ctx, "approval expiry failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.InfoContext(ctx, "approvals expired", "count", n)
			}
		}
	}
}
