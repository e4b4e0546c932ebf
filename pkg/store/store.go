// Package store persists runs, approval requests and the queryable copies
// of audit and learning entries. The ledger remains the tamper-evident
// source of truth; these tables serve lookups and the operator API.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// ErrConflict is returned when a compare-and-set update finds the row in a
// different state than expected.
var ErrConflict = errors.New("concurrent modification")

// RunFilter selects runs. Zero fields do not constrain.
type RunFilter struct {
	Service      string
	PlaybookID   string
	Statuses     []contracts.RunStatus
	CreatedAfter time.Time
	Limit        int
	// OldestFirst orders by created_at ascending; the default is newest first.
	OldestFirst bool
}

func (f RunFilter) matches(r *contracts.PlaybookRun) bool {
	if f.Service != "" && r.Service != f.Service {
		return false
	}
	if f.PlaybookID != "" && r.PlaybookID != f.PlaybookID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// ApprovalFilter selects approval requests.
type ApprovalFilter struct {
	Service      string
	PlaybookID   string
	PendingOnly  bool
	CreatedAfter time.Time
}

func (f ApprovalFilter) matches(a *contracts.ApprovalRequest) bool {
	if f.Service != "" && a.Service != f.Service {
		return false
	}
	if f.PlaybookID != "" && a.PlaybookID != f.PlaybookID {
		return false
	}
	if f.PendingOnly && !a.Pending() {
		return false
	}
	if !f.CreatedAfter.IsZero() && !a.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// Store is the persistence boundary of the orchestrator.
type Store interface {
	CreateRun(ctx context.Context, run *contracts.PlaybookRun) error
	GetRun(ctx context.Context, id string) (*contracts.PlaybookRun, error)
	// UpdateRun overwrites run only if the stored status still equals
	// expected, otherwise it returns ErrConflict.
	UpdateRun(ctx context.Context, run *contracts.PlaybookRun, expected contracts.RunStatus) error
	ListRuns(ctx context.Context, f RunFilter) ([]*contracts.PlaybookRun, error)

	CreateApproval(ctx context.Context, a *contracts.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	// DecideApproval records a decision on a pending request; a request that
	// is no longer pending yields ErrConflict.
	DecideApproval(ctx context.Context, a *contracts.ApprovalRequest) error
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]*contracts.ApprovalRequest, error)

	AppendAudit(ctx context.Context, e *contracts.AuditLogEntry) error
	ListAudit(ctx context.Context, runID string) ([]*contracts.AuditLogEntry, error)
	AppendLearning(ctx context.Context, e *contracts.LearningLogEntry) error
	// ListLearning returns entries created at or after since, oldest first.
	ListLearning(ctx context.Context, since time.Time) ([]*contracts.LearningLogEntry, error)
}
