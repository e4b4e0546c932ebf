package contracts

import "time"

// ApprovalDecision is the state of a human review.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ApprovalRequest is a pending human decision tied 1:1 to a run.
type ApprovalRequest struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	Service     string           `json:"service"`
	PlaybookID  string           `json:"playbook_id"`
	Reason      string           `json:"reason"`
	RequestedBy string           `json:"requested_by"`
	CreatedAt   time.Time        `json:"created_at"`
	Decision    ApprovalDecision `json:"decision"`
	DecidedBy   string           `json:"decided_by,omitempty"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
}

// Pending reports whether the request still awaits a decision.
func (a *ApprovalRequest) Pending() bool {
	return a.Decision == DecisionPending
}

// Clone returns an independent copy.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	out := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}
