// Package contracts defines the shared types of the remediation orchestrator:
// runs, approvals, audit and learning entries, and the run state machine.
package contracts

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a PlaybookRun.
type RunStatus string

const (
	StatusProposed   RunStatus = "proposed"
	StatusApproved   RunStatus = "approved"
	StatusBlocked    RunStatus = "blocked"
	StatusExecuting  RunStatus = "executing"
	StatusSucceeded  RunStatus = "succeeded"
	StatusFailed     RunStatus = "failed"
	StatusTimedOut   RunStatus = "timed_out"
	StatusAborted    RunStatus = "aborted"
	StatusRolledBack RunStatus = "rolled_back"
)

// transitions lists the only legal edges of the run state machine.
var transitions = map[RunStatus][]RunStatus{
	StatusProposed:  {StatusApproved, StatusBlocked, StatusFailed},
	StatusApproved:  {StatusExecuting, StatusAborted, StatusBlocked, StatusFailed},
	StatusExecuting: {StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted},
	StatusFailed:    {StatusRolledBack},
	StatusTimedOut:  {StatusRolledBack},
}

// CanTransition reports whether a run in status s may move to status to.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further execution may happen from s.
// failed and timed_out are terminal for execution purposes even though
// they may still settle into rolled_back.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusBlocked, StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted, StatusRolledBack:
		return true
	}
	return false
}

// InFlight reports whether a run still occupies its (service, playbook) slot.
func (s RunStatus) InFlight() bool {
	return s == StatusProposed || s == StatusApproved || s == StatusExecuting
}

// ImpactLevel grades the impact of a diagnosed degradation.
type ImpactLevel string

const (
	ImpactNone     ImpactLevel = "none"
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

var impactRank = map[ImpactLevel]int{
	ImpactNone:     0,
	ImpactLow:      1,
	ImpactMedium:   2,
	ImpactHigh:     3,
	ImpactCritical: 4,
}

// Rank orders impact levels. Unknown levels rank as critical so that an
// unrecognised value never loosens a policy.
func (l ImpactLevel) Rank() int {
	if r, ok := impactRank[l]; ok {
		return r
	}
	return impactRank[ImpactCritical]
}

// Diagnosis is the structured reason a remediation was proposed.
type Diagnosis struct {
	TriggerCode string      `json:"trigger_code" yaml:"trigger_code"`
	Title       string      `json:"title" yaml:"title"`
	Impact      ImpactLevel `json:"impact" yaml:"impact"`
	Confidence  float64     `json:"confidence" yaml:"confidence"`
}

// PlaybookRun is one attempted remediation.
type PlaybookRun struct {
	ID          string         `json:"id"`
	Service     string         `json:"service"`
	PlaybookID  string         `json:"playbook_id"`
	Status      RunStatus      `json:"status"`
	Diagnosis   Diagnosis      `json:"diagnosis"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RequestedBy string         `json:"requested_by"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	// ResultDetail is the structured reason of the last transition.
	ResultDetail string `json:"result_detail,omitempty"`

	RetryOf            string `json:"retry_of,omitempty"`
	ApprovalID         string `json:"approval_id,omitempty"`
	ManualIntervention bool   `json:"manual_intervention,omitempty"`
}

// Key returns the duplicate-suppression key of the run.
func (r *PlaybookRun) Key() string {
	return r.Service + "/" + r.PlaybookID
}

// Clone returns a deep-enough copy for store isolation.
func (r *PlaybookRun) Clone() *PlaybookRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.Parameters != nil {
		out.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Transition moves the run to status to, stamping timestamps.
func (r *PlaybookRun) Transition(to RunStatus, at time.Time) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	switch {
	case to == StatusExecuting:
		t := at
		r.StartedAt = &t
	case to.Terminal():
		t := at
		r.CompletedAt = &t
	}
	return nil
}
