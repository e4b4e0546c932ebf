package contracts

import "time"

// Policy names the governance or lifecycle check an audit entry records.
type Policy string

const (
	PolicyDuplicateGuard  Policy = "duplicate_guard"
	PolicyChangeWindow    Policy = "change_window"
	PolicyAutonomyTier    Policy = "autonomy_tier"
	PolicyHumanApproval   Policy = "human_approval"
	PolicyApprovalExpiry  Policy = "approval_expiry"
	PolicyParameterBounds Policy = "parameter_bounds"
	PolicyTimeout         Policy = "timeout"
	PolicyExecution       Policy = "execution"
	PolicyVerification    Policy = "verification"
	PolicyRollback        Policy = "rollback"
	PolicyCatalog         Policy = "catalog"
	PolicyLedger          Policy = "ledger"
	PolicyPersistence     Policy = "persistence"
)

// Verdict is the outcome recorded for a policy check.
type Verdict string

const (
	VerdictAllow      Verdict = "allow"
	VerdictBlock      Verdict = "block"
	VerdictAbort      Verdict = "abort"
	VerdictEscalate   Verdict = "escalate"
	VerdictSucceeded  Verdict = "succeeded"
	VerdictFailed     Verdict = "failed"
	VerdictTimedOut   Verdict = "timed_out"
	VerdictRolledBack Verdict = "rolled_back"
)

// AuditLogEntry is one governance or lifecycle decision. Append-only.
type AuditLogEntry struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	PolicyChecked Policy    `json:"policy_checked"`
	Decision      Verdict   `json:"decision"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// LearningResult is the outcome class of a completed run.
type LearningResult string

const (
	ResultSuccess    LearningResult = "success"
	ResultFailure    LearningResult = "failure"
	ResultBlocked    LearningResult = "blocked"
	ResultTimeout    LearningResult = "timeout"
	ResultRolledBack LearningResult = "rolled_back"
)

// LearningLogEntry is one completed run's outcome.
type LearningLogEntry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	PlaybookID string         `json:"playbook_id"`
	Service    string         `json:"service"`
	Result     LearningResult `json:"result"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}
