package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid run status transition")
	ErrNotFound          = errors.New("not found")
)

// PolicyViolation is raised when a run breaks a governance or parameter
// rule. It is always recoverable locally and never retried.
type PolicyViolation struct {
	Policy Policy
	Detail string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Policy, e.Detail)
}

// TimeoutExceeded is raised when execution outlives its deadline.
type TimeoutExceeded struct {
	Deadline time.Duration
}

func (e *TimeoutExceeded) Error() string {
	return fmt.Sprintf("execution exceeded deadline of %s", e.Deadline)
}

// VerificationFailed is raised when execution completed but the triggering
// condition persists.
type VerificationFailed struct {
	Expression string
	Attempts   int
	Cause      error
}

func (e *VerificationFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("verification %q failed after %d attempts: %v", e.Expression, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("verification %q failed after %d attempts", e.Expression, e.Attempts)
}

func (e *VerificationFailed) Unwrap() error { return e.Cause }

// LedgerWriteFailure is raised when an audit append could not be made
// durable. It is fatal to the step in progress.
type LedgerWriteFailure struct {
	Cause error
}

func (e *LedgerWriteFailure) Error() string {
	return fmt.Sprintf("ledger write failed: %v", e.Cause)
}

func (e *LedgerWriteFailure) Unwrap() error { return e.Cause }

// UpstreamUnavailable is raised when the telemetry pipeline or an
// execution target cannot be reached.
type UpstreamUnavailable struct {
	Upstream string
	Cause    error
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Upstream, e.Cause)
}

func (e *UpstreamUnavailable) Unwrap() error { return e.Cause }

// IsLedgerFailure reports whether err is, or wraps, a LedgerWriteFailure.
func IsLedgerFailure(err error) bool {
	var lf *LedgerWriteFailure
	return errors.As(err, &lf)
}
