package escrow

import (
	"fmt"
)

// ValidationError marks caller-supplied input as unusable (missing price,
// empty notes). Retrying without fixing the input will fail again.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// GateFailure reports the first completion-proof gate that did not hold.
// Retryable once the named precondition is met.
type GateFailure struct {
	Gate Gate
}

func (e *GateFailure) Error() string {
	return fmt.Sprintf("proof gate rejected: %s", e.Gate)
}

// ConflictError reports an operation that is invalid for the job or payment's
// current status. Not retryable; it indicates a caller bug or a race already
// resolved elsewhere.
type ConflictError struct {
	Op      string
	Status  string
	Allowed string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s not valid in status %q (requires %s)", e.Op, e.Status, e.Allowed)
}

// AuthorizationError wraps a processor failure during Authorize. The job is
// left in created and no payment row exists.
type AuthorizationError struct {
	Cause error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %v", e.Cause)
}

func (e *AuthorizationError) Unwrap() error { return e.Cause }

// PermissionError reports a caller that is neither the assigned provider,
// the job's customer, nor an administrator for the attempted operation.
type PermissionError struct {
	Op string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("caller not permitted to %s", e.Op)
}
