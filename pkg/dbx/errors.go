package dbx

import (
	"fmt"
)

// INVALID STATE ERROR:

// InvalidStateError - an operation was attempted in a session state that
// does not permit it (for example commit on an aborted session).
type InvalidStateError struct {
	Op    string
	State State
	cause error
}

// Error - return the error string.
func (e *InvalidStateError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invalid state: cannot %s from state %s: %v", e.Op, e.State, e.cause)
	}

	return fmt.Sprintf("invalid state: cannot %s from state %s", e.Op, e.State)
}

// Unwrap - return the underlying cause, if any. For a commit attempted on
// an aborted session this is the classified error that tainted it.
func (e *InvalidStateError) Unwrap() error {
	return e.cause
}

// RECOVERY FAILED ERROR:

// RecoveryFailedError - recovery could not establish that a connection is
// clean; the connection must be discarded from the pool, never reused.
type RecoveryFailedError struct {
	Reason string
	cause  error
}

// NewRecoveryFailedError - RecoveryFailedError constructor.
func NewRecoveryFailedError(cause error, reason string, args ...any) *RecoveryFailedError {
	return &RecoveryFailedError{Reason: fmt.Sprintf(reason, args...), cause: cause}
}

// Error - return the error string.
func (e *RecoveryFailedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("recovery failed: %s: %v", e.Reason, e.cause)
	}

	return fmt.Sprintf("recovery failed: %s", e.Reason)
}

// Unwrap - return the underlying cause, if any.
func (e *RecoveryFailedError) Unwrap() error {
	return e.cause
}

// ROLLBACK SIGNAL:

// RollbackSignal - the distinguished control value a transaction function
// returns to request a rollback with an arbitrary payload. It travels up
// the call chain as an ordinary error value, not as a panic, so the
// control transfer stays explicit and typed.
type RollbackSignal struct {
	Reason any
}

// Error - return the error string.
func (s *RollbackSignal) Error() string {
	return fmt.Sprintf("rollback requested: %v", s.Reason)
}

// RollbackWith - build the control signal that makes the Runner roll the
// transaction back and surface RollbackOutcome{Reason: reason}.
func RollbackWith(reason any) error {
	return &RollbackSignal{Reason: reason}
}

// RollbackOutcome - the terminal result of a transaction that did not
// commit. Reason is either the caller-supplied rollback payload or the
// classified error that forced the rollback; the core never inspects it.
type RollbackOutcome struct {
	Reason any
}
