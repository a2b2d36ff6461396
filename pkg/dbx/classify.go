package dbx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// =====================================
// Error Classifier
// =====================================

// Kind - the typed outcome of a failed statement.
type Kind int

const (
	// KindOther - anything the classifier does not recognize.
	KindOther Kind = iota
	// KindSyntaxError - malformed or unknown statement text (SQLSTATE class 42).
	KindSyntaxError
	// KindPoisonedTransaction - the current transaction is aborted and the
	// server ignores further commands until the end of the transaction
	// block (SQLSTATE 25P02).
	KindPoisonedTransaction
	// KindDeadlockDetected - the server unilaterally aborted this session
	// to break a lock-acquisition cycle (SQLSTATE 40P01).
	KindDeadlockDetected
	// KindConstraintViolation - integrity constraint violation (SQLSTATE class 23).
	KindConstraintViolation
)

func (k Kind) String() string {
	switch k {
	case KindSyntaxError:
		return "syntax_error"
	case KindPoisonedTransaction:
		return "poisoned_transaction"
	case KindDeadlockDetected:
		return "deadlock_detected"
	case KindConstraintViolation:
		return "constraint_violation"
	default:
		return "other"
	}
}

// SQLSTATE codes and classes the classifier maps.
const (
	codeInFailedSQLTransaction = "25P02"
	codeDeadlockDetected       = "40P01"
	classSyntaxError           = "42"
	classConstraintViolation   = "23"
)

// ClassifiedError - a statement failure with its classified kind.
//
// ClassifiedError values are produced exclusively by Classify so that
// every call site branches on Kind uniformly instead of re-deriving
// semantics from message text.
type ClassifiedError struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// Error - return the error string.
func (ce *ClassifiedError) Error() string {
	if ce.Code != "" {
		return fmt.Sprintf("%s (SQLSTATE %s): %s", ce.Kind, ce.Code, ce.Message)
	}

	return fmt.Sprintf("%s: %s", ce.Kind, ce.Message)
}

// Unwrap - return the raw error the classification was derived from.
func (ce *ClassifiedError) Unwrap() error {
	return ce.cause
}

// Classify - turn a raw server error into a ClassifiedError.
//
// Pure, total and stable: identical raw payloads always classify to the
// same Kind, a nil error classifies to nil, and absence of a mapping is
// not an error of the classifier itself (it yields KindOther).
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	// Already classified errors pass through unchanged.
	var cls *ClassifiedError
	if errors.As(err, &cls) {
		return cls
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ClassifiedError{
			Kind:    kindOfCode(pgErr.SQLState()),
			Code:    pgErr.SQLState(),
			Message: pgErr.Message,
			cause:   err,
		}
	}

	return &ClassifiedError{Kind: KindOther, Message: err.Error(), cause: err}
}

func kindOfCode(code string) Kind {
	switch {
	case code == codeInFailedSQLTransaction:
		return KindPoisonedTransaction
	case code == codeDeadlockDetected:
		return KindDeadlockDetected
	case strings.HasPrefix(code, classSyntaxError):
		return KindSyntaxError
	case strings.HasPrefix(code, classConstraintViolation):
		return KindConstraintViolation
	default:
		return KindOther
	}
}

// IsPoisoned - report whether err classifies as a poisoned transaction.
func IsPoisoned(err error) bool {
	cls := Classify(err)
	return cls != nil && cls.Kind == KindPoisonedTransaction
}

// IsDeadlock - report whether err classifies as a server-detected deadlock.
func IsDeadlock(err error) bool {
	cls := Classify(err)
	return cls != nil && cls.Kind == KindDeadlockDetected
}
