package dbx

import (
	"context"
	"errors"
	"fmt"
)

// =====================================
// Nesting Strategies
// =====================================

// NestingStrategy - behavior of Run when invoked from inside an already
// active session. Selected once at Runner construction instead of being a
// mode flag scattered through the Runner body.
type NestingStrategy interface {
	RunNested(ctx context.Context, s *Session, fn TxFunc) (*RollbackOutcome, error)
}

// FlatNesting - plain reentrant nesting: the inner call reuses the
// existing active session without a second physical begin, and any inner
// rollback taints the whole outer transaction. An inner invalid statement
// aborting the outer work is intentional, not a bug.
type FlatNesting struct{}

// RunNested implements NestingStrategy.
func (FlatNesting) RunNested(ctx context.Context, s *Session, fn TxFunc) (*RollbackOutcome, error) {
	if s.state == StateAborted {
		// The enclosing transaction is already poisoned: refuse to run fn
		// at all, mirroring what every statement inside it would report.
		return &RollbackOutcome{Reason: s.lastErr}, s.poisoned()
	}

	err := fn(ctx, s)

	var sig *RollbackSignal

	switch {
	case err == nil:
		if s.state == StateAborted {
			return &RollbackOutcome{Reason: s.lastErr}, s.lastErr
		}

		return nil, nil

	case errors.As(err, &sig):
		s.taint(sig)
		return &RollbackOutcome{Reason: sig.Reason}, nil

	default:
		s.taint(err)
		return &RollbackOutcome{Reason: err}, err
	}
}

// SavepointNesting - sandbox nesting: each nested level is bracketed by a
// named savepoint, so nested work is reversible without committing or
// rolling back the outer transaction.
//
// By default a genuinely aborted session refuses savepoint-local rollback
// and surfaces the poisoned transaction through every enclosing level
// until a full rollback and recovery occur. Containment - rolling back to
// the savepoint to clear the failed state and keep the outer levels
// usable - is an explicit opt-in.
type SavepointNesting struct {
	// Containment, when set, recovers an aborted session by rolling back
	// to the level's savepoint and restoring it to Active, instead of
	// propagating the abort to every enclosing level.
	Containment bool
}

// RunNested implements NestingStrategy.
func (n SavepointNesting) RunNested(ctx context.Context, s *Session, fn TxFunc) (*RollbackOutcome, error) {
	s.depth++
	defer func() { s.depth-- }()

	name := savepointName(s.depth)

	// An aborted session rejects SAVEPOINT itself, so the poisoned error
	// propagates before fn ever runs.
	if _, err := s.Execute(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}

	err := fn(ctx, s)

	var sig *RollbackSignal

	switch {
	case err == nil:
		if s.state == StateAborted {
			return n.contain(ctx, s, name, s.lastErr)
		}

		if _, err := s.Execute(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return nil, err
		}

		return nil, nil

	case errors.As(err, &sig):
		if s.state == StateAborted {
			return n.contain(ctx, s, name, sig.Reason)
		}

		if _, err := s.Execute(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return nil, err
		}

		return &RollbackOutcome{Reason: sig.Reason}, nil

	default:
		if s.state == StateAborted {
			return n.contain(ctx, s, name, err)
		}

		if _, rbErr := s.Execute(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return nil, rbErr
		}

		return &RollbackOutcome{Reason: err}, err
	}
}

// contain resolves a nested level whose session was aborted by an inner
// statement failure. Without containment the abort propagates upward; with
// containment the server clears the failed state back to the savepoint and
// the outer levels stay usable.
func (n SavepointNesting) contain(ctx context.Context, s *Session, name string, reason any) (*RollbackOutcome, error) {
	if !n.Containment {
		taint := s.lastErr

		var surfaced error = s.poisoned()
		if taint != nil {
			surfaced = taint
		}

		return &RollbackOutcome{Reason: reason}, surfaced
	}

	// ROLLBACK TO SAVEPOINT is honored by the server even in a failed
	// transaction block; it rewinds the error state to the savepoint.
	if err := s.exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return nil, Classify(err)
	}

	s.state = StateActive
	s.lastErr = nil

	return &RollbackOutcome{Reason: reason}, nil
}

func savepointName(depth int) string {
	return fmt.Sprintf("sp_%d", depth)
}
