package dbx

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/marcodd23/go-txcore/pkg/logx"
)

// =====================================
// Session State Machine
// =====================================

// State - lifecycle state of a Session.
//
// Created → Active → {Committed, RolledBack}, with
// Active → Aborted → RolledBack as the failure path.
// Committed and RolledBack are terminal.
type State int

const (
	StateCreated State = iota
	StateActive
	StateAborted
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateAborted:
		return "aborted"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// =====================================
// Session Handle
// =====================================

// Session - one logical transaction bound to one physical connection.
//
// A Session owns its connection for its whole lifetime and is exclusively
// owned by the task that opened it until the Runner releases it; it is not
// safe for use from more than one concurrent caller.
type Session struct {
	id       uuid.UUID
	conn     Conn
	state    State
	depth    int
	lastErr  *ClassifiedError
	released bool
}

func newSession(conn Conn) *Session {
	return &Session{id: uuid.New(), conn: conn, state: StateCreated}
}

// ID - unique session identifier, used in log lines.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State - current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Depth - savepoint nesting depth; greater than zero only in sandbox mode.
func (s *Session) Depth() int {
	return s.depth
}

// LastError - the classified error that tainted this session, or nil.
func (s *Session) LastError() *ClassifiedError {
	return s.lastErr
}

// begin starts the physical transaction. Fails only if the underlying
// connection cannot open a transaction block; that is fatal here, retry
// policy belongs to a higher layer.
func (s *Session) begin(ctx context.Context) error {
	if s.state != StateCreated {
		return &InvalidStateError{Op: "begin", State: s.state}
	}

	if _, err := s.conn.Exec(ctx, "BEGIN"); err != nil {
		return Classify(err)
	}

	s.state = StateActive

	return nil
}

// Execute runs a command statement inside the transaction.
//
// On an aborted session it fails immediately with a poisoned-transaction
// error without contacting the server; the server independently reporting
// the same condition converges to the same classified kind.
func (s *Session) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := s.ready("execute"); err != nil {
		return 0, err
	}

	n, err := s.conn.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, s.fail(ctx, err)
	}

	return n, nil
}

// Query runs a row-returning statement inside the transaction and
// materializes the rows. Same state rules as Execute.
func (s *Session) Query(ctx context.Context, stmt string, args ...any) (ResultSet, error) {
	if err := s.ready("query"); err != nil {
		return nil, err
	}

	rs, err := s.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	return rs, nil
}

// MustQuery is the loud variant of Query for callers that want to assert
// success: it panics on any classified error instead of returning it.
func (s *Session) MustQuery(ctx context.Context, stmt string, args ...any) ResultSet {
	rs, err := s.Query(ctx, stmt, args...)
	if err != nil {
		logx.GetLogger().LogPanic(ctx, fmt.Sprintf("session %s: query failed", s.id), err)
	}

	return rs
}

// Commit finalizes the transaction. Only valid from Active; a tainted
// session refuses to commit and re-surfaces the error that tainted it,
// regardless of whether the caller swallowed it.
func (s *Session) Commit(ctx context.Context) error {
	switch s.state {
	case StateActive:
	case StateAborted:
		return &InvalidStateError{Op: "commit", State: StateAborted, cause: s.lastErr}
	default:
		return &InvalidStateError{Op: "commit", State: s.state}
	}

	if _, err := s.conn.Exec(ctx, "COMMIT"); err != nil {
		return s.fail(ctx, err)
	}

	s.state = StateCommitted

	return nil
}

// Rollback aborts the transaction and carries the given reason out as a
// RollbackOutcome. Valid from both Active and Aborted: an aborted session
// rejects ordinary statements but can always be rolled back. A nil reason
// defaults to the error that tainted the session, if any.
func (s *Session) Rollback(ctx context.Context, reason any) (RollbackOutcome, error) {
	switch s.state {
	case StateActive, StateAborted:
	default:
		return RollbackOutcome{}, &InvalidStateError{Op: "rollback", State: s.state}
	}

	if reason == nil && s.lastErr != nil {
		reason = s.lastErr
	}

	if err := s.exec(ctx, "ROLLBACK"); err != nil {
		logx.GetLogger().LogError(ctx, fmt.Sprintf("session %s: rollback failed", s.id), err)
		return RollbackOutcome{}, Classify(err)
	}

	s.state = StateRolledBack
	logx.GetLogger().LogDebug(ctx, fmt.Sprintf("session %s: rolled back", s.id))

	return RollbackOutcome{Reason: reason}, nil
}

// ready gates ordinary statements on the session state. The aborted
// short-circuit mirrors the server's refusal without the round trip.
func (s *Session) ready(op string) error {
	switch s.state {
	case StateActive:
		return nil
	case StateAborted:
		return s.poisoned()
	default:
		return &InvalidStateError{Op: op, State: s.state}
	}
}

// poisoned builds the local echo of the server's in_failed_sql_transaction
// error, wrapping the original taint so callers can still reach it.
func (s *Session) poisoned() *ClassifiedError {
	return &ClassifiedError{
		Kind:    KindPoisonedTransaction,
		Code:    codeInFailedSQLTransaction,
		Message: "current transaction is aborted, commands ignored until end of transaction block",
		cause:   s.lastErr,
	}
}

// fail classifies a statement failure and taints the session. A poisoned
// echo from the server never overwrites the error that originally tainted
// the transaction.
func (s *Session) fail(ctx context.Context, err error) error {
	cls := Classify(err)

	if s.state == StateActive || s.state == StateAborted {
		if cls.Kind != KindPoisonedTransaction || s.lastErr == nil {
			s.lastErr = cls
		}

		if s.state == StateActive {
			s.state = StateAborted
			logx.GetLogger().LogDebug(ctx, fmt.Sprintf("session %s: aborted by %s", s.id, cls.Kind))
		}
	}

	return cls
}

// taint marks the session aborted without a server round trip. Used by the
// flat nesting strategy to propagate an inner rollback to the outer
// transaction.
func (s *Session) taint(err error) {
	if s.state != StateActive {
		return
	}

	s.state = StateAborted

	if s.lastErr == nil {
		s.lastErr = Classify(err)
	}
}

// exec issues a statement on the raw connection, bypassing the aborted
// short-circuit. Reserved for rollback and recovery paths.
func (s *Session) exec(ctx context.Context, stmt string) error {
	_, err := s.conn.Exec(ctx, stmt)
	return err
}
