package dbx

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcodd23/go-txcore/pkg/errorx"
	"github.com/marcodd23/go-txcore/pkg/logx"
)

// =====================================
// Transaction Runner
// =====================================

// TxFunc - the caller-supplied unit of work. It receives the Session bound
// to the transaction and either returns nil (commit), returns
// RollbackWith(reason) (deliberate rollback), or returns/propagates an
// error (forced rollback).
type TxFunc func(ctx context.Context, s *Session) error

// Runner - orchestrates a begin/work/commit-or-rollback cycle around a
// caller-supplied function. Nesting behavior (plain reentrant vs
// savepoint sandbox) is a strategy selected at construction.
type Runner struct {
	pool     Pool
	nesting  NestingStrategy
	recovery *RecoveryCoordinator
}

// Option - Runner configuration option.
type Option func(*Runner)

// WithNesting - select the nesting strategy used when Run is invoked from
// inside an already active session. The default is FlatNesting.
func WithNesting(n NestingStrategy) Option {
	return func(r *Runner) {
		r.nesting = n
	}
}

// NewRunner - Runner constructor.
func NewRunner(pool Pool, opts ...Option) *Runner {
	r := &Runner{
		pool:     pool,
		nesting:  FlatNesting{},
		recovery: NewRecoveryCoordinator(pool),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type sessionKey struct{}

// SessionFromContext - return the Session of the enclosing Run call, if
// the context originates from one.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// Run executes fn inside a transaction.
//
// Result contract:
//   - committed:           (nil, nil)
//   - deliberate rollback: (&RollbackOutcome{caller reason}, nil)
//   - failure rollback:    (&RollbackOutcome{error}, error)
//
// A function that returns nil after swallowing a statement failure still
// yields a RollbackOutcome, never a silent commit: a transaction cannot be
// committed once tainted. The connection is released back to the pool
// through the RecoveryCoordinator exactly once on every path.
//
// Calling Run again with a context produced by an enclosing Run never
// opens a second physical transaction, whatever state the enclosing
// session is in; it delegates to the configured nesting strategy, which
// surfaces the poisoned error when that session is already aborted.
func (r *Runner) Run(ctx context.Context, fn TxFunc) (*RollbackOutcome, error) {
	if s, ok := SessionFromContext(ctx); ok {
		return r.nesting.RunNested(ctx, s, fn)
	}

	conn, err := r.pool.Checkout(ctx)
	if err != nil {
		return nil, errorx.NewDatabaseErrorWrapper(err, "error acquiring connection from pool")
	}

	s := newSession(conn)
	defer r.release(ctx, s)

	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	err = fn(context.WithValue(ctx, sessionKey{}, s), s)

	return r.settle(ctx, s, err)
}

// Transaction - alias of Run matching the exposed caller interface.
func (r *Runner) Transaction(ctx context.Context, fn TxFunc) (*RollbackOutcome, error) {
	return r.Run(ctx, fn)
}

// settle resolves the commit-or-rollback decision once fn has returned.
func (r *Runner) settle(ctx context.Context, s *Session, err error) (*RollbackOutcome, error) {
	var sig *RollbackSignal

	switch {
	case err == nil:
		if s.state == StateAborted {
			// fn swallowed a statement failure and returned normally.
			taint := s.lastErr

			out, rbErr := s.Rollback(ctx, taint)
			if rbErr != nil {
				return nil, rbErr
			}

			return &out, taint
		}

		if err := s.Commit(ctx); err != nil {
			return nil, err
		}

		return nil, nil

	case errors.As(err, &sig):
		out, rbErr := s.Rollback(ctx, sig.Reason)
		if rbErr != nil {
			return nil, rbErr
		}

		return &out, nil

	default:
		out, rbErr := s.Rollback(ctx, err)
		if rbErr != nil {
			return nil, rbErr
		}

		return &out, err
	}
}

// release hands the connection back through recovery. Deferred on every
// Run path, including panics inside fn.
func (r *Runner) release(ctx context.Context, s *Session) {
	mode, err := r.recovery.Recover(ctx, s)
	if err != nil {
		logx.GetLogger().LogError(ctx, fmt.Sprintf("session %s: connection discarded (mode=%s)", s.id, mode), err)
	}
}
