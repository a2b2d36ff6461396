package dbx

import (
	"context"
	"fmt"

	"github.com/marcodd23/go-txcore/pkg/logx"
)

// =====================================
// Recovery Coordinator
// =====================================

// RecoveryCoordinator - restores a connection to a clean, reusable state
// before it goes back to the pool, or discards it when cleanliness cannot
// be established. A silently poisoned connection handed to the next caller
// is the single failure this component exists to prevent.
type RecoveryCoordinator struct {
	pool Pool
}

// NewRecoveryCoordinator - RecoveryCoordinator constructor.
func NewRecoveryCoordinator(pool Pool) *RecoveryCoordinator {
	return &RecoveryCoordinator{pool: pool}
}

// Recover inspects the session's connection and checks it back in, clean
// or discarded. It is invoked exactly once per Run regardless of outcome;
// a second call on an already released session is a no-op.
//
// Recovery runs on a context detached from caller cancellation: caller
// side signal or cancel configuration must never keep a dirty connection
// from being cleaned or discarded.
func (rc *RecoveryCoordinator) Recover(ctx context.Context, s *Session) (CheckinMode, error) {
	if s.released {
		return CheckinClean, nil
	}

	s.released = true
	ctx = context.WithoutCancel(ctx)

	mode, err := rc.inspect(ctx, s)
	rc.pool.Checkin(ctx, s.conn, mode)

	if mode == CheckinClean {
		logx.GetLogger().LogDebug(ctx, fmt.Sprintf("session %s: connection returned clean", s.id))
	}

	return mode, err
}

// inspect decides clean versus discard.
func (rc *RecoveryCoordinator) inspect(ctx context.Context, s *Session) (CheckinMode, error) {
	if (s.state == StateCommitted || s.state == StateRolledBack) && s.conn.TxStatus() == TxStatusIdle {
		// Terminal state and no residual server-side transaction flag:
		// ROLLBACK after an abort fully clears server state, so this also
		// covers the aborted-then-rolled-back path.
		return CheckinClean, nil
	}

	// The session ended mid-transaction (fn panicked, rollback failed, or
	// the connection reports unexpected state). One corrective rollback;
	// anything short of a verified idle connection is a discard.
	if err := s.exec(ctx, "ROLLBACK"); err != nil {
		return CheckinDiscard, NewRecoveryFailedError(err, "corrective rollback failed")
	}

	if status := s.conn.TxStatus(); status != TxStatusIdle {
		return CheckinDiscard, NewRecoveryFailedError(nil, "connection reports transaction status %q after rollback", status)
	}

	if s.state != StateCommitted {
		s.state = StateRolledBack
	}

	return CheckinClean, nil
}
