// Package dbx implements the transaction-execution core of the library:
// it runs caller supplied units of work inside a database transaction,
// tracks whether the underlying session has been poisoned by a failed
// statement, classifies server errors into typed outcomes, and guarantees
// that every connection goes back to the pool either clean or discarded.
package dbx

import (
	"context"
)

// =====================================
// Driver Conn Interface
// =====================================

// Transaction status bytes as reported by the server backend,
// mirroring pgconn.PgConn.TxStatus().
const (
	// TxStatusIdle - no transaction in progress.
	TxStatusIdle = 'I'
	// TxStatusInTx - inside an open transaction block.
	TxStatusInTx = 'T'
	// TxStatusFailed - inside a failed (aborted) transaction block.
	TxStatusFailed = 'E'
)

// Conn - one physical connection to the database server.
//
// The core treats statement execution as an opaque call: it never parses
// or builds SQL, it only forwards statements and classifies the outcome.
// Implementations live in dbx/pgxdb (real server) and dbx/dbxtest (fake).
type Conn interface {
	// Exec executes a command statement and returns the number of affected rows.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
	// Query executes a row-returning statement and materializes the rows.
	Query(ctx context.Context, stmt string, args ...any) (ResultSet, error)
	// TxStatus reports the server-side transaction status byte for this
	// connection: TxStatusIdle, TxStatusInTx or TxStatusFailed.
	TxStatus() byte
	// Close tears down the physical connection.
	Close(ctx context.Context) error
}

// =====================================
// Pool Boundary Interface
// =====================================

// CheckinMode - how a connection is handed back to the pool.
type CheckinMode int

const (
	// CheckinClean - the connection is reusable as-is.
	CheckinClean CheckinMode = iota
	// CheckinDiscard - the connection must be destroyed, never reused.
	CheckinDiscard
)

func (m CheckinMode) String() string {
	if m == CheckinDiscard {
		return "discard"
	}

	return "clean"
}

// Pool - the connection pool boundary consumed by the Runner.
//
// The core's only obligation to the pool is the strict
// checkout/checkin-exactly-once contract enforced by the
// RecoveryCoordinator; scheduling and sizing policy belong to the
// implementation behind this interface.
type Pool interface {
	Checkout(ctx context.Context) (Conn, error)
	Checkin(ctx context.Context, conn Conn, mode CheckinMode)
}
