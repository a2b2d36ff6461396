package dbx_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcodd23/go-txcore/pkg/dbx"
	"github.com/marcodd23/go-txcore/pkg/dbx/dbxtest"
)

func newRunner(t *testing.T, opts ...dbx.Option) (*dbx.Runner, *dbxtest.FakePool) {
	t.Helper()

	pool := dbxtest.NewFakePool(dbxtest.NewFakeServer())

	return dbx.NewRunner(pool, opts...), pool
}

func TestRunCommit(t *testing.T) {
	runner, pool := newRunner(t)
	ctx := context.Background()

	outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
		n, err := s.Execute(ctx, "INSERT INTO accounts (id) VALUES ($1)", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		return nil
	})

	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, 1, pool.Idle())
	assert.Equal(t, 0, pool.DirtyCheckins())
	assert.Equal(t, byte(dbx.TxStatusIdle), pool.LastConn().TxStatus())
}

func TestRunQueryReturnsRows(t *testing.T) {
	runner, _ := newRunner(t)

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		rs, err := s.Query(ctx, "SELECT 1")
		require.NoError(t, err)

		row, err := rs.GetRow(0)
		require.NoError(t, err)
		assert.Equal(t, dbx.Row{int32(1)}, row)

		var got int32
		rowScan, err := rs.GetRowScan(0)
		require.NoError(t, err)
		require.NoError(t, rowScan.Scan(&got))
		assert.Equal(t, int32(1), got)

		return nil
	})

	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestRunDeliberateRollback(t *testing.T) {
	runner, pool := newRunner(t)

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		if _, err := s.Execute(ctx, "UPDATE accounts SET balance = 0"); err != nil {
			return err
		}

		return dbx.RollbackWith("balance would go negative")
	})

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, "balance would go negative", outcome.Reason)
	assert.Equal(t, byte(dbx.TxStatusIdle), pool.LastConn().TxStatus())
}

func TestRunErrorRollsBack(t *testing.T) {
	runner, pool := newRunner(t)
	boom := errors.New("domain invariant violated")

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.NotNil(t, outcome)
	assert.Equal(t, boom, outcome.Reason)
	assert.Equal(t, 1, pool.Idle())
}

// A statement failure taints the session: later statements fail locally
// without a server round trip, and the function returning nil still ends
// in a rollback carrying the original error.
func TestStatementFailurePoisonsTransaction(t *testing.T) {
	runner, pool := newRunner(t)

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		_, failure := s.Execute(ctx, "INSRT INTO accounts VALUES (1)")
		require.Error(t, failure)
		assert.Equal(t, dbx.KindSyntaxError, dbx.Classify(failure).Kind)
		assert.Equal(t, dbx.StateAborted, s.State())

		before := pool.LastConn().Statements()

		_, poisonErr := s.Execute(ctx, "INSERT INTO accounts VALUES (1)")
		require.Error(t, poisonErr)
		assert.True(t, dbx.IsPoisoned(poisonErr))

		// The refusal is local: no statement reached the server.
		assert.Equal(t, before, pool.LastConn().Statements())

		// The original taint stays reachable behind the poisoned echo.
		assert.Equal(t, dbx.KindSyntaxError, s.LastError().Kind)

		return nil
	})

	require.Error(t, err)
	assert.Equal(t, dbx.KindSyntaxError, dbx.Classify(err).Kind)
	require.NotNil(t, outcome)
	assert.Equal(t, byte(dbx.TxStatusIdle), pool.LastConn().TxStatus())
}

func TestCommitRefusedOnAbortedSession(t *testing.T) {
	runner, _ := newRunner(t)

	_, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		_, _ = s.Execute(ctx, "INSRT broken")

		commitErr := s.Commit(ctx)
		require.Error(t, commitErr)

		var invalid *dbx.InvalidStateError
		require.ErrorAs(t, commitErr, &invalid)
		assert.Equal(t, "commit", invalid.Op)
		assert.Equal(t, dbx.StateAborted, invalid.State)

		// The refusal carries the error that tainted the session.
		var cls *dbx.ClassifiedError
		require.ErrorAs(t, commitErr, &cls)
		assert.Equal(t, dbx.KindSyntaxError, cls.Kind)

		return commitErr
	})

	require.Error(t, err)
}

func TestConnectionReusedAfterFailedTransaction(t *testing.T) {
	runner, pool := newRunner(t)
	ctx := context.Background()

	_, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
		_, failure := s.Execute(ctx, "INSRT broken")
		return failure
	})
	require.Error(t, err)

	first := pool.LastConn()
	assert.Equal(t, byte(dbx.TxStatusIdle), first.TxStatus())

	outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
		_, err := s.Execute(ctx, "INSERT INTO accounts (id) VALUES (2)")
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, outcome)

	// Same physical connection, fully recovered in between.
	assert.Same(t, first, pool.LastConn())
	assert.Equal(t, 0, pool.Discarded())
	assert.Equal(t, 0, pool.DirtyCheckins())
}

func TestRollbackFailureDiscardsConnection(t *testing.T) {
	runner, pool := newRunner(t)
	boom := errors.New("work failed")

	_, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		// Make both the rollback and the corrective recovery rollback fail.
		pool.LastConn().InjectError(errors.New("connection lost"))
		pool.LastConn().InjectError(errors.New("connection lost"))

		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 1, pool.Discarded())
	assert.Equal(t, 0, pool.Idle())
}

func TestPanicInsideRunStillReleasesConnection(t *testing.T) {
	runner, pool := newRunner(t)

	require.Panics(t, func() {
		_, _ = runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
			_, err := s.Execute(ctx, "INSERT INTO accounts (id) VALUES (3)")
			require.NoError(t, err)
			panic("unexpected")
		})
	})

	// Recovery rolled the orphaned transaction back and returned the
	// connection clean.
	assert.Equal(t, 1, pool.Idle())
	assert.Equal(t, 0, pool.Discarded())
	assert.Equal(t, byte(dbx.TxStatusIdle), pool.LastConn().TxStatus())
}

func TestCancelledContextDoesNotLeakConnection(t *testing.T) {
	runner, pool := newRunner(t)

	ctx, cancel := context.WithCancel(context.Background())

	_, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
		_, err := s.Execute(ctx, "INSERT INTO accounts (id) VALUES (4)")
		require.NoError(t, err)

		cancel()

		return ctx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	// Recovery runs detached from caller cancellation.
	assert.Equal(t, 1, pool.Idle())
	assert.Equal(t, byte(dbx.TxStatusIdle), pool.LastConn().TxStatus())
}

func TestNestedRunReusesSession(t *testing.T) {
	runner, pool := newRunner(t)

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, outer *dbx.Session) error {
		nestedOutcome, nestedErr := runner.Run(ctx, func(ctx context.Context, inner *dbx.Session) error {
			assert.Same(t, outer, inner)

			_, err := inner.Execute(ctx, "INSERT INTO accounts (id) VALUES (5)")
			return err
		})
		require.NoError(t, nestedErr)
		assert.Nil(t, nestedOutcome)

		return nil
	})

	require.NoError(t, err)
	assert.Nil(t, outcome)
	// One physical transaction: a single checkout, a single BEGIN.
	assert.Equal(t, 1, pool.Checkouts())
}

// With flat nesting an inner rollback taints the outer transaction: the
// outer function cannot commit on top of partially reverted work.
func TestNestedFlatRollbackTaintsOuter(t *testing.T) {
	runner, pool := newRunner(t)

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, outer *dbx.Session) error {
		nestedOutcome, nestedErr := runner.Run(ctx, func(ctx context.Context, inner *dbx.Session) error {
			return dbx.RollbackWith("inner gave up")
		})
		require.NoError(t, nestedErr)
		require.NotNil(t, nestedOutcome)
		assert.Equal(t, "inner gave up", nestedOutcome.Reason)

		assert.Equal(t, dbx.StateAborted, outer.State())

		_, poisonErr := outer.Execute(ctx, "INSERT INTO accounts (id) VALUES (6)")
		assert.True(t, dbx.IsPoisoned(poisonErr))

		return nil
	})

	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, byte(dbx.TxStatusIdle), pool.LastConn().TxStatus())
}

// A nested Run on a session that is already aborted must not fall back to
// opening an independent physical transaction: the poison surfaces
// immediately and the inner function never runs.
func TestNestedRunOnAbortedSessionStaysPoisoned(t *testing.T) {
	runner, pool := newRunner(t)

	outcome, err := runner.Run(context.Background(), func(ctx context.Context, outer *dbx.Session) error {
		_, _ = outer.Execute(ctx, "INSRT broken")
		require.Equal(t, dbx.StateAborted, outer.State())

		before := pool.LastConn().Statements()
		entered := false

		nestedOutcome, nestedErr := runner.Run(ctx, func(ctx context.Context, inner *dbx.Session) error {
			entered = true

			_, err := inner.Execute(ctx, "INSERT INTO accounts (id) VALUES (7)")
			return err
		})
		assert.False(t, entered)
		require.Error(t, nestedErr)
		assert.True(t, dbx.IsPoisoned(nestedErr))
		require.NotNil(t, nestedOutcome)

		// No second checkout, no server round trip, taint untouched.
		assert.Equal(t, 1, pool.Checkouts())
		assert.Equal(t, before, pool.LastConn().Statements())
		assert.Equal(t, dbx.KindSyntaxError, outer.LastError().Kind)

		return nil
	})

	require.Error(t, err)
	assert.Equal(t, dbx.KindSyntaxError, dbx.Classify(err).Kind)
	require.NotNil(t, outcome)
	assert.Equal(t, 1, pool.Checkouts())
}

func TestSessionFromContext(t *testing.T) {
	runner, _ := newRunner(t)

	_, ok := dbx.SessionFromContext(context.Background())
	assert.False(t, ok)

	_, err := runner.Run(context.Background(), func(ctx context.Context, s *dbx.Session) error {
		found, ok := dbx.SessionFromContext(ctx)
		require.True(t, ok)
		assert.Same(t, s, found)

		return nil
	})
	require.NoError(t, err)
}

// Two sessions locking the same pair of advisory locks in opposite order:
// the server aborts exactly one of them with a deadlock error, the other
// completes.
func TestDeadlockAbortsExactlyOneSession(t *testing.T) {
	srv := dbxtest.NewFakeServer()
	runner := dbx.NewRunner(dbxtest.NewFakePool(srv))
	ctx := context.Background()

	firstLocked := make(chan struct{})
	secondLocked := make(chan struct{})

	type result struct {
		outcome *dbx.RollbackOutcome
		err     error
	}

	results := make(chan result, 2)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
			if _, err := s.Execute(ctx, "SELECT PG_ADVISORY_XACT_LOCK(1)"); err != nil {
				return err
			}

			close(firstLocked)
			dbxtest.WaitSignal(t, secondLocked, dbxtest.DefaultSignalTimeout)

			_, err := s.Execute(ctx, "SELECT PG_ADVISORY_XACT_LOCK(2)")
			return err
		})
		results <- result{outcome, err}
	}()

	go func() {
		defer wg.Done()

		outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
			if _, err := s.Execute(ctx, "SELECT PG_ADVISORY_XACT_LOCK(2)"); err != nil {
				return err
			}

			close(secondLocked)
			dbxtest.WaitSignal(t, firstLocked, dbxtest.DefaultSignalTimeout)

			_, err := s.Execute(ctx, "SELECT PG_ADVISORY_XACT_LOCK(1)")
			return err
		})
		results <- result{outcome, err}
	}()

	wg.Wait()
	close(results)

	var succeeded, deadlocked int

	for res := range results {
		if res.err == nil {
			succeeded++
			assert.Nil(t, res.outcome)

			continue
		}

		deadlocked++
		assert.True(t, dbx.IsDeadlock(res.err))
		require.NotNil(t, res.outcome)
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, deadlocked)
}
