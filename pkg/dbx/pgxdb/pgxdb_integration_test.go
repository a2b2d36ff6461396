package pgxdb_test

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/marcodd23/go-txcore/pkg/dbx"
	"github.com/marcodd23/go-txcore/pkg/dbx/pgxdb"
	testcontainer "github.com/marcodd23/go-txcore/test/testcontainer/postgres"
)

/*
The tables under test are:

CREATE TABLE ACCOUNTS
(
    ID       SERIAL PRIMARY KEY,
    OWNER    VARCHAR(200) NOT NULL UNIQUE,
    BALANCE  BIGINT       NOT NULL DEFAULT 0,
    METADATA JSONB        NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE TRANSFER_LOG
(
    TRANSFER_ID  SERIAL PRIMARY KEY,
    FROM_ACCOUNT INT    NOT NULL REFERENCES ACCOUNTS (ID),
    TO_ACCOUNT   INT    NOT NULL REFERENCES ACCOUNTS (ID),
    AMOUNT       BIGINT NOT NULL CHECK (AMOUNT > 0),
    MODIFY_TS    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
*/

func TestTransactionCore(t *testing.T) {
	ctx := context.Background()
	container := testcontainer.StartPostgresContainer(ctx, t, nil)
	defer container.StopContainer(ctx, t)

	pool := container.SetupDatabaseConnection(ctx)
	defer pool.Close(ctx)

	cleanup := func() {
		err := container.Container.Restore(ctx, postgres.WithSnapshotName(testcontainer.TestSnapshotId))
		require.NoError(t, err)
	}

	balanceOf := func(t *testing.T, owner string) int64 {
		balance, err := pgxdb.QueryAndMapOne(ctx, pool.Pool(), pgx.RowTo[int64],
			"SELECT BALANCE FROM ACCOUNTS WHERE OWNER = $1", owner)
		require.NoError(t, err)

		return balance
	}

	t.Run("TestCommitPersistsTransfer", func(t *testing.T) {
		defer cleanup()

		runner := dbx.NewRunner(pool)

		outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
			if _, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE - $1 WHERE OWNER = $2", 100, "alice"); err != nil {
				return err
			}

			if _, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE + $1 WHERE OWNER = $2", 100, "bob"); err != nil {
				return err
			}

			_, err := s.Execute(ctx, "INSERT INTO TRANSFER_LOG (FROM_ACCOUNT, TO_ACCOUNT, AMOUNT) VALUES (1, 2, $1)", 100)
			return err
		})
		require.NoError(t, err)
		require.Nil(t, outcome)

		require.Equal(t, int64(900), balanceOf(t, "alice"))
		require.Equal(t, int64(600), balanceOf(t, "bob"))
	})

	t.Run("TestDeliberateRollbackRevertsEverything", func(t *testing.T) {
		defer cleanup()

		runner := dbx.NewRunner(pool)

		outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
			if _, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE - $1 WHERE OWNER = $2", 2000, "alice"); err != nil {
				return err
			}

			return dbx.RollbackWith("insufficient funds")
		})
		require.NoError(t, err)
		require.NotNil(t, outcome)
		require.Equal(t, "insufficient funds", outcome.Reason)

		require.Equal(t, int64(1000), balanceOf(t, "alice"))
	})

	t.Run("TestServerPoisonsFailedTransaction", func(t *testing.T) {
		defer cleanup()

		runner := dbx.NewRunner(pool)

		_, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
			// Unique violation flips the server to the failed state.
			_, failure := s.Execute(ctx, "INSERT INTO ACCOUNTS (OWNER) VALUES ($1)", "alice")
			require.Error(t, failure)
			require.Equal(t, dbx.KindConstraintViolation, dbx.Classify(failure).Kind)
			require.Equal(t, dbx.StateAborted, s.State())

			// Every further statement is refused as poisoned.
			_, poisonErr := s.Execute(ctx, "SELECT 1")
			require.True(t, dbx.IsPoisoned(poisonErr))

			return nil
		})
		require.Error(t, err)
		require.Equal(t, dbx.KindConstraintViolation, dbx.Classify(err).Kind)

		// The pool recovered the connection: a fresh transaction works.
		outcome, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
			_, err := s.Execute(ctx, "SELECT 1")
			return err
		})
		require.NoError(t, err)
		require.Nil(t, outcome)
	})

	t.Run("TestSavepointContainmentAgainstRealServer", func(t *testing.T) {
		defer cleanup()

		runner := dbx.NewRunner(pool, dbx.WithNesting(dbx.SavepointNesting{Containment: true}))

		outcome, err := runner.Run(ctx, func(ctx context.Context, outer *dbx.Session) error {
			if _, err := outer.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE + 1 WHERE OWNER = 'alice'"); err != nil {
				return err
			}

			nestedOutcome, nestedErr := runner.Run(ctx, func(ctx context.Context, inner *dbx.Session) error {
				_, err := inner.Execute(ctx, "INSERT INTO ACCOUNTS (OWNER) VALUES ('alice')")
				require.Error(t, err)

				return err
			})
			require.NoError(t, nestedErr)
			require.NotNil(t, nestedOutcome)

			// ROLLBACK TO SAVEPOINT cleared the failed state server-side;
			// the outer update survives and the transaction can commit.
			require.Equal(t, dbx.StateActive, outer.State())

			return nil
		})
		require.NoError(t, err)
		require.Nil(t, outcome)

		require.Equal(t, int64(1001), balanceOf(t, "alice"))
	})

	t.Run("TestDeadlockDetectedByServer", func(t *testing.T) {
		defer cleanup()

		runner := dbx.NewRunner(pool)

		aliceLocked := make(chan struct{})
		bobLocked := make(chan struct{})
		results := make(chan error, 2)

		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()

			_, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
				if _, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE + 1 WHERE OWNER = 'alice'"); err != nil {
					return err
				}

				close(aliceLocked)
				<-bobLocked

				_, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE + 1 WHERE OWNER = 'bob'")
				return err
			})
			results <- err
		}()

		go func() {
			defer wg.Done()

			_, err := runner.Run(ctx, func(ctx context.Context, s *dbx.Session) error {
				if _, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE + 1 WHERE OWNER = 'bob'"); err != nil {
					return err
				}

				close(bobLocked)
				<-aliceLocked

				_, err := s.Execute(ctx, "UPDATE ACCOUNTS SET BALANCE = BALANCE + 1 WHERE OWNER = 'alice'")
				return err
			})
			results <- err
		}()

		wg.Wait()
		close(results)

		var succeeded, deadlocked int

		for err := range results {
			if err == nil {
				succeeded++
				continue
			}

			require.True(t, dbx.IsDeadlock(err))

			deadlocked++
		}

		require.Equal(t, 1, succeeded)
		require.Equal(t, 1, deadlocked)
	})
}
