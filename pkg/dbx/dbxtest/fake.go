// Package dbxtest provides an in-memory fake database server, connection
// and pool implementing the dbx driver and pool boundaries. The fake
// reproduces the server-side session semantics the transaction core
// depends on - failed-transaction state, savepoints, and advisory-lock
// deadlock detection - deterministically and without a running server.
// Errors are surfaced as *pgconn.PgError so the classifier treats fake
// and real outcomes identically.
package dbxtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/marcodd23/go-txcore/pkg/dbx"
)

// PgError - build a raw server error payload with the given SQLSTATE code.
func PgError(code, message string) *pgconn.PgError {
	return &pgconn.PgError{Severity: "ERROR", Code: code, Message: message}
}

func poisonedError() *pgconn.PgError {
	return PgError("25P02", "current transaction is aborted, commands ignored until end of transaction block")
}

// =====================================
// Fake Server
// =====================================

// FakeServer - shared server state: the advisory lock table and the
// wait-for graph used for deadlock detection.
type FakeServer struct {
	mu         sync.Mutex
	locks      map[int64]*fakeLock
	nextConnID int
}

type fakeLock struct {
	holder  *FakeConn
	waiters []*lockWaiter
}

type lockWaiter struct {
	conn *FakeConn
	ch   chan error
}

// NewFakeServer - FakeServer constructor.
func NewFakeServer() *FakeServer {
	return &FakeServer{locks: make(map[int64]*fakeLock)}
}

// NewConn - open a new fake connection to this server.
func (s *FakeServer) NewConn() *FakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConnID++

	return &FakeConn{srv: s, id: s.nextConnID, txStatus: dbx.TxStatusIdle}
}

func (s *FakeServer) lock(id int64) *fakeLock {
	lk, ok := s.locks[id]
	if !ok {
		lk = &fakeLock{}
		s.locks[id] = lk
	}

	return lk
}

// wouldDeadlock walks the wait-for graph from holder. A path back to the
// requester means granting the wait would close a cycle; the requester is
// the victim, exactly like the server aborting one of the two contenders.
func (s *FakeServer) wouldDeadlock(requester, holder *FakeConn) bool {
	cur := holder
	for cur != nil {
		if cur == requester {
			return true
		}

		if cur.waitingOn == 0 {
			return false
		}

		next, ok := s.locks[cur.waitingOn]
		if !ok {
			return false
		}

		cur = next.holder
	}

	return false
}

func (s *FakeServer) removeWaiter(id int64, w *lockWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lk, ok := s.locks[id]
	if !ok {
		return
	}

	for i, cand := range lk.waiters {
		if cand == w {
			lk.waiters = append(lk.waiters[:i], lk.waiters[i+1:]...)
			break
		}
	}

	w.conn.waitingOn = 0
}

// =====================================
// Fake Conn
// =====================================

// FakeConn - one fake physical connection. Implements dbx.Conn.
//
// Like a real connection it is owned by a single session at a time; only
// the lock table fields are touched cross-connection, under the server
// mutex.
type FakeConn struct {
	srv        *FakeServer
	id         int
	txStatus   byte
	closed     bool
	savepoints []string
	injected   []error
	statements int

	// guarded by srv.mu
	held      []int64
	waitingOn int64
}

// InjectError - queue an error returned by the next statement, whatever
// it is. Used to force failures on COMMIT/ROLLBACK paths.
func (c *FakeConn) InjectError(err error) {
	c.injected = append(c.injected, err)
}

// Statements - number of statements that reached the server on this
// connection. Lets tests prove the aborted short-circuit saves the round
// trip.
func (c *FakeConn) Statements() int {
	return c.statements
}

// TxStatus implements dbx.Conn.
func (c *FakeConn) TxStatus() byte {
	return c.txStatus
}

// Close implements dbx.Conn.
func (c *FakeConn) Close(_ context.Context) error {
	c.releaseAllLocks()
	c.closed = true

	return nil
}

// Exec implements dbx.Conn.
func (c *FakeConn) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	return c.run(ctx, stmt, args...)
}

// Query implements dbx.Conn.
func (c *FakeConn) Query(ctx context.Context, stmt string, args ...any) (dbx.ResultSet, error) {
	if _, err := c.run(ctx, stmt, args...); err != nil {
		return nil, err
	}

	rs := &dbx.DefaultResultSet{}
	if strings.EqualFold(strings.TrimSpace(stmt), "SELECT 1") {
		row := dbx.Row{int32(1)}
		rs.Rows = append(rs.Rows, row)
		rs.RowsScan = append(rs.RowsScan, &dbx.ValueRowScan{Values: row})
	}

	return rs, nil
}

//nolint:gocyclo // statement dispatch is one flat switch on purpose.
func (c *FakeConn) run(ctx context.Context, stmt string, args ...any) (int64, error) {
	if c.closed {
		return 0, fmt.Errorf("fake server: connection %d is closed", c.id)
	}

	c.statements++

	if len(c.injected) > 0 {
		err := c.injected[0]
		c.injected = c.injected[1:]

		return 0, c.failTx(err)
	}

	u := strings.ToUpper(strings.TrimSpace(stmt))

	switch {
	case u == "BEGIN":
		if c.txStatus == dbx.TxStatusIdle {
			c.txStatus = dbx.TxStatusInTx
		}

		return 0, nil

	case u == "COMMIT":
		// Committing a failed transaction block rolls it back server-side.
		c.endTx()
		return 0, nil

	case u == "ROLLBACK":
		c.endTx()
		return 0, nil

	case strings.HasPrefix(u, "ROLLBACK TO SAVEPOINT "):
		return 0, c.rollbackToSavepoint(strings.TrimPrefix(u, "ROLLBACK TO SAVEPOINT "))

	case strings.HasPrefix(u, "SAVEPOINT "):
		return 0, c.savepoint(strings.TrimPrefix(u, "SAVEPOINT "))

	case strings.HasPrefix(u, "RELEASE SAVEPOINT "):
		return 0, c.releaseSavepoint(strings.TrimPrefix(u, "RELEASE SAVEPOINT "))
	}

	// Ordinary statements are refused wholesale in a failed transaction.
	if c.txStatus == dbx.TxStatusFailed {
		return 0, poisonedError()
	}

	switch {
	case strings.HasPrefix(u, "SELECT PG_ADVISORY_XACT_LOCK"):
		id, err := lockID(u, args)
		if err != nil {
			return 0, c.failTx(err)
		}

		return 0, c.failTxNonNil(c.acquireLock(ctx, id))

	case strings.HasPrefix(u, "SELECT"):
		return 0, nil

	case strings.HasPrefix(u, "INSERT"), strings.HasPrefix(u, "UPDATE"), strings.HasPrefix(u, "DELETE"):
		return 1, nil

	default:
		return 0, c.failTx(PgError("42601", fmt.Sprintf("syntax error at or near %q", firstWord(stmt))))
	}
}

func (c *FakeConn) savepoint(name string) error {
	switch c.txStatus {
	case dbx.TxStatusFailed:
		return poisonedError()
	case dbx.TxStatusIdle:
		return PgError("25P01", "SAVEPOINT can only be used in transaction blocks")
	}

	c.savepoints = append(c.savepoints, name)

	return nil
}

func (c *FakeConn) releaseSavepoint(name string) error {
	if c.txStatus == dbx.TxStatusFailed {
		return poisonedError()
	}

	idx := c.findSavepoint(name)
	if idx < 0 {
		return c.failTx(PgError("3B001", fmt.Sprintf("savepoint %q does not exist", name)))
	}

	c.savepoints = c.savepoints[:idx]

	return nil
}

// rollbackToSavepoint is honored even in a failed transaction block and
// clears the failed state, exactly like the real server.
func (c *FakeConn) rollbackToSavepoint(name string) error {
	idx := c.findSavepoint(name)
	if idx < 0 {
		return c.failTx(PgError("3B001", fmt.Sprintf("savepoint %q does not exist", name)))
	}

	c.savepoints = c.savepoints[:idx+1]

	if c.txStatus == dbx.TxStatusFailed {
		c.txStatus = dbx.TxStatusInTx
	}

	return nil
}

func (c *FakeConn) findSavepoint(name string) int {
	for i := len(c.savepoints) - 1; i >= 0; i-- {
		if c.savepoints[i] == name {
			return i
		}
	}

	return -1
}

func (c *FakeConn) endTx() {
	c.releaseAllLocks()
	c.savepoints = nil
	c.txStatus = dbx.TxStatusIdle
}

// failTx mirrors the server: any statement error inside an open
// transaction block flips it to the failed state.
func (c *FakeConn) failTx(err error) error {
	if c.txStatus == dbx.TxStatusInTx {
		c.txStatus = dbx.TxStatusFailed
	}

	return err
}

func (c *FakeConn) failTxNonNil(err error) error {
	if err == nil {
		return nil
	}

	return c.failTx(err)
}

// =====================================
// Advisory Locks
// =====================================

func (c *FakeConn) acquireLock(ctx context.Context, id int64) error {
	c.srv.mu.Lock()

	lk := c.srv.lock(id)

	if lk.holder == nil || lk.holder == c {
		lk.holder = c
		c.held = appendUnique(c.held, id)
		c.srv.mu.Unlock()

		return nil
	}

	if c.srv.wouldDeadlock(c, lk.holder) {
		c.srv.mu.Unlock()

		return PgError("40P01", "deadlock detected")
	}

	w := &lockWaiter{conn: c, ch: make(chan error, 1)}
	lk.waiters = append(lk.waiters, w)
	c.waitingOn = id
	c.srv.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		c.srv.removeWaiter(id, w)
		return ctx.Err()
	}
}

func (c *FakeConn) releaseAllLocks() {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	for _, id := range c.held {
		lk, ok := c.srv.locks[id]
		if !ok {
			continue
		}

		lk.holder = nil

		if len(lk.waiters) > 0 {
			w := lk.waiters[0]
			lk.waiters = lk.waiters[1:]
			lk.holder = w.conn
			w.conn.held = appendUnique(w.conn.held, id)
			w.conn.waitingOn = 0
			w.ch <- nil
		}
	}

	c.held = nil
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, cand := range ids {
		if cand == id {
			return ids
		}
	}

	return append(ids, id)
}

func lockID(upperStmt string, args []any) (int64, error) {
	if len(args) > 0 {
		switch v := args[0].(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	}

	start := strings.Index(upperStmt, "(")
	end := strings.Index(upperStmt, ")")
	if start >= 0 && end > start {
		if id, err := strconv.ParseInt(strings.TrimSpace(upperStmt[start+1:end]), 10, 64); err == nil {
			return id, nil
		}
	}

	return 0, PgError("42601", "syntax error in advisory lock id")
}

func firstWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}

	return fields[0]
}
