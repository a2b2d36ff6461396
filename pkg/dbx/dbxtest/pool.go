package dbxtest

import (
	"context"
	"sync"

	"github.com/marcodd23/go-txcore/pkg/dbx"
)

// FakePool - dbx.Pool over a FakeServer. Discarded connections are closed
// and never re-enter the free list; checking a dirty connection back in
// as clean is recorded so tests can assert it never happens.
type FakePool struct {
	srv       *FakeServer
	mu        sync.Mutex
	free      []*FakeConn
	last      *FakeConn
	checkouts int
	discarded int
	dirty     int
}

// NewFakePool - FakePool constructor.
func NewFakePool(srv *FakeServer) *FakePool {
	return &FakePool{srv: srv}
}

// Checkout implements dbx.Pool.
func (p *FakePool) Checkout(_ context.Context) (dbx.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checkouts++

	if n := len(p.free); n > 0 {
		conn := p.free[n-1]
		p.free = p.free[:n-1]
		p.last = conn

		return conn, nil
	}

	p.last = p.srv.NewConn()

	return p.last, nil
}

// LastConn - the connection handed out by the most recent Checkout. Lets
// tests inject errors on the connection a running session is using.
func (p *FakePool) LastConn() *FakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.last
}

// Checkin implements dbx.Pool.
func (p *FakePool) Checkin(ctx context.Context, conn dbx.Conn, mode dbx.CheckinMode) {
	fc := conn.(*FakeConn)

	p.mu.Lock()
	defer p.mu.Unlock()

	if mode == dbx.CheckinDiscard {
		p.discarded++
		_ = fc.Close(ctx)

		return
	}

	if fc.TxStatus() != dbx.TxStatusIdle {
		p.dirty++
	}

	p.free = append(p.free, fc)
}

// Checkouts - number of checkouts served.
func (p *FakePool) Checkouts() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.checkouts
}

// Discarded - number of connections discarded instead of reused.
func (p *FakePool) Discarded() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.discarded
}

// DirtyCheckins - number of connections checked in clean while still
// holding transaction state. Always zero when recovery does its job.
func (p *FakePool) DirtyCheckins() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dirty
}

// Idle - number of connections currently in the free list.
func (p *FakePool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}
