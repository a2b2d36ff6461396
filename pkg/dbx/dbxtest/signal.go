package dbxtest

import (
	"testing"
	"time"
)

// DefaultSignalTimeout - bound on inter-session coordination waits in
// concurrency tests.
const DefaultSignalTimeout = 5 * time.Second

// WaitSignal - bounded wait for a coordination signal between concurrent
// test sessions. Marks the test failed and returns the zero value when the
// signal never arrives; Errorf instead of Fatalf because callers may be
// worker goroutines, where FailNow must not be used.
func WaitSignal[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Errorf("timed out after %s waiting for coordination signal", timeout)

		var zero T

		return zero
	}
}
