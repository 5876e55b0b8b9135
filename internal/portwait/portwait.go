// Package portwait provides a single-assignment handoff for the port a
// supervised service ends up bound to. The supervisor settles the future when
// startup finishes (or fails); consumers await it without depending on
// startup ordering.
package portwait

import (
	"context"
	"errors"
	"sync"
)

// Future is a write-once slot holding either a bound port or a startup error.
// The zero value is not usable; construct with New.
type Future struct {
	mu   sync.Mutex
	done chan struct{}
	port int
	err  error
}

func New() *Future { return &Future{done: make(chan struct{})} }

// Complete settles the future with the bound port. Only the first Complete or
// Fail takes effect; the return value reports whether this call settled it.
func (f *Future) Complete(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settledLocked() {
		return false
	}
	f.port = port
	close(f.done)
	return true
}

// Fail settles the future with a startup error.
func (f *Future) Fail(err error) bool {
	if err == nil {
		err = errors.New("portwait: failed with nil error")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settledLocked() {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Await blocks until the future settles or ctx is done.
func (f *Future) Await(ctx context.Context) (int, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.port, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TryPort returns the port without blocking. ok is false while unsettled or
// when the future settled with an error.
func (f *Future) TryPort() (port int, ok bool) {
	select {
	case <-f.done:
	default:
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false
	}
	return f.port, true
}

// Done returns a channel closed once the future settles, for select loops.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) settledLocked() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
