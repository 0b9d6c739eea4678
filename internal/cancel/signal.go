// Package cancel provides the cancellation primitives shared by the output
// pump and the process waiter.
//
// A Signal is level-triggered: once triggered, every wait on it observes it
// until the owner resets it. Waiters never clear it. Whether a wake is a
// real cancellation for a given waiter is decided by that waiter's own
// Flag, which is one-shot and cleared by whoever consumes it. Several
// waiters sharing one Signal without per-waiter flags all observe every
// trigger.
package cancel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when a closed signal is used.
var ErrClosed = errors.New("cancel: signal closed")

// Signal is a manually-reset broadcast signal. The zero value is not
// usable; create one with NewSignal.
type Signal struct {
	mu      sync.Mutex
	ch      chan struct{}
	closing chan struct{}
	set     bool
	closed  bool
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}), closing: make(chan struct{})}
}

// Trigger sets the signal. It is idempotent and safe from any goroutine.
func (s *Signal) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set || s.closed {
		return
	}
	s.set = true
	close(s.ch)
}

// Interrupt marks each flag and then triggers the signal, so that every
// waiter owning one of the flags treats the wake as real.
func (s *Signal) Interrupt(flags ...*Flag) {
	for _, f := range flags {
		if f != nil {
			f.Set()
		}
	}
	s.Trigger()
}

// Done returns a channel that is closed while the signal is set.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// IsSet reports whether the signal is currently set.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Reset clears the signal. Only the owner should call it, and only while
// no wait is relying on the current trigger.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set || s.closed {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// Closed reports whether Close has been called.
func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Closing returns a channel that is closed once Close has been called.
// Waiters that stopped watching Done after a wake that was not theirs
// select on it so that Close still releases them.
func (s *Signal) Closing() <-chan struct{} {
	return s.closing
}

// Close destroys the signal. Waiters on Done or Closing are released;
// later triggers and resets are ignored. Closing twice returns ErrClosed.
func (s *Signal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if !s.set {
		close(s.ch)
	}
	close(s.closing)
	return nil
}

// OnContext interrupts flags on s when ctx is done. The returned stop
// function detaches the hook and reports whether it was still pending.
func OnContext(ctx context.Context, s *Signal, flags ...*Flag) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		s.Interrupt(flags...)
	})
}
