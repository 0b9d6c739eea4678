package process

import (
	"io"
	"time"
)

// Event is the outcome of one wait in the pump or waiter loop.
type Event int

const (
	EventDataReady Event = iota
	EventProcessExited
	EventCancelRequested
	EventTimedOut
)

// String returns a human-readable name for the event.
func (e Event) String() string {
	switch e {
	case EventDataReady:
		return "data_ready"
	case EventProcessExited:
		return "process_exited"
	case EventCancelRequested:
		return "cancel_requested"
	case EventTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type readResult struct {
	n   int
	err error
}

// pendingRead is one in-flight read into the caller's buffer. The buffer
// belongs to the read until its result has been received from done.
type pendingRead struct {
	done chan readResult
}

func startRead(r io.Reader, buf []byte) *pendingRead {
	p := &pendingRead{done: make(chan readResult, 1)}
	go func() {
		n, err := r.Read(buf)
		p.done <- readResult{n: n, err: err}
	}()
	return p
}

// waitSet is the set of sources one wait races. Nil channels never fire.
// closing reports the signal's destruction and wakes like cancel.
// exited and cancel must be channels that stay ready once closed.
type waitSet struct {
	read    <-chan readResult
	exited  <-chan struct{}
	cancel  <-chan struct{}
	closing <-chan struct{}
	timeout <-chan time.Time
}

// await blocks until a source is ready. When several are ready at once a
// completed read wins over exit, and exit wins over cancellation.
func (w waitSet) await() (Event, readResult) {
	if ev, res, ok := w.poll(); ok {
		return ev, res
	}

	select {
	case res := <-w.read:
		return EventDataReady, res
	case <-w.exited:
	case <-w.cancel:
	case <-w.closing:
	case <-w.timeout:
		if ev, res, ok := w.poll(); ok {
			return ev, res
		}
		return EventTimedOut, readResult{}
	}

	ev, res, _ := w.poll()
	return ev, res
}

func (w waitSet) poll() (Event, readResult, bool) {
	select {
	case res := <-w.read:
		return EventDataReady, res, true
	default:
	}
	select {
	case <-w.exited:
		return EventProcessExited, readResult{}, true
	default:
	}
	select {
	case <-w.cancel:
		return EventCancelRequested, readResult{}, true
	case <-w.closing:
		return EventCancelRequested, readResult{}, true
	default:
	}
	return 0, readResult{}, false
}
