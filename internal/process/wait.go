package process

import (
	"errors"
	"time"

	"github.com/randomizedcoder/go-procpump/internal/cancel"
)

// WaitFor blocks until the child exits and returns its exit code. A
// negative timeout (Infinite) waits without a deadline; otherwise
// ErrWaitTimeout is returned once timeout elapses.
//
// Cancellation follows the same contract as Pump: a signal wake is real
// only if flag was set (or flag is nil), and WaitFor then returns
// ErrOperationCancelled without waiting further. Closing the signal
// while flag is unset ends the wait with ErrClosed.
func (h *Handle) WaitFor(flag *cancel.Flag, timeout time.Duration) (int, error) {
	if h.closed.Load() {
		return StillActive, ErrClosed
	}

	code, err := h.ExitCode()
	if !errors.Is(err, ErrStillRunning) {
		return code, err
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	cancelCh := h.signal.Done()
	for {
		ev, _ := waitSet{
			exited:  h.exited,
			cancel:  cancelCh,
			closing: h.signal.Closing(),
			timeout: deadline,
		}.await()

		switch ev {
		case EventProcessExited:
			return h.ExitCode()
		case EventCancelRequested:
			if flag != nil && !flag.Consume() {
				if h.signal.Closed() {
					return StillActive, ErrClosed
				}
				h.falseWakeups.Add(1)
				cancelCh = flag.Wait()
				h.logger.Debug("wait_false_wakeup", "pid", h.pid)
				continue
			}
			return StillActive, ErrOperationCancelled
		default:
			return StillActive, ErrWaitTimeout
		}
	}
}
