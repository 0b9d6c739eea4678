package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/randomizedcoder/go-procpump/internal/cancel"
)

// DeliverFunc receives one chunk of output. The chunk aliases the pump
// buffer and is only valid during the call. Returning false stops the pump
// gracefully; returning an error aborts it with that error.
type DeliverFunc func(chunk []byte) (bool, error)

// PumpState is the state of the output pump.
type PumpState int32

const (
	PumpIdle PumpState = iota
	PumpReading
	PumpDraining
	PumpCancelling
	PumpDone
	PumpFailed
)

// String returns a human-readable name for the state.
func (s PumpState) String() string {
	switch s {
	case PumpIdle:
		return "idle"
	case PumpReading:
		return "reading"
	case PumpDraining:
		return "draining"
	case PumpCancelling:
		return "cancelling"
	case PumpDone:
		return "done"
	case PumpFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the pump has returned.
func (s PumpState) IsTerminal() bool {
	return s == PumpDone || s == PumpFailed
}

// Pump reads the child's output into buf and hands each chunk to deliver
// until the child exits and its output is drained, deliver asks to stop,
// or a real cancellation arrives on the handle's signal.
//
// flag is the caller's logical interrupt flag: a signal wake only counts
// as cancellation if flag was set, and Pump clears it when it acts on it.
// A nil flag makes every signal wake a real cancellation. If the signal
// is closed while flag is unset, Pump returns ErrClosed.
//
// Pump returns nil on completion or consumer stop, ErrOperationCancelled
// on cancellation, the consumer's own error, or an *IOFailure.
func (h *Handle) Pump(flag *cancel.Flag, buf []byte, deliver DeliverFunc) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	if deliver == nil {
		return fmt.Errorf("%w: nil deliver func", ErrInvalidArgument)
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.pumping.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: pump already running", ErrInvalidArgument)
	}
	defer h.pumping.Store(false)

	r := h.endpoint.Reader()
	if r == nil {
		return ErrClosed
	}
	return h.pumpFrom(r, flag, buf, deliver)
}

// deadlineReader is the read side of the channel as the pump uses it.
// SetReadDeadline may report os.ErrNoDeadline, in which case an in-flight
// read cannot be interrupted and cancellation waits for it to complete.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

func (h *Handle) pumpFrom(r deadlineReader, flag *cancel.Flag, buf []byte, deliver DeliverFunc) error {
	p := &pump{
		h:       h,
		r:       r,
		flag:    flag,
		buf:     buf,
		deliver: deliver,
		logger:  h.logger,
	}
	return p.run()
}

type pump struct {
	h       *Handle
	r       deadlineReader
	flag    *cancel.Flag
	buf     []byte
	deliver DeliverFunc
	logger  *slog.Logger

	pending  *pendingRead
	cancelCh <-chan struct{}
	closing  <-chan struct{}

	// cancelPending is set when a real cancellation was consumed but the
	// in-flight read could not be cancelled; it is reported at the next
	// read boundary.
	cancelPending bool
}

func (p *pump) setState(s PumpState) {
	p.h.pumpState.Store(int32(s))
}

func (p *pump) run() error {
	p.setState(PumpReading)
	p.cancelCh = p.h.signal.Done()
	p.closing = p.h.signal.Closing()

	for {
		if p.pending == nil {
			p.pending = startRead(p.r, p.buf)
		}

		ev, res := waitSet{
			read:    p.pending.done,
			exited:  p.h.exited,
			cancel:  p.cancelCh,
			closing: p.closing,
		}.await()

		switch ev {
		case EventDataReady:
			p.pending = nil
			if stop, err := p.onData(res); stop {
				return p.finish(err)
			}
		case EventProcessExited:
			return p.finish(p.drain())
		case EventCancelRequested:
			if stop, err := p.onCancel(); stop {
				return p.finish(err)
			}
		}
	}
}

// finish resolves any outstanding read and records the terminal state.
func (p *pump) finish(err error) error {
	if p.pending != nil {
		// The read could not be cancelled; closing the reader forces it out.
		_ = p.h.endpoint.CloseReader()
		<-p.pending.done
		p.pending = nil
	}

	if err == nil || errors.Is(err, ErrOperationCancelled) {
		p.setState(PumpDone)
	} else {
		p.setState(PumpFailed)
	}
	p.logger.Debug("pump_finished", "pid", p.h.pid, "error", err)
	return err
}

func (p *pump) onData(res readResult) (bool, error) {
	if res.n > 0 {
		cont, err := p.deliver(p.buf[:res.n])
		if err != nil {
			return true, err
		}
		if !cont {
			p.logger.Debug("pump_consumer_stop", "pid", p.h.pid)
			return true, nil
		}
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, io.EOF):
		// Every writer is gone, including ours.
		return true, nil
	default:
		return true, &IOFailure{Syscall: "read", Err: res.err}
	}

	if p.cancelPending {
		return true, ErrOperationCancelled
	}
	return false, nil
}

func (p *pump) onCancel() (bool, error) {
	if p.flag != nil && !p.flag.Consume() {
		if p.h.signal.Closed() {
			return true, ErrClosed
		}
		// Someone else's trigger, or one already handled. The signal stays
		// set, so only this waiter's flag or Close can wake it from here on.
		p.h.falseWakeups.Add(1)
		p.cancelCh = p.flag.Wait()
		p.logger.Debug("pump_false_wakeup", "pid", p.h.pid)
		return false, nil
	}

	p.setState(PumpCancelling)
	if err := p.r.SetReadDeadline(time.Now()); err != nil {
		if errors.Is(err, os.ErrNoDeadline) {
			p.cancelPending = true
			p.cancelCh = nil
			p.closing = nil
			p.setState(PumpReading)
			p.logger.Debug("pump_cancel_deferred", "pid", p.h.pid)
			return false, nil
		}
		return true, &IOFailure{Syscall: "setdeadline", Err: err}
	}

	res := <-p.pending.done
	p.pending = nil
	_ = p.r.SetReadDeadline(time.Time{})

	if res.n > 0 {
		if _, err := p.deliver(p.buf[:res.n]); err != nil {
			return true, err
		}
	}
	if res.err != nil && !errors.Is(res.err, os.ErrDeadlineExceeded) && !errors.Is(res.err, io.EOF) {
		return true, &IOFailure{Syscall: "read", Err: res.err}
	}

	p.logger.Debug("pump_cancelled", "pid", p.h.pid, "flushed", res.n)
	return true, ErrOperationCancelled
}

// drain runs after the child exits: it drops the parent's write reference
// so the channel can reach end of stream, then delivers what is left.
func (p *pump) drain() error {
	p.setState(PumpDraining)
	defer func() {
		_ = p.h.endpoint.CloseReader()
	}()

	if _, err := p.h.endpoint.CloseWriter(); err != nil {
		p.logger.Warn("close_writer_failed", "pid", p.h.pid, "error", err)
	}

	if d := p.h.drainTimeout; d > 0 {
		if err := p.r.SetReadDeadline(time.Now().Add(d)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			<-p.pending.done
			p.pending = nil
			return &IOFailure{Syscall: "setdeadline", Err: err}
		}
	}

	res := <-p.pending.done
	p.pending = nil

	stop, err := p.drainResult(res)
	for !stop {
		n, rerr := p.r.Read(p.buf)
		stop, err = p.drainResult(readResult{n: n, err: rerr})
	}

	if err == nil && p.cancelPending && p.flag != nil {
		// Output completed first; hand the consumed interrupt back.
		p.flag.Set()
	}
	if errors.Is(err, ErrDrainTimeout) {
		p.logger.Warn("drain_timeout", "pid", p.h.pid, "timeout", p.h.drainTimeout.String())
	}
	return err
}

func (p *pump) drainResult(res readResult) (bool, error) {
	if res.n > 0 {
		cont, err := p.deliver(p.buf[:res.n])
		if err != nil {
			return true, err
		}
		if !cont {
			return true, nil
		}
	}

	switch {
	case res.err == nil:
		return res.n == 0, nil
	case errors.Is(res.err, io.EOF):
		return true, nil
	case errors.Is(res.err, os.ErrDeadlineExceeded):
		return true, ErrDrainTimeout
	default:
		return true, &IOFailure{Syscall: "read", Err: res.err}
	}
}
