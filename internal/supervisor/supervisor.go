package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-procpump/internal/cancel"
	"github.com/randomizedcoder/go-procpump/internal/logging"
	"github.com/randomizedcoder/go-procpump/internal/process"
)

// ErrMaxRestarts is returned when the restart budget is exhausted while
// the child keeps failing.
var ErrMaxRestarts = errors.New("max restarts reached")

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the supervisor state changes.
	OnStateChange func(oldState, newState State)

	// OnStart is called once a child has been launched.
	OnStart func(pid int, cmdLine string)

	// OnExit is called after each attempt, including failed launches.
	OnExit func(result Result)

	// OnRestart is called before a restart attempt.
	OnRestart func(attempt int, delay time.Duration)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	// Launch describes the child. Its Signal and Logger are supplied by
	// the supervisor.
	Launch process.LaunchOptions

	// Deliver receives the child's output. Nil discards it.
	Deliver process.DeliverFunc

	BufferSize  int           // pump buffer; 0 means process.DefaultBufferSize
	WaitTimeout time.Duration // per-attempt limit on the child's runtime; 0 = none
	StopTimeout time.Duration // grace between SIGTERM and SIGKILL; 0 = 5s

	// MaxRestarts bounds restarts after the first attempt: 0 never
	// restarts, a negative value restarts without limit.
	MaxRestarts int

	// RestartOnSuccess restarts the child even after a clean exit.
	RestartOnSuccess bool

	Backoff   *Backoff // nil means DefaultBackoffConfig seeded from time
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Result describes one attempt.
type Result struct {
	Attempt      int
	Pid          int
	CommandLine  string
	StartTime    time.Time
	ExitCode     int            // process.StillActive for a signal death or no exit
	Signal       syscall.Signal // non-zero for a signal death
	Uptime       time.Duration
	FalseWakeups int64

	LaunchErr error
	PumpErr   error
	WaitErr   error
}

// Err returns the attempt's failure, ignoring cooperative cancellation.
// A non-zero exit is not an error.
func (r Result) Err() error {
	var errs []error
	for _, err := range []error{r.LaunchErr, r.PumpErr, r.WaitErr} {
		if err != nil && !errors.Is(err, process.ErrOperationCancelled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Failed reports whether the attempt should count as a failure for
// restart purposes.
func (r Result) Failed() bool {
	return r.Err() != nil || r.ExitCode != 0
}

// ExitStatus maps the attempt to a shell-style status: the exit code,
// 128+signal for a signal death, or 1 when no code is known.
func (r Result) ExitStatus() int {
	switch {
	case r.Signal != 0:
		return 128 + int(r.Signal)
	case r.ExitCode >= 0:
		return r.ExitCode
	default:
		return 1
	}
}

// Supervisor manages the lifecycle of the child process.
type Supervisor struct {
	cfg       Config
	backoff   *Backoff
	logger    *slog.Logger
	callbacks Callbacks
	signal    *cancel.Signal
	buf       []byte

	state   State
	stateMu sync.RWMutex

	handle   *process.Handle
	handleMu sync.Mutex

	restarts atomic.Int64
	last     atomic.Pointer[Result]
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = process.DefaultBufferSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Deliver == nil {
		cfg.Deliver = func([]byte) (bool, error) { return true, nil }
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoffFromTime(DefaultBackoffConfig())
	}
	logger := logging.ForComponent(cfg.Logger, "supervisor")

	return &Supervisor{
		cfg:       cfg,
		backoff:   backoff,
		logger:    logger,
		callbacks: cfg.Callbacks,
		signal:    cancel.NewSignal(),
		buf:       make([]byte, cfg.BufferSize),
		state:     StateCreated,
	}
}

// Run launches the child and supervises it until it finishes without a
// restart, the restart budget runs out, or ctx is cancelled. It returns
// the last attempt's result.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	defer s.signal.Close()
	s.logger.Debug("supervisor_starting", "path", s.cfg.Launch.Path)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			s.setState(StateStopped)
			return s.LastResult(), err
		}

		res := s.runOnce(ctx, attempt)
		s.last.Store(&res)
		if s.callbacks.OnExit != nil {
			s.callbacks.OnExit(res)
		}

		if err := ctx.Err(); err != nil {
			s.setState(StateStopped)
			s.logger.Debug("supervisor_stopped", "reason", "context_cancelled")
			return res, err
		}

		if !res.Failed() && !s.cfg.RestartOnSuccess {
			s.setState(StateStopped)
			return res, nil
		}
		if limit := s.cfg.MaxRestarts; limit >= 0 && int(s.restarts.Load()) >= limit {
			s.setState(StateStopped)
			if limit > 0 && res.Failed() {
				s.logger.Warn("max_restarts_reached", "restarts", s.restarts.Load(), "max", limit)
				return res, errors.Join(ErrMaxRestarts, res.Err(), exitError(res))
			}
			return res, res.Err()
		}

		if s.backoff.ShouldReset(res.Uptime, res.ExitCode) {
			s.backoff.Reset()
		}
		delay := s.backoff.Next()
		restarts := s.restarts.Add(1)

		if s.callbacks.OnRestart != nil {
			s.callbacks.OnRestart(int(restarts), delay)
		}
		s.logger.Info("restart_scheduled",
			"attempt", restarts,
			"delay", delay.String(),
			"last_exit_code", res.ExitCode,
		)

		s.setState(StateBackoff)
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return res, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func exitError(res Result) error {
	if res.ExitCode == 0 && res.Signal == 0 {
		return nil
	}
	return fmt.Errorf("child exit status %d", res.ExitStatus())
}

// runOnce launches the child and runs pump and wait side by side until
// both return. Each has its own interrupt flag on the shared signal.
func (s *Supervisor) runOnce(ctx context.Context, attempt int) Result {
	s.setState(StateStarting)
	res := Result{Attempt: attempt, ExitCode: process.StillActive}

	// The previous attempt may have left the signal set.
	s.signal.Reset()

	opts := s.cfg.Launch
	opts.Signal = s.signal
	opts.Logger = s.cfg.Logger

	h, _, err := process.Launch(opts)
	if err != nil {
		s.logger.Error("launch_failed", "attempt", attempt, "error", err)
		res.LaunchErr = err
		return res
	}
	defer func() {
		if err := h.Close(); err != nil {
			s.logger.Warn("handle_close_failed", "pid", h.Pid(), "error", err)
		}
		s.setHandle(nil)
	}()

	s.setHandle(h)
	res.Pid = h.Pid()
	res.CommandLine = h.CommandLine()
	res.StartTime = h.StartTime()
	s.setState(StateRunning)
	s.logger.Info("child_started", "attempt", attempt, "pid", res.Pid)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(res.Pid, res.CommandLine)
	}

	pumpFlag, waitFlag := cancel.NewFlag(), cancel.NewFlag()
	g, gctx := errgroup.WithContext(ctx)
	stop := cancel.OnContext(gctx, s.signal, pumpFlag, waitFlag)

	var pumpDone atomic.Bool
	g.Go(func() error {
		res.PumpErr = h.Pump(pumpFlag, s.buf, s.cfg.Deliver)
		pumpDone.Store(true)
		if res.PumpErr != nil && !errors.Is(res.PumpErr, process.ErrOperationCancelled) {
			return res.PumpErr
		}
		return nil
	})
	g.Go(func() error {
		timeout := process.Infinite
		if s.cfg.WaitTimeout > 0 {
			timeout = s.cfg.WaitTimeout
		}
		res.ExitCode, res.WaitErr = h.WaitFor(waitFlag, timeout)
		if res.WaitErr == nil && !pumpDone.Load() {
			s.setState(StateDraining)
		}
		if errors.Is(res.WaitErr, process.ErrWaitTimeout) {
			s.logger.Warn("wait_timeout", "pid", res.Pid, "timeout", timeout.String())
			return res.WaitErr
		}
		return nil
	})
	s.awaitGroup(gctx, g, h)
	stop()

	if _, err := h.ExitCode(); errors.Is(err, process.ErrStillRunning) {
		if !s.terminate(h, s.cfg.StopTimeout) {
			<-h.Exited()
		}
	}

	// The signal may still be set, so waits from here on use fresh flags
	// and only wake for exit.
	if res.WaitErr != nil {
		code, err := h.WaitFor(cancel.NewFlag(), process.Infinite)
		res.ExitCode = code
		if err != nil {
			res.WaitErr = errors.Join(res.WaitErr, err)
		}
	}
	if errors.Is(res.PumpErr, process.ErrOperationCancelled) {
		if err := h.Pump(cancel.NewFlag(), s.buf, s.cfg.Deliver); err != nil {
			s.logger.Warn("post_stop_drain_failed", "pid", res.Pid, "error", err)
		}
	}

	if sig, ok := h.TermSignal(); ok {
		res.Signal = sig
	}
	res.Uptime = h.Uptime()
	res.FalseWakeups = h.FalseWakeups()

	s.logger.Info("child_exited",
		"attempt", attempt,
		"pid", res.Pid,
		"exit_code", res.ExitCode,
		"exit_status", res.ExitStatus(),
		"uptime", res.Uptime.String(),
		"pump_error", res.PumpErr,
	)
	return res
}

// awaitGroup waits for pump and wait to return. Once ctx is done the pump
// gets StopTimeout to finish; a drain held open by a surviving member of
// the child's process group is then ended by killing the group, and
// finally by closing the read end.
func (s *Supervisor) awaitGroup(ctx context.Context, g *errgroup.Group, h *process.Handle) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	select {
	case <-done:
		return
	case <-time.After(s.cfg.StopTimeout):
	}

	pid := h.Pid()
	s.logger.Warn("drain_held_open", "pid", pid, "timeout", s.cfg.StopTimeout.String())
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("kill_group_failed", "pid", pid, "error", err)
	}

	select {
	case <-done:
		return
	case <-time.After(s.cfg.StopTimeout):
	}

	s.logger.Warn("force_closing_channel", "pid", pid)
	_ = h.Endpoint().CloseReader()
	<-done
}

// terminate sends SIGTERM to the child's process group, then SIGKILL if
// it has not exited within timeout. It reports whether the child exited
// on SIGTERM alone.
func (s *Supervisor) terminate(h *process.Handle, timeout time.Duration) bool {
	pid := h.Pid()
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = h.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.Exited():
		return true
	case <-time.After(timeout):
		s.logger.Warn("force_killing_process", "pid", pid)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = h.Kill()
		}
		return false
	}
}

// Stop gracefully stops the running child: SIGTERM to its process group,
// then SIGKILL after timeout. The supervisor still applies its restart
// policy to the resulting exit.
func (s *Supervisor) Stop(timeout time.Duration) error {
	h := s.currentHandle()
	if h == nil {
		return nil
	}
	if !s.terminate(h, timeout) {
		return errors.New("process did not exit gracefully")
	}
	return nil
}

// Kill sends SIGKILL to the running child's process group.
func (s *Supervisor) Kill() error {
	h := s.currentHandle()
	if h == nil {
		return nil
	}
	if err := syscall.Kill(-h.Pid(), syscall.SIGKILL); err != nil {
		return h.Kill()
	}
	return nil
}

func (s *Supervisor) setHandle(h *process.Handle) {
	s.handleMu.Lock()
	s.handle = h
	s.handleMu.Unlock()
}

func (s *Supervisor) currentHandle() *process.Handle {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return s.handle
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(oldState, newState)
	}
}

// Restarts returns the number of restarts that have occurred.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Pid returns the running child's pid, or 0.
func (s *Supervisor) Pid() int {
	if h := s.currentHandle(); h != nil {
		return h.Pid()
	}
	return 0
}

// StartTime returns when the running child was launched, or the zero
// time.
func (s *Supervisor) StartTime() time.Time {
	if h := s.currentHandle(); h != nil {
		return h.StartTime()
	}
	return time.Time{}
}

// Uptime returns the running child's uptime, or 0.
func (s *Supervisor) Uptime() time.Duration {
	if h := s.currentHandle(); h != nil {
		return h.Uptime()
	}
	return 0
}

// LastResult returns the most recent attempt's result.
func (s *Supervisor) LastResult() Result {
	if r := s.last.Load(); r != nil {
		return *r
	}
	return Result{ExitCode: process.StillActive}
}
