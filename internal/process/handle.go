// Package process launches a child whose combined stdout and stderr flow
// through a named channel, and drives that output into a consumer while
// racing it against process exit and cooperative cancellation.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-procpump/internal/cancel"
	"github.com/randomizedcoder/go-procpump/internal/channel"
	"github.com/randomizedcoder/go-procpump/internal/cmdline"
)

// StillActive is the exit code reported while no code is known. A child
// terminated by a signal also reports it, so ExitCode disambiguates by
// checking whether the child has been reaped.
const StillActive = -1

// Infinite disables the WaitFor deadline.
const Infinite time.Duration = -1

// DefaultBufferSize is the pump buffer size used when none is configured.
const DefaultBufferSize = 8192

// Flags records how the child's streams were wired.
type Flags uint32

const (
	// FlagMergeStderr means stderr shares the channel with stdout.
	FlagMergeStderr Flags = 1 << iota
)

// LaunchOptions configures Launch.
type LaunchOptions struct {
	// Path is the executable. A bare name is resolved through PATH.
	Path string
	Args []string

	// Dir is the child's working directory; empty means the directory
	// containing the executable.
	Dir string

	// Env is the child's environment; nil inherits the parent's.
	Env []string

	// ChannelID names the channel. Empty means a fresh random id.
	ChannelID string

	// ChannelDir is where the FIFO is created; empty means os.TempDir().
	ChannelDir string

	// Signal is the cancellation signal observed by Pump and WaitFor.
	// It is owned by the caller and may be shared across launches.
	Signal *cancel.Signal

	// DrainTimeout bounds the post-exit drain. Zero waits for end of
	// stream however long it takes.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Handle owns one launched child and the parent's references to its
// channel.
type Handle struct {
	cmd          *exec.Cmd
	pid          int
	cmdLine      string
	flags        Flags
	startTime    time.Time
	signal       *cancel.Signal
	endpoint     *channel.Endpoint
	drainTimeout time.Duration
	logger       *slog.Logger

	exitCode atomic.Int64
	exited   chan struct{}
	waitErr  error // set before exited is closed
	endTime  atomic.Int64

	pumpState    atomic.Int32
	pumping      atomic.Bool
	closed       atomic.Bool
	falseWakeups atomic.Int64
}

// Launch creates the channel, spawns the child with stdout and stderr on
// the channel's write end, and returns the handle and endpoint.
func Launch(opts LaunchOptions) (*Handle, *channel.Endpoint, error) {
	if opts.Path == "" {
		return nil, nil, fmt.Errorf("%w: empty executable path", ErrInvalidArgument)
	}
	if opts.Signal == nil || opts.Signal.Closed() {
		return nil, nil, fmt.Errorf("%w: missing or closed cancellation signal", ErrInvalidArgument)
	}

	id := opts.ChannelID
	if id == "" {
		id = channel.NewID()
	}
	if _, err := channel.Name(id); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "process", "channel_id", id)

	path := opts.Path
	if !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, nil, newLaunchFailure(StageSpawn, err)
		}
		path = resolved
	}

	dir := opts.Dir
	if dir == "" {
		dir = filepath.Dir(path)
	}

	ep, err := channel.Create(opts.ChannelDir, id)
	if err != nil {
		logger.Error("channel_create_failed", "error", err)
		return nil, nil, newLaunchFailure(StageCreate, err)
	}
	if err := ep.Connect(); err != nil {
		logger.Error("channel_connect_failed", "error", err)
		_ = ep.Close()
		return nil, nil, newLaunchFailure(StageConnect, err)
	}

	cmdLine := cmdline.Encode(path, opts.Args)
	w := ep.Writer()
	cmd := &exec.Cmd{
		Path:   path,
		Args:   cmdline.Split(cmdLine),
		Dir:    dir,
		Env:    opts.Env,
		Stdout: w,
		Stderr: w,
		// New session: no controlling terminal, and its own process group.
		SysProcAttr: &syscall.SysProcAttr{Setsid: true},
	}

	if err := cmd.Start(); err != nil {
		logger.Error("spawn_failed", "path", path, "error", err)
		_ = ep.Close()
		return nil, nil, newLaunchFailure(StageSpawn, err)
	}

	h := &Handle{
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		cmdLine:      cmdLine,
		flags:        FlagMergeStderr,
		startTime:    time.Now(),
		signal:       opts.Signal,
		endpoint:     ep,
		drainTimeout: opts.DrainTimeout,
		logger:       logger,
		exited:       make(chan struct{}),
	}
	h.exitCode.Store(StillActive)
	go h.reap()

	logger.Info("process_launched",
		"pid", h.pid,
		"cmdline", cmdLine,
		"dir", dir,
	)
	return h, ep, nil
}

// reap waits for the child, records its exit code and closes exited.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	code := StillActive
	if ps := h.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}

	h.exitCode.Store(int64(code))
	h.endTime.Store(time.Now().UnixNano())
	close(h.exited)

	h.logger.Debug("process_reaped", "pid", h.pid, "exit_code", code)
}

// ExitCode returns the child's exit code without waiting. While the child
// is alive it returns ErrStillRunning.
func (h *Handle) ExitCode() (int, error) {
	if code := int(h.exitCode.Load()); code != StillActive {
		return code, nil
	}
	select {
	case <-h.exited:
		if h.waitErr != nil {
			return StillActive, &IOFailure{Syscall: "wait", Err: h.waitErr}
		}
		return int(h.exitCode.Load()), nil
	default:
		return StillActive, ErrStillRunning
	}
}

// TermSignal returns the signal that terminated the child. It reports
// false while the child is alive or when it exited normally.
func (h *Handle) TermSignal() (syscall.Signal, bool) {
	select {
	case <-h.exited:
	default:
		return 0, false
	}
	if ps := h.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ws.Signal(), true
		}
	}
	return 0, false
}

// Exited returns a channel that is closed once the child has been reaped.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Signal delivers sig to the child.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Kill forcibly terminates the child.
func (h *Handle) Kill() error {
	return h.cmd.Process.Kill()
}

// Close releases the parent's channel references. It does not stop the
// child or close the cancellation signal. Calling it again is a no-op.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.endpoint.Close()
	h.logger.Debug("handle_closed", "pid", h.pid)
	return err
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.pid }

// CommandLine returns the encoded command the child was spawned from.
func (h *Handle) CommandLine() string { return h.cmdLine }

// Flags returns the stream wiring flags.
func (h *Handle) Flags() Flags { return h.flags }

// StartTime returns when the child was spawned.
func (h *Handle) StartTime() time.Time { return h.startTime }

// Uptime returns how long the child ran, or has been running so far.
func (h *Handle) Uptime() time.Duration {
	if end := h.endTime.Load(); end != 0 {
		return time.Unix(0, end).Sub(h.startTime)
	}
	return time.Since(h.startTime)
}

// Endpoint returns the channel the child writes to.
func (h *Handle) Endpoint() *channel.Endpoint { return h.endpoint }

// PumpState returns the pump's current or final state.
func (h *Handle) PumpState() PumpState {
	return PumpState(h.pumpState.Load())
}

// FalseWakeups returns how many cancellation wakes were filtered out as
// spurious by Pump and WaitFor on this handle.
func (h *Handle) FalseWakeups() int64 {
	return h.falseWakeups.Load()
}
