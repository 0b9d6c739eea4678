package process

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrInvalidArgument is returned for malformed launch parameters, such as
	// an oversized channel id, and for an empty pump buffer.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOperationCancelled is returned by Pump and WaitFor when a real
	// cancellation was observed. It is a distinguished outcome, not a fault.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrStillRunning is returned by ExitCode while the child is alive.
	ErrStillRunning = errors.New("process still running")

	// ErrWaitTimeout is returned by WaitFor when its deadline passes first.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrDrainTimeout is returned by Pump when the post-exit drain did not
	// reach end of stream within the configured bound.
	ErrDrainTimeout = errors.New("drain timed out")

	// ErrClosed is returned when a closed handle is used.
	ErrClosed = errors.New("process handle closed")
)

// Stage identifies the launch step that failed.
type Stage int

const (
	// StageCreate covers creating the channel and opening its read end.
	StageCreate Stage = iota

	// StageConnect covers opening the write end the child inherits.
	StageConnect

	// StageSpawn covers starting the child process.
	StageSpawn
)

// String returns a human-readable name for the stage.
func (s Stage) String() string {
	switch s {
	case StageCreate:
		return "create"
	case StageConnect:
		return "connect"
	case StageSpawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// LaunchFailure reports a failed launch and the step it failed at.
type LaunchFailure struct {
	Stage Stage
	Code  syscall.Errno // 0 when the cause carried no OS error code
	Err   error
}

func newLaunchFailure(stage Stage, err error) *LaunchFailure {
	lf := &LaunchFailure{Stage: stage, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		lf.Code = errno
	}
	return lf
}

func (e *LaunchFailure) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("launch failed at %s (errno %d): %v", e.Stage, int(e.Code), e.Err)
	}
	return fmt.Sprintf("launch failed at %s: %v", e.Stage, e.Err)
}

func (e *LaunchFailure) Unwrap() error {
	return e.Err
}

// IOFailure reports an unexpected OS error during read, cancel or wait.
type IOFailure struct {
	Syscall string
	Err     error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Syscall, e.Err)
}

func (e *IOFailure) Unwrap() error {
	return e.Err
}

// Code returns the OS error code carried by the failure, or 0.
func (e *IOFailure) Code() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}
