// Package channel implements the named, process-private byte channel that
// carries a child's combined stdout and stderr to the parent.
//
// The channel is a FIFO created in a directory of the caller's choosing under
// the name "std"+id. The parent opens the read end non-blocking so that reads
// go through the runtime poller and can be cancelled with a deadline. Once the
// write end is connected the FIFO path is unlinked, so no other process can
// attach to it.
package channel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// NamePrefix is prepended to the caller's id to form the FIFO name.
	NamePrefix = "std"

	// MaxNameLen bounds the FIFO name ("std"+id); names must be shorter.
	MaxNameLen = 64
)

// ErrInvalidID is returned for empty, oversized or malformed ids.
var ErrInvalidID = errors.New("channel: invalid id")

// NewID returns a fresh random channel id.
func NewID() string {
	return uuid.NewString()
}

// Name validates id and returns the FIFO name for it.
func Name(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	name := NamePrefix + id
	if len(name) >= MaxNameLen {
		return "", fmt.Errorf("%w: name %d bytes, must be under %d", ErrInvalidID, len(name), MaxNameLen)
	}
	if strings.ContainsAny(id, "/\x00") {
		return "", fmt.Errorf("%w: contains path separator or NUL", ErrInvalidID)
	}
	return name, nil
}

// OpError records the channel operation that failed.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("channel %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Endpoint holds both ends of one channel. Closed ends are set to nil and
// never closed twice.
type Endpoint struct {
	id   string
	path string

	mu       sync.Mutex
	reader   *os.File
	writer   *os.File
	unlinked bool
}

// Create makes the FIFO for id inside dir and opens its read end.
// An empty dir means os.TempDir().
func Create(dir, id string) (*Endpoint, error) {
	name, err := Name(id)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, name)

	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, &OpError{Op: "mkfifo", Path: path, Err: err}
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, &OpError{Op: "open", Path: path, Err: err}
	}

	return &Endpoint{
		id:     id,
		path:   path,
		reader: os.NewFile(uintptr(fd), path),
	}, nil
}

// Connect opens the write end and unlinks the FIFO path.
func (e *Endpoint) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reader == nil {
		return &OpError{Op: "connect", Path: e.path, Err: os.ErrClosed}
	}
	if e.writer != nil {
		return nil
	}

	fd, err := unix.Open(e.path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &OpError{Op: "connect", Path: e.path, Err: err}
	}
	e.writer = os.NewFile(uintptr(fd), e.path)
	e.unlinkLocked()
	return nil
}

func (e *Endpoint) unlinkLocked() {
	if e.unlinked {
		return
	}
	e.unlinked = true
	_ = unix.Unlink(e.path)
}

// ID returns the caller's channel id.
func (e *Endpoint) ID() string { return e.id }

// Path returns the FIFO path the channel was created at.
func (e *Endpoint) Path() string { return e.path }

// Reader returns the read end, or nil once closed.
func (e *Endpoint) Reader() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reader
}

// Writer returns the parent's write end, or nil once closed.
func (e *Endpoint) Writer() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writer
}

// CloseWriter closes the parent's write end. It reports whether this call
// performed the close; later calls are no-ops.
func (e *Endpoint) CloseWriter() (bool, error) {
	e.mu.Lock()
	w := e.writer
	e.writer = nil
	e.mu.Unlock()

	if w == nil {
		return false, nil
	}
	if err := w.Close(); err != nil {
		return true, &OpError{Op: "close", Path: e.path, Err: err}
	}
	return true, nil
}

// CloseReader closes the read end. A blocked Read on it returns
// os.ErrClosed.
func (e *Endpoint) CloseReader() error {
	e.mu.Lock()
	r := e.reader
	e.reader = nil
	e.mu.Unlock()

	if r == nil {
		return nil
	}
	if err := r.Close(); err != nil {
		return &OpError{Op: "close", Path: e.path, Err: err}
	}
	return nil
}

// Close releases whatever is still open. It is safe to call repeatedly.
func (e *Endpoint) Close() error {
	_, werr := e.CloseWriter()
	rerr := e.CloseReader()

	e.mu.Lock()
	e.unlinkLocked()
	e.mu.Unlock()

	return errors.Join(werr, rerr)
}

// Closed reports whether both ends have been closed.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reader == nil && e.writer == nil
}
