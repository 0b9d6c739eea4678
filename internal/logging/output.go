package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the longest line kept before truncation.
	MaxLineLength = 4096

	// DefaultBufferedLines is the ring size when none is configured.
	DefaultBufferedLines = 100
)

// ErrorPatterns are the substrings counted for the exit summary.
var ErrorPatterns = []string{
	"error",
	"fatal",
	"panic",
	"failed",
	"denied",
	"timeout",
	"not found",
}

// OutputHandler receives pumped child output. It reassembles lines across
// chunk boundaries, keeps the most recent ones, logs them by severity and
// optionally mirrors the raw bytes to a passthrough writer.
type OutputHandler struct {
	logger      *slog.Logger
	verbose     bool
	passthrough io.Writer

	mu         sync.Mutex
	partial    []byte
	buffer     []string
	bufIdx     int
	filled     int
	lines      int64
	errorLines int64
	counts     map[string]int
}

// OutputConfig configures an OutputHandler.
type OutputConfig struct {
	Logger      *slog.Logger
	Verbose     bool
	Passthrough io.Writer // nil disables mirroring
	MaxLines    int       // ring size; 0 means DefaultBufferedLines
}

// NewOutputHandler creates an output handler.
func NewOutputHandler(cfg OutputConfig) *OutputHandler {
	maxLines := cfg.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultBufferedLines
	}
	return &OutputHandler{
		logger:      ForComponent(cfg.Logger, "output"),
		verbose:     cfg.Verbose,
		passthrough: cfg.Passthrough,
		buffer:      make([]string, maxLines),
		counts:      make(map[string]int),
	}
}

// Deliver consumes one chunk. Its signature matches process.DeliverFunc.
func (h *OutputHandler) Deliver(chunk []byte) (bool, error) {
	if h.passthrough != nil {
		if _, err := h.passthrough.Write(chunk); err != nil {
			return false, fmt.Errorf("passthrough write: %w", err)
		}
	}

	var complete []string
	h.mu.Lock()
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			h.partial = append(h.partial, chunk...)
			if len(h.partial) > MaxLineLength {
				complete = append(complete, string(h.partial))
				h.partial = h.partial[:0]
			}
			break
		}
		h.partial = append(h.partial, chunk[:i]...)
		complete = append(complete, string(h.partial))
		h.partial = h.partial[:0]
		chunk = chunk[i+1:]
	}
	h.mu.Unlock()

	for _, line := range complete {
		h.HandleLine(line)
	}
	return true, nil
}

// Flush handles any trailing partial line.
func (h *OutputHandler) Flush() {
	h.mu.Lock()
	line := string(h.partial)
	h.partial = h.partial[:0]
	h.mu.Unlock()

	if line != "" {
		h.HandleLine(line)
	}
}

// HandleLine processes a single line of output.
func (h *OutputHandler) HandleLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	level := ClassifyLine(line)

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % len(h.buffer)
	if h.filled < len(h.buffer) {
		h.filled++
	}
	h.lines++
	if level >= slog.LevelWarn {
		h.errorLines++
	}
	lower := strings.ToLower(line)
	for _, pattern := range ErrorPatterns {
		if strings.Contains(lower, pattern) {
			h.counts[pattern]++
		}
	}
	h.mu.Unlock()

	// In non-verbose mode, only log lines that look like problems.
	if !h.verbose && level < slog.LevelInfo {
		return
	}
	h.logger.Log(context.Background(), level, "child_output", "line", line)
}

// ClassifyLine picks a log level from the line's content. Warn marks a
// line that looks like a failure.
func ClassifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "error") ||
		strings.Contains(lower, "failed") {
		return slog.LevelWarn
	}

	if strings.Contains(lower, "warn") ||
		strings.Contains(lower, "deprecated") ||
		strings.Contains(lower, "retry") {
		return slog.LevelInfo
	}

	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := len(h.buffer)
	n = min(n, h.filled)
	if n <= 0 {
		return []string{}
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, h.buffer[(h.bufIdx-n+i+size)%size])
	}
	return lines
}

// CountErrors returns how many lines matched each error pattern.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		counts[k] = v
	}
	return counts
}

// Lines returns the number of complete lines handled.
func (h *OutputHandler) Lines() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lines
}

// ErrorLines returns the number of lines classified as warnings or worse.
func (h *OutputHandler) ErrorLines() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorLines
}
