// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-procpump/internal/channel"
)

// DefaultMinOpenFiles covers the channel's two descriptors, the metrics
// listener and the child's inherited stdio with room to spare.
const DefaultMinOpenFiles = 64

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll checks.
type Options struct {
	Path         string // executable, bare names resolved through PATH
	Dir          string // working directory; empty means the executable's
	ChannelDir   string // FIFO directory; empty means os.TempDir()
	MinOpenFiles int    // 0 means DefaultMinOpenFiles
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	exeCheck, resolved := checkExecutable(opts.Path)
	add(exeCheck)

	dir := opts.Dir
	if dir == "" && resolved != "" {
		dir = filepath.Dir(resolved)
	}
	if dir != "" {
		add(checkWorkingDir(dir))
	}

	add(checkChannelDir(opts.ChannelDir))

	minFiles := opts.MinOpenFiles
	if minFiles <= 0 {
		minFiles = DefaultMinOpenFiles
	}
	add(checkFileDescriptors(minFiles))

	// Warning only
	add(checkProcessLimit())

	return result
}

// checkExecutable resolves path and verifies it is an executable file.
func checkExecutable(path string) (Check, string) {
	c := Check{Name: "executable"}
	if path == "" {
		c.Message = "no executable given"
		return c, ""
	}

	resolved := path
	if !strings.Contains(path, "/") {
		p, err := exec.LookPath(path)
		if err != nil {
			c.Message = fmt.Sprintf("%s not found in PATH", path)
			return c, ""
		}
		resolved = p
	}

	info, err := os.Stat(resolved)
	switch {
	case err != nil:
		c.Message = fmt.Sprintf("%s: %v", resolved, err)
	case info.IsDir():
		c.Message = fmt.Sprintf("%s is a directory", resolved)
	case info.Mode().Perm()&0o111 == 0:
		c.Message = fmt.Sprintf("%s is not executable (mode %s)", resolved, info.Mode().Perm())
	default:
		c.Passed = true
		c.Message = resolved
	}
	return c, resolved
}

// checkWorkingDir verifies the child's working directory exists.
func checkWorkingDir(dir string) Check {
	c := Check{Name: "working_dir"}
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		c.Message = fmt.Sprintf("%s: %v", dir, err)
	case !info.IsDir():
		c.Message = fmt.Sprintf("%s is not a directory", dir)
	default:
		c.Passed = true
		c.Message = dir
	}
	return c
}

// checkChannelDir creates, connects and round-trips a byte through a
// scratch channel in dir.
func checkChannelDir(dir string) Check {
	if dir == "" {
		dir = os.TempDir()
	}
	c := Check{Name: "channel_dir"}

	ep, err := channel.Create(dir, channel.NewID())
	if err != nil {
		c.Message = fmt.Sprintf("cannot create FIFO in %s: %v", dir, err)
		return c
	}
	defer ep.Close()

	if err := ep.Connect(); err != nil {
		c.Message = fmt.Sprintf("cannot open FIFO in %s: %v", dir, err)
		return c
	}
	if _, err := ep.Writer().Write([]byte{'x'}); err != nil {
		c.Message = fmt.Sprintf("scratch write failed: %v", err)
		return c
	}
	buf := make([]byte, 1)
	if n, err := ep.Reader().Read(buf); err != nil || n != 1 {
		c.Message = fmt.Sprintf("scratch read failed: n=%d err=%v", n, err)
		return c
	}

	c.Passed = true
	c.Message = fmt.Sprintf("%s supports FIFOs", dir)
	return c
}

// checkFileDescriptors verifies the open file limit.
func checkFileDescriptors(required int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(min(limit.Cur, uint64(1<<31-1)))
	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, required),
	}
}

// checkProcessLimit warns when the process limit is nearly too low to
// spawn a child. The limit is read from /proc/self/limits.
func checkProcessLimit() Check {
	const required = 16

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < required,
		Message:  fmt.Sprintf("ulimit -u %d", actual),
	}
}

// parseMaxProcesses returns the soft "Max processes" limit, 1000000 for
// unlimited, or 0 when absent.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		var n int
		_, _ = fmt.Sscanf(fields[2], "%d", &n)
		return n
	}
	return 0
}

// WriteResults writes the preflight check results to w.
func WriteResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "executable":
		return "pass an absolute path, or check PATH and the file's execute bit"
	case "working_dir":
		return "create the directory or pass -dir"
	case "channel_dir":
		return "pass -channel-dir on a local filesystem that supports FIFOs"
	case "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	default:
		return "see documentation"
	}
}
