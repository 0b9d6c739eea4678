package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoCommand is returned when no executable follows the flags.
var ErrNoCommand = errors.New("no command given")

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	*e = append(*e, value)
	return nil
}

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse registers every flag on fs, parses args and returns a Config.
// The first positional argument is the executable; the rest are its
// arguments. A "--" separator keeps child flags away from fs.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	var env envList

	fs.Usage = func() {
		w := fs.Output()
		fmt.Fprintf(w, `go-procpump - run a child process and pump its output through a named channel

Usage:
  go-procpump [flags] [--] <executable> [args...]

Child:
`)
		printFlagCategory(fs, []string{"dir", "env", "clean-env"})

		fmt.Fprintf(w, "\nChannel:\n")
		printFlagCategory(fs, []string{"channel-id", "channel-dir", "buffer-size"})

		fmt.Fprintf(w, "\nTimeouts:\n")
		printFlagCategory(fs, []string{"wait-timeout", "drain-timeout", "stop-timeout"})

		fmt.Fprintf(w, "\nRestart Policy:\n")
		printFlagCategory(fs, []string{"restarts", "restart-on-success", "backoff-initial", "backoff-max", "backoff-multiplier", "backoff-reset"})

		fmt.Fprintf(w, "\nOutput:\n")
		printFlagCategory(fs, []string{"passthrough", "tui", "tail-lines"})

		fmt.Fprintf(w, "\nObservability:\n")
		printFlagCategory(fs, []string{"metrics", "metrics-dump", "v", "log-format", "log-level"})

		fmt.Fprintf(w, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, []string{"print-cmd", "check", "skip-preflight"})

		fmt.Fprintf(w, `
Examples:
  # Run a command and relay its output
  go-procpump -- ping -c 3 localhost

  # Keep a flaky worker alive, at most 10 restarts
  go-procpump -restarts 10 -metrics :17092 -- ./worker --queue jobs

  # Show the command line that would be run
  go-procpump -print-cmd -- /usr/bin/env "two words"

`)
	}

	// Child
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Working directory (default: the executable's directory)")
	fs.Var(&env, "env", "Add KEY=VALUE to the child's environment (can repeat)")
	fs.BoolVar(&cfg.CleanEnv, "clean-env", cfg.CleanEnv, "Do not inherit the parent's environment")

	// Channel
	fs.StringVar(&cfg.ChannelID, "channel-id", cfg.ChannelID, "Channel id (default: random)")
	fs.StringVar(&cfg.ChannelDir, "channel-dir", cfg.ChannelDir, "Directory for the channel FIFO (default: $TMPDIR)")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "Pump read buffer in bytes")

	// Timeouts
	fs.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "Stop the child after this long (0 = never)")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Bound on draining output after exit (0 = unbounded)")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Grace period between SIGTERM and SIGKILL")

	// Restart policy
	fs.IntVar(&cfg.MaxRestarts, "restarts", cfg.MaxRestarts, "Restarts after failure (0 = none, -1 = unlimited)")
	fs.BoolVar(&cfg.RestartOnSuccess, "restart-on-success", cfg.RestartOnSuccess, "Restart after a clean exit too")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First restart delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum restart delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiplier", cfg.BackoffMultiply, "Restart delay growth factor")
	fs.DurationVar(&cfg.BackoffResetAfter, "backoff-reset", cfg.BackoffResetAfter, "Uptime after which the restart delay starts over")

	// Output
	fs.BoolVar(&cfg.Passthrough, "passthrough", cfg.Passthrough, "Copy child output to stdout (ignored with -tui)")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")
	fs.IntVar(&cfg.TailLines, "tail-lines", cfg.TailLines, "Output lines shown in the dashboard (0 = fit terminal)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.BoolVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Print final metrics to stderr on exit")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)

	// Safety & Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the encoded command line and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Run preflight checks and one verbose attempt bounded to 10s")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env

	rest := fs.Args()
	if len(rest) == 0 {
		return cfg, ErrNoCommand
	}
	cfg.Path = rest[0]
	cfg.Args = rest[1:]

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, names []string) {
	w := fs.Output()
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		writeFlag(w, f)
	}
}

func writeFlag(w io.Writer, f *flag.Flag) {
	fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
	if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
		fmt.Fprintf(w, " (default %s)", f.DefValue)
	}
	fmt.Fprintln(w)
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	if getter, ok := f.Value.(flag.Getter); ok {
		switch getter.Get().(type) {
		case bool:
			return ""
		case int, int64, uint, uint64:
			return "int"
		case float64:
			return "float"
		case interface{ Seconds() float64 }:
			return "duration"
		}
	}
	if _, ok := f.Value.(*envList); ok {
		return "KEY=VALUE"
	}
	return "string"
}
