// Package orchestrator wires the supervisor, output handling, statistics,
// metrics and the optional dashboard into one run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-procpump/internal/cmdline"
	"github.com/randomizedcoder/go-procpump/internal/config"
	"github.com/randomizedcoder/go-procpump/internal/logging"
	"github.com/randomizedcoder/go-procpump/internal/metrics"
	"github.com/randomizedcoder/go-procpump/internal/preflight"
	"github.com/randomizedcoder/go-procpump/internal/process"
	"github.com/randomizedcoder/go-procpump/internal/stats"
	"github.com/randomizedcoder/go-procpump/internal/supervisor"
	"github.com/randomizedcoder/go-procpump/internal/tui"
)

// MetricsPrefix selects this tool's own families for -metrics-dump.
const MetricsPrefix = "procpump_"

// ErrPreflight is returned when a required preflight check fails.
var ErrPreflight = errors.New("preflight checks failed (use -skip-preflight to override)")

// Options carries the orchestrator's environment.
type Options struct {
	Version string

	// Stdout receives passthrough output; Stderr receives preflight
	// results, the metrics dump and the exit summary.
	Stdout io.Writer
	Stderr io.Writer
}

// Orchestrator coordinates all components for one supervised run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	opts   Options

	output        *logging.OutputHandler
	recorder      *stats.Recorder
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	supervisor    *supervisor.Supervisor

	command   string
	startTime time.Time
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if logger == nil {
		logger = logging.Discard()
	}

	command := cmdline.Encode(cfg.Path, cfg.Args)

	var passthrough io.Writer
	if cfg.Passthrough && !cfg.TUIEnabled {
		passthrough = opts.Stdout
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	o := &Orchestrator{
		config: cfg,
		logger: logger,
		opts:   opts,
		output: logging.NewOutputHandler(logging.OutputConfig{
			Logger:      logger,
			Verbose:     cfg.Verbose,
			Passthrough: passthrough,
		}),
		recorder: stats.NewRecorder(),
		registry: registry,
		metrics: metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Version: opts.Version,
			Command: command,
		}, registry),
		command: command,
	}

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, logger)
	}

	o.supervisor = supervisor.New(supervisor.Config{
		Launch: process.LaunchOptions{
			Path:         cfg.Path,
			Args:         cfg.Args,
			Dir:          cfg.Dir,
			Env:          cfg.ChildEnv(),
			ChannelID:    cfg.ChannelID,
			ChannelDir:   cfg.ChannelDir,
			DrainTimeout: cfg.DrainTimeout,
		},
		Deliver:          o.deliver,
		BufferSize:       cfg.BufferSize,
		WaitTimeout:      cfg.WaitTimeout,
		StopTimeout:      cfg.StopTimeout,
		MaxRestarts:      cfg.MaxRestarts,
		RestartOnSuccess: cfg.RestartOnSuccess,
		Backoff: supervisor.NewBackoffFromTime(supervisor.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  0.4,
			ResetAfter: cfg.BackoffResetAfter,
		}),
		Logger: logger,
		Callbacks: supervisor.Callbacks{
			OnStateChange: o.onStateChange,
			OnStart:       o.onStart,
			OnExit:        o.onExit,
			OnRestart:     o.onRestart,
		},
	})

	return o
}

// Run executes the supervised child. It blocks until the child is done
// for good or a signal arrives, and returns the last attempt's result.
func (o *Orchestrator) Run(ctx context.Context) (supervisor.Result, error) {
	o.startTime = time.Now()

	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Path:       o.config.Path,
			Dir:        o.config.Dir,
			ChannelDir: o.config.ChannelDir,
		})
		preflight.WriteResults(o.opts.Stderr, result)
		if !result.Passed {
			return supervisor.Result{ExitCode: process.StillActive}, ErrPreflight
		}
	}

	// Start metrics server
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return supervisor.Result{ExitCode: process.StillActive}, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		res supervisor.Result
		err error
	)
	if o.config.TUIEnabled {
		res, err = o.runWithTUI(ctx)
	} else {
		res, err = o.supervisor.Run(ctx)
	}
	if ctx.Err() != nil {
		o.logger.Info("run_interrupted", "cause", context.Cause(ctx))
	}

	o.shutdown()
	o.finish(res, err)
	return res, err
}

// runWithTUI runs the supervisor behind the dashboard. Quitting the
// dashboard stops the child; the dashboard stays up after the child is
// done until the user quits, unless the run was stopped by a signal.
func (o *Orchestrator) runWithTUI(ctx context.Context) (supervisor.Result, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	model := tui.New(tui.Config{
		Command:     o.command,
		MetricsAddr: o.metricsAddr(),
		Status:      o.supervisor,
		Output:      o.output,
		Stats:       o.recorder,
		Interrupt:   cancelRun,
		Kill:        o.supervisor.Kill,
		TailLines:   o.config.TailLines,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	type outcome struct {
		res supervisor.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.supervisor.Run(runCtx)
		tui.SendDone(p, res.ExitStatus(), err)
		if ctx.Err() != nil {
			tui.SendQuit(p)
		}
		done <- outcome{res, err}
	}()

	_, tuiErr := p.Run()
	cancelRun()
	out := <-done
	if tuiErr != nil {
		return out.res, errors.Join(out.err, fmt.Errorf("tui: %w", tuiErr))
	}
	return out.res, out.err
}

// deliver fans each chunk out to the output handler, the statistics
// recorder and the metrics collector. A sink that stops or fails stops
// the pump.
func (o *Orchestrator) deliver(chunk []byte) (bool, error) {
	for _, sink := range []process.DeliverFunc{o.output.Deliver, o.recorder.Deliver, o.metrics.Deliver} {
		if ok, err := sink(chunk); err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func (o *Orchestrator) shutdown() {
	if o.metricsServer == nil {
		return
	}
	o.metricsServer.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// finish writes the optional metrics dump and the exit summary.
func (o *Orchestrator) finish(res supervisor.Result, err error) {
	if o.config.MetricsDump {
		if dumpErr := metrics.Dump(o.opts.Stderr, o.registry, MetricsPrefix); dumpErr != nil {
			o.logger.Warn("metrics_dump_failed", "error", dumpErr)
		}
	}

	summary := o.metrics.GenerateSummary()
	snap := o.recorder.Snapshot()
	fmt.Fprint(o.opts.Stderr, stats.FormatExitSummary(&snap, stats.SummaryConfig{
		Command:       o.command,
		Duration:      time.Since(o.startTime),
		MetricsAddr:   o.metricsAddr(),
		ExitStatus:    ExitStatus(res, err),
		ExitCodes:     summary.ExitCodes,
		TotalStarts:   summary.TotalStarts,
		TotalRestarts: summary.TotalRestarts,
		UptimeP50:     summary.UptimeP50,
		UptimeP95:     summary.UptimeP95,
		UptimeP99:     summary.UptimeP99,
		OutputLines:   o.output.Lines(),
		ErrorLines:    o.output.ErrorLines(),
		ErrorPatterns: o.output.CountErrors(),
		LastError:     err,
	}))
}

// ExitStatus maps a run's outcome to the status go-procpump exits with:
// the child's own status when it ran, 1 when it never did.
func ExitStatus(res supervisor.Result, err error) int {
	if res.LaunchErr != nil || errors.Is(err, ErrPreflight) {
		return 1
	}
	if res.Pid == 0 && err != nil {
		return 1
	}
	return res.ExitStatus()
}

func (o *Orchestrator) metricsAddr() string {
	if o.metricsServer == nil {
		return ""
	}
	return o.metricsServer.Addr()
}

// Callback handlers

func (o *Orchestrator) onStateChange(oldState, newState supervisor.State) {
	o.logger.Debug("state_change", "from", oldState.String(), "to", newState.String())
	if o.metricsServer != nil {
		o.metricsServer.SetReady(newState == supervisor.StateRunning || newState == supervisor.StateDraining)
	}
}

func (o *Orchestrator) onStart(pid int, cmdLine string) {
	o.metrics.ChildStarted(pid)
	if o.config.Verbose {
		o.logger.Debug("child_command", "pid", pid, "cmdline", cmdLine)
	}
}

func (o *Orchestrator) onExit(res supervisor.Result) {
	o.output.Flush()
	o.metrics.RecordAttempt(metrics.AttemptUpdate{
		ExitCode:     res.ExitCode,
		Signaled:     res.Signal != 0,
		Uptime:       res.Uptime,
		LaunchErr:    res.LaunchErr,
		PumpErr:      res.PumpErr,
		WaitErr:      res.WaitErr,
		FalseWakeups: res.FalseWakeups,
	})
}

func (o *Orchestrator) onRestart(attempt int, delay time.Duration) {
	o.metrics.ChildRestarted()
	if o.config.Verbose {
		o.logger.Debug("child_restart_scheduled", "attempt", attempt, "delay", delay.String())
	}
}

// Supervisor returns the supervisor for external access.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	return o.supervisor
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Output returns the output handler for external access.
func (o *Orchestrator) Output() *logging.OutputHandler {
	return o.output
}

// Recorder returns the statistics recorder for external access.
func (o *Orchestrator) Recorder() *stats.Recorder {
	return o.recorder
}

// Registry returns the Prometheus registry backing /metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
