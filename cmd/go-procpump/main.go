// Package main provides the go-procpump CLI entry point.
//
// go-procpump launches a child process with its stdout and stderr bound to
// a named channel, pumps that output until the child is done, and
// optionally restarts the child with backoff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-procpump/internal/cmdline"
	"github.com/randomizedcoder/go-procpump/internal/config"
	"github.com/randomizedcoder/go-procpump/internal/logging"
	"github.com/randomizedcoder/go-procpump/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-procpump
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-procpump %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, config.ErrNoCommand) {
			flag.Usage()
			return 2
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	// Apply -check mode modifications
	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	// Handle -print-cmd mode
	if cfg.PrintCmd {
		fmt.Println(cmdline.Encode(cfg.Path, cfg.Args))
		return 0
	}

	// When the TUI is enabled, suppress logs so they do not tear the screen
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.EffectiveLogLevel(), cfg.Verbose)
	}
	logging.SetDefault(logger)

	if cfg.Check {
		logger.Info("check_mode_enabled", "wait_timeout", cfg.WaitTimeout.String())
	}

	logger.Info("starting",
		"version", version,
		"command", cmdline.Encode(cfg.Path, cfg.Args),
		"max_restarts", cfg.MaxRestarts,
		"metrics_addr", cfg.MetricsAddr,
	)

	orch := orchestrator.New(cfg, logger, orchestrator.Options{
		Version: version,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	res, err := orch.Run(context.Background())
	if err != nil {
		logger.Error("run_failed", "error", err)
	}
	return orchestrator.ExitStatus(res, err)
}
