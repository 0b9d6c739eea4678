package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/randomizedcoder/go-procpump/internal/channel"
	"github.com/randomizedcoder/go-procpump/internal/logging"
)

// CheckModeTimeout bounds the single attempt made in -check mode.
const CheckModeTimeout = 10 * time.Second

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined into one error.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Path == "" {
		add("path", "an executable is required")
	}

	for _, kv := range cfg.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			add("env", "expected KEY=VALUE (got %q)", kv)
		}
	}

	if cfg.ChannelID != "" {
		if _, err := channel.Name(cfg.ChannelID); err != nil {
			add("channel_id", "%v", err)
		}
	}

	if cfg.BufferSize < 1 {
		add("buffer_size", "must be at least 1")
	}

	if cfg.WaitTimeout < 0 {
		add("wait_timeout", "must not be negative")
	}
	if cfg.DrainTimeout < 0 {
		add("drain_timeout", "must not be negative")
	}
	if cfg.StopTimeout <= 0 {
		add("stop_timeout", "must be positive")
	}

	if cfg.MaxRestarts < -1 {
		add("max_restarts", "must be -1 (unlimited) or more (got %d)", cfg.MaxRestarts)
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		add("backoff_initial", "must be positive")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		add("backoff_max", "must be >= backoff_initial")
	}
	if cfg.BackoffMultiply < 1.0 {
		add("backoff_multiply", "must be >= 1.0")
	}
	if cfg.BackoffResetAfter < 0 {
		add("backoff_reset_after", "must not be negative")
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		add("log_level", "must be debug, info, warn or error (got %q)", cfg.LogLevel)
	}

	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			add("metrics_addr", "%v", err)
		}
	}

	if cfg.TailLines < 0 {
		add("tail_lines", "must not be negative")
	}

	return errors.Join(errs...)
}

// ApplyCheckMode modifies config for -check mode: one verbose attempt,
// no dashboard, bounded by CheckModeTimeout.
func ApplyCheckMode(cfg *Config) {
	cfg.MaxRestarts = 0
	cfg.RestartOnSuccess = false
	cfg.WaitTimeout = CheckModeTimeout
	cfg.TUIEnabled = false
	cfg.SkipPreflight = false
	cfg.Verbose = true
}
