// Package config provides configuration management for go-procpump.
package config

import (
	"os"
	"time"
)

// Config holds all configuration options for one supervised run.
type Config struct {
	// Child
	Path     string   `json:"path"`
	Args     []string `json:"args"`
	Dir      string   `json:"dir"`       // "" = the executable's directory
	Env      []string `json:"env"`       // KEY=VALUE, added to the inherited environment
	CleanEnv bool     `json:"clean_env"` // child sees only Env

	// Channel
	ChannelID  string `json:"channel_id"`  // "" = random
	ChannelDir string `json:"channel_dir"` // "" = os.TempDir()

	// Pump and wait
	BufferSize   int           `json:"buffer_size"`
	WaitTimeout  time.Duration `json:"wait_timeout"`  // 0 = wait forever
	DrainTimeout time.Duration `json:"drain_timeout"` // 0 = drain to end of stream
	StopTimeout  time.Duration `json:"stop_timeout"`

	// Restart policy
	MaxRestarts       int           `json:"max_restarts"` // 0 = none, -1 = unlimited
	RestartOnSuccess  bool          `json:"restart_on_success"`
	BackoffInitial    time.Duration `json:"backoff_initial"`
	BackoffMax        time.Duration `json:"backoff_max"`
	BackoffMultiply   float64       `json:"backoff_multiply"`
	BackoffResetAfter time.Duration `json:"backoff_reset_after"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // "" = no server
	MetricsDump bool   `json:"metrics_dump"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`

	// Output handling
	Passthrough bool `json:"passthrough"` // copy child output to stdout
	TUIEnabled  bool `json:"tui_enabled"`
	TailLines   int  `json:"tail_lines"` // 0 = fit the terminal

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:  8192,
		StopTimeout: 5 * time.Second,

		// Restart policy
		MaxRestarts:       0,
		BackoffInitial:    250 * time.Millisecond,
		BackoffMax:        5 * time.Second,
		BackoffMultiply:   1.7,
		BackoffResetAfter: 30 * time.Second,

		// Observability
		MetricsAddr: "127.0.0.1:17092",
		LogFormat:   "text",
		LogLevel:    "info",

		Passthrough: true,
	}
}

// ChildEnv returns the environment for the child. Nil means the child
// inherits the parent's environment unchanged.
func (c *Config) ChildEnv() []string {
	if c.CleanEnv {
		return append([]string{}, c.Env...)
	}
	if len(c.Env) == 0 {
		return nil
	}
	return append(os.Environ(), c.Env...)
}

// EffectiveLogLevel returns the log level, raised to debug by Verbose.
func (c *Config) EffectiveLogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}
