// Package metrics provides Prometheus metrics for go-procpump.
//
// Metrics are grouped the way a dashboard shows them: the child's
// lifecycle, the output stream, and the pump and wait outcomes.
package metrics

import (
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-procpump/internal/process"
)

const namespace = "procpump"

// Collector manages all Prometheus metrics for one supervised child.
type Collector struct {
	// --- Panel 1: Lifecycle ---
	info          *prometheus.GaugeVec
	launchesTotal *prometheus.CounterVec
	childRunning  prometheus.Gauge
	childPid      prometheus.Gauge
	exitCode      prometheus.Gauge
	exitsTotal    *prometheus.CounterVec
	restartsTotal prometheus.Counter
	uptimeSeconds prometheus.Histogram

	// --- Panel 2: Output ---
	outputBytesTotal  prometheus.Counter
	outputChunksTotal prometheus.Counter
	chunkSizeBytes    prometheus.Histogram

	// --- Panel 3: Pump and wait ---
	pumpResultsTotal  *prometheus.CounterVec
	waitResultsTotal  *prometheus.CounterVec
	falseWakeupsTotal prometheus.Counter

	// For summary generation
	mu            sync.Mutex
	startTime     time.Time
	totalStarts   int64
	totalRestarts int64
	exitCodes     map[int]int64
	uptimes       []time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Command string
}

// NewCollectorWithRegistry creates a collector with a custom registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the supervised command (value always 1)",
		}, []string{"version", "command"}),
		launchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Launch attempts by result (ok or the failing stage)",
		}, []string{"result"}),
		childRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "child_running",
			Help:      "1 while the child process is alive",
		}),
		childPid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "child_pid",
			Help:      "Process id of the current or last child",
		}),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exit_code",
			Help:      "Exit code of the last child (-1 = none or killed by a signal)",
		}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Child exits by category (success, error, signal)",
		}, []string{"category"}),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Total restarts scheduled by the supervisor",
		}),
		uptimeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_uptime_seconds",
			Help:      "Child lifetime distribution",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes of child output delivered to the consumer",
		}),
		outputChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_chunks_total",
			Help:      "Chunks of child output delivered to the consumer",
		}),
		chunkSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_size_bytes",
			Help:      "Size distribution of delivered chunks",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9), // 1B .. 64KiB
		}),
		pumpResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_results_total",
			Help:      "Pump outcomes (ok, cancelled, drain_timeout, error)",
		}, []string{"result"}),
		waitResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_results_total",
			Help:      "Wait outcomes (ok, cancelled, timeout, error)",
		}, []string{"result"}),
		falseWakeupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "false_wakeups_total",
			Help:      "Cancellation wakes filtered out as spurious",
		}),
		startTime: time.Now(),
		exitCodes: make(map[int]int64),
	}

	registry.MustRegister(
		// Panel 1: Lifecycle
		c.info,
		c.launchesTotal,
		c.childRunning,
		c.childPid,
		c.exitCode,
		c.exitsTotal,
		c.restartsTotal,
		c.uptimeSeconds,

		// Panel 2: Output
		c.outputBytesTotal,
		c.outputChunksTotal,
		c.chunkSizeBytes,

		// Panel 3: Pump and wait
		c.pumpResultsTotal,
		c.waitResultsTotal,
		c.falseWakeupsTotal,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.Command).Set(1)
	c.exitCode.Set(float64(process.StillActive))

	return c
}

// =============================================================================
// Output Recording
// =============================================================================

// Deliver records one delivered chunk. It matches process.DeliverFunc so
// it can sit in a consumer chain.
func (c *Collector) Deliver(chunk []byte) (bool, error) {
	c.outputBytesTotal.Add(float64(len(chunk)))
	c.outputChunksTotal.Inc()
	c.chunkSizeBytes.Observe(float64(len(chunk)))
	return true, nil
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// ChildStarted records a successful launch.
func (c *Collector) ChildStarted(pid int) {
	c.launchesTotal.WithLabelValues("ok").Inc()
	c.childRunning.Set(1)
	c.childPid.Set(float64(pid))

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// ChildRestarted records a scheduled restart.
func (c *Collector) ChildRestarted() {
	c.restartsTotal.Inc()

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

// AttemptUpdate carries the outcome of one attempt. It mirrors the
// supervisor's result so this package stays free of that import.
type AttemptUpdate struct {
	ExitCode     int
	Signaled     bool
	Uptime       time.Duration
	LaunchErr    error
	PumpErr      error
	WaitErr      error
	FalseWakeups int64
}

// RecordAttempt records the outcome of one attempt.
func (c *Collector) RecordAttempt(u AttemptUpdate) {
	if u.LaunchErr != nil {
		c.launchesTotal.WithLabelValues(launchResult(u.LaunchErr)).Inc()
		return
	}

	c.childRunning.Set(0)
	c.exitCode.Set(float64(u.ExitCode))
	c.uptimeSeconds.Observe(u.Uptime.Seconds())
	c.pumpResultsTotal.WithLabelValues(result(u.PumpErr)).Inc()
	c.waitResultsTotal.WithLabelValues(result(u.WaitErr)).Inc()
	if u.FalseWakeups > 0 {
		c.falseWakeupsTotal.Add(float64(u.FalseWakeups))
	}

	category := "error"
	switch {
	case u.Signaled:
		category = "signal"
	case u.ExitCode == 0:
		category = "success"
	}
	c.exitsTotal.WithLabelValues(category).Inc()

	c.mu.Lock()
	c.exitCodes[u.ExitCode]++
	c.uptimes = append(c.uptimes, u.Uptime)
	c.mu.Unlock()
}

func launchResult(err error) string {
	var lf *process.LaunchFailure
	if errors.As(err, &lf) {
		return lf.Stage.String()
	}
	if errors.Is(err, process.ErrInvalidArgument) {
		return "invalid"
	}
	return "error"
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, process.ErrOperationCancelled):
		return "cancelled"
	case errors.Is(err, process.ErrWaitTimeout):
		return "timeout"
	case errors.Is(err, process.ErrDrainTimeout):
		return "drain_timeout"
	default:
		return "error"
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration      time.Duration
	TotalStarts   int64
	TotalRestarts int64
	ExitCodes     map[int]int64
	UptimeP50     time.Duration
	UptimeP95     time.Duration
	UptimeP99     time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:      time.Since(c.startTime),
		TotalStarts:   c.totalStarts,
		TotalRestarts: c.totalRestarts,
		ExitCodes:     make(map[int]int64, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.uptimes) > 0 {
		sorted := slices.Clone(c.uptimes)
		slices.Sort(sorted)

		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeP99 = percentile(sorted, 0.99)
	}

	return s
}

// ExitCodeLabels renders the exit code counts as "code=count" pairs in
// ascending code order.
func (s *Summary) ExitCodeLabels() []string {
	codes := make([]int, 0, len(s.ExitCodes))
	for code := range s.ExitCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	out := make([]string, 0, len(codes))
	for _, code := range codes {
		out = append(out, strconv.Itoa(code)+"="+strconv.FormatInt(s.ExitCodes[code], 10))
	}
	return out
}

// TotalStarts returns the total number of successful launches.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}

// TotalRestarts returns the total number of restarts.
func (c *Collector) TotalRestarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestarts
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
