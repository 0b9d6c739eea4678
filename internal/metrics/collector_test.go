package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/randomizedcoder/go-procpump/internal/process"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestCollector creates a collector with an isolated registry.
func newTestCollector() (*Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(CollectorConfig{Version: "test", Command: "/bin/true"}, registry)
	return c, registry
}

// =============================================================================
// Tests: NewCollector
// =============================================================================

func TestNewCollectorWithRegistry_InitialValues(t *testing.T) {
	c, _ := newTestCollector()

	if got := testutil.ToFloat64(c.info.WithLabelValues("test", "/bin/true")); got != 1 {
		t.Errorf("info = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.exitCode); got != float64(process.StillActive) {
		t.Errorf("exit_code = %v, want %d", got, process.StillActive)
	}
	if got := testutil.ToFloat64(c.childRunning); got != 0 {
		t.Errorf("child_running = %v, want 0", got)
	}
}

func TestNewCollectorWithRegistry_DefaultVersion(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(CollectorConfig{}, registry)

	if got := testutil.ToFloat64(c.info.WithLabelValues("dev", "")); got != 1 {
		t.Errorf("info{version=dev} = %v, want 1", got)
	}
}

func TestNewCollectorWithRegistry_DuplicatePanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewCollectorWithRegistry(CollectorConfig{}, registry)

	defer func() {
		if recover() == nil {
			t.Error("second registration on the same registry should panic")
		}
	}()
	NewCollectorWithRegistry(CollectorConfig{}, registry)
}

// =============================================================================
// Tests: Output Recording
// =============================================================================

func TestCollector_Deliver(t *testing.T) {
	c, _ := newTestCollector()

	for _, n := range []int{1, 100, 8192} {
		cont, err := c.Deliver(make([]byte, n))
		if !cont || err != nil {
			t.Fatalf("Deliver() = %v, %v; want true, nil", cont, err)
		}
	}

	if got := testutil.ToFloat64(c.outputBytesTotal); got != 8293 {
		t.Errorf("output_bytes_total = %v, want 8293", got)
	}
	if got := testutil.ToFloat64(c.outputChunksTotal); got != 3 {
		t.Errorf("output_chunks_total = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(c.chunkSizeBytes); got != 1 {
		t.Errorf("chunk_size_bytes series = %d, want 1", got)
	}
}

// =============================================================================
// Tests: Event Recording
// =============================================================================

func TestCollector_ChildStarted(t *testing.T) {
	c, _ := newTestCollector()
	c.ChildStarted(4242)

	if got := testutil.ToFloat64(c.childRunning); got != 1 {
		t.Errorf("child_running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.childPid); got != 4242 {
		t.Errorf("child_pid = %v, want 4242", got)
	}
	if got := testutil.ToFloat64(c.launchesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("launches_total{ok} = %v, want 1", got)
	}
	if c.TotalStarts() != 1 {
		t.Errorf("TotalStarts() = %d, want 1", c.TotalStarts())
	}
}

func TestCollector_ChildRestarted(t *testing.T) {
	c, _ := newTestCollector()
	c.ChildRestarted()
	c.ChildRestarted()

	if got := testutil.ToFloat64(c.restartsTotal); got != 2 {
		t.Errorf("restarts_total = %v, want 2", got)
	}
	if c.TotalRestarts() != 2 {
		t.Errorf("TotalRestarts() = %d, want 2", c.TotalRestarts())
	}
}

func TestCollector_RecordAttempt_ExitCategories(t *testing.T) {
	tests := []struct {
		name     string
		update   AttemptUpdate
		category string
	}{
		{"success", AttemptUpdate{ExitCode: 0}, "success"},
		{"error", AttemptUpdate{ExitCode: 2}, "error"},
		{"signal", AttemptUpdate{ExitCode: process.StillActive, Signaled: true}, "signal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector()
			c.ChildStarted(1)
			c.RecordAttempt(tt.update)

			if got := testutil.ToFloat64(c.exitsTotal.WithLabelValues(tt.category)); got != 1 {
				t.Errorf("exits_total{%s} = %v, want 1", tt.category, got)
			}
			if got := testutil.ToFloat64(c.exitCode); got != float64(tt.update.ExitCode) {
				t.Errorf("exit_code = %v, want %d", got, tt.update.ExitCode)
			}
			if got := testutil.ToFloat64(c.childRunning); got != 0 {
				t.Errorf("child_running = %v, want 0", got)
			}
		})
	}
}

func TestCollector_RecordAttempt_Results(t *testing.T) {
	c, _ := newTestCollector()

	c.RecordAttempt(AttemptUpdate{PumpErr: process.ErrOperationCancelled, WaitErr: process.ErrWaitTimeout, FalseWakeups: 3})
	c.RecordAttempt(AttemptUpdate{PumpErr: fmt.Errorf("wrapped: %w", process.ErrDrainTimeout)})
	c.RecordAttempt(AttemptUpdate{PumpErr: errors.New("consumer broke"), WaitErr: process.ErrOperationCancelled})

	checks := []struct {
		vec   *prometheus.CounterVec
		label string
		want  float64
	}{
		{c.pumpResultsTotal, "cancelled", 1},
		{c.pumpResultsTotal, "drain_timeout", 1},
		{c.pumpResultsTotal, "error", 1},
		{c.waitResultsTotal, "timeout", 1},
		{c.waitResultsTotal, "ok", 1},
		{c.waitResultsTotal, "cancelled", 1},
	}
	for _, chk := range checks {
		if got := testutil.ToFloat64(chk.vec.WithLabelValues(chk.label)); got != chk.want {
			t.Errorf("%s = %v, want %v", chk.label, got, chk.want)
		}
	}
	if got := testutil.ToFloat64(c.falseWakeupsTotal); got != 3 {
		t.Errorf("false_wakeups_total = %v, want 3", got)
	}
}

func TestCollector_RecordAttempt_LaunchFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		label string
	}{
		{"spawn", &process.LaunchFailure{Stage: process.StageSpawn, Err: errors.New("enoent")}, "spawn"},
		{"create", &process.LaunchFailure{Stage: process.StageCreate, Err: errors.New("eexist")}, "create"},
		{"invalid", fmt.Errorf("%w: empty path", process.ErrInvalidArgument), "invalid"},
		{"other", errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCollector()
			c.RecordAttempt(AttemptUpdate{ExitCode: process.StillActive, LaunchErr: tt.err})

			if got := testutil.ToFloat64(c.launchesTotal.WithLabelValues(tt.label)); got != 1 {
				t.Errorf("launches_total{%s} = %v, want 1", tt.label, got)
			}
			// A failed launch is not an exit.
			if got := testutil.CollectAndCount(c.exitsTotal); got != 0 {
				t.Errorf("exits_total series = %d, want 0", got)
			}
		})
	}
}

// =============================================================================
// Tests: Summary
// =============================================================================

func TestCollector_GenerateSummary(t *testing.T) {
	c, _ := newTestCollector()

	for i, code := range []int{0, 1, 1, 2} {
		c.ChildStarted(100 + i)
		c.RecordAttempt(AttemptUpdate{ExitCode: code, Uptime: time.Duration(i+1) * time.Second})
	}
	c.ChildRestarted()

	s := c.GenerateSummary()
	if s.TotalStarts != 4 || s.TotalRestarts != 1 {
		t.Errorf("starts = %d, restarts = %d; want 4, 1", s.TotalStarts, s.TotalRestarts)
	}
	if s.ExitCodes[1] != 2 {
		t.Errorf("ExitCodes[1] = %d, want 2", s.ExitCodes[1])
	}
	if s.UptimeP50 != 2*time.Second {
		t.Errorf("UptimeP50 = %v, want 2s", s.UptimeP50)
	}
	if s.UptimeP99 != 3*time.Second {
		t.Errorf("UptimeP99 = %v, want 3s", s.UptimeP99)
	}

	labels := s.ExitCodeLabels()
	want := []string{"0=1", "1=2", "2=1"}
	if fmt.Sprint(labels) != fmt.Sprint(want) {
		t.Errorf("ExitCodeLabels() = %v, want %v", labels, want)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, 1},
		{0.5, 5},
		{0.9, 9},
		{1, 10},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v, want 0", got)
	}
}
