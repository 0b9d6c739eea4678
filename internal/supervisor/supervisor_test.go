package supervisor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-procpump/internal/logging"
	"github.com/randomizedcoder/go-procpump/internal/process"
)

// =============================================================================
// Helpers
// =============================================================================

// sink collects delivered output.
type sink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	onData func(string)
}

func (s *sink) deliver(chunk []byte) (bool, error) {
	s.mu.Lock()
	s.buf.Write(chunk)
	out := s.buf.String()
	s.mu.Unlock()
	if s.onData != nil {
		s.onData(out)
	}
	return true, nil
}

func (s *sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newTestBackoff() *Backoff {
	return NewBackoff(1, BackoffConfig{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
	})
}

// shellConfig returns a Config running script under /bin/sh.
func shellConfig(t *testing.T, script string, out *sink) Config {
	t.Helper()
	cfg := Config{
		Launch: process.LaunchOptions{
			Path:       "/bin/sh",
			Args:       []string{"-c", script},
			ChannelDir: t.TempDir(),
		},
		Backoff:     newTestBackoff(),
		Logger:      logging.Discard(),
		StopTimeout: 2 * time.Second,
	}
	if out != nil {
		cfg.Deliver = out.deliver
	}
	return cfg
}

func runWithTimeout(t *testing.T, sup *Supervisor, ctx context.Context) (Result, error) {
	t.Helper()
	type ret struct {
		res Result
		err error
	}
	done := make(chan ret, 1)
	go func() {
		res, err := sup.Run(ctx)
		done <- ret{res, err}
	}()
	select {
	case r := <-done:
		return r.res, r.err
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return")
		return Result{}, nil
	}
}

// =============================================================================
// Table-Driven Tests: State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateDraining, "draining"},
		{StateBackoff, "backoff"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsActive(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateCreated, false},
		{StateStarting, true},
		{StateRunning, true},
		{StateDraining, true},
		{StateBackoff, true},
		{StateStopped, false},
		{State(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.want {
				t.Errorf("State(%d).IsActive() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range []State{StateCreated, StateStarting, StateRunning, StateDraining, StateBackoff} {
		if s.IsTerminal() {
			t.Errorf("%v.IsTerminal() = true", s)
		}
	}
	if !StateStopped.IsTerminal() {
		t.Error("StateStopped.IsTerminal() = false")
	}
}

// =============================================================================
// Table-Driven Tests: Result
// =============================================================================

func TestResult_ExitStatus(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want int
	}{
		{"success", Result{ExitCode: 0}, 0},
		{"exit 3", Result{ExitCode: 3}, 3},
		{"exit 255", Result{ExitCode: 255}, 255},
		{"sigterm", Result{ExitCode: process.StillActive, Signal: syscall.SIGTERM}, 143},
		{"sigkill", Result{ExitCode: process.StillActive, Signal: syscall.SIGKILL}, 137},
		{"unknown", Result{ExitCode: process.StillActive}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.ExitStatus(); got != tt.want {
				t.Errorf("ExitStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResult_Err(t *testing.T) {
	tests := []struct {
		name       string
		res        Result
		wantErr    error
		wantFailed bool
	}{
		{"clean", Result{}, nil, false},
		{"non-zero exit is not an error", Result{ExitCode: 2}, nil, true},
		{"cancellation ignored", Result{PumpErr: process.ErrOperationCancelled, WaitErr: process.ErrOperationCancelled}, nil, false},
		{"wait timeout", Result{WaitErr: process.ErrWaitTimeout}, process.ErrWaitTimeout, true},
		{"launch failure", Result{ExitCode: process.StillActive, LaunchErr: process.ErrInvalidArgument}, process.ErrInvalidArgument, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Err()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Err() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Err() = %v, want %v", err, tt.wantErr)
			}
			if got := tt.res.Failed(); got != tt.wantFailed {
				t.Errorf("Failed() = %v, want %v", got, tt.wantFailed)
			}
		})
	}
}

// =============================================================================
// Tests: Supervisor
// =============================================================================

func TestNew_ConfigurationDefaults(t *testing.T) {
	sup := New(Config{Launch: process.LaunchOptions{Path: "/bin/true"}})

	if sup.cfg.BufferSize != process.DefaultBufferSize {
		t.Errorf("BufferSize = %d, want %d", sup.cfg.BufferSize, process.DefaultBufferSize)
	}
	if sup.cfg.StopTimeout != 5*time.Second {
		t.Errorf("StopTimeout = %v, want 5s", sup.cfg.StopTimeout)
	}
	if sup.cfg.Deliver == nil {
		t.Error("Deliver should default to a discarding consumer")
	}
	if sup.backoff == nil {
		t.Error("backoff should default")
	}
	if sup.State() != StateCreated {
		t.Errorf("State() = %v, want created", sup.State())
	}
	if sup.Pid() != 0 || sup.Uptime() != 0 || !sup.StartTime().IsZero() {
		t.Error("Pid, Uptime and StartTime should be zero before Run")
	}
	if sup.Kill() != nil || sup.Stop(time.Millisecond) != nil {
		t.Error("Kill and Stop should be no-ops before Run")
	}
	if sup.LastResult().ExitCode != process.StillActive {
		t.Error("LastResult before Run should carry the sentinel")
	}
}

func TestSupervisor_RunOnce_Success(t *testing.T) {
	out := &sink{}
	sup := New(shellConfig(t, "echo hello; echo oops >&2", out))
	before := time.Now()

	res, err := runWithTimeout(t, sup, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 || res.ExitStatus() != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Pid <= 0 {
		t.Errorf("Pid = %d, want > 0", res.Pid)
	}
	if res.StartTime.Before(before) || res.StartTime.After(time.Now()) {
		t.Errorf("StartTime = %v, want within the run", res.StartTime)
	}
	if got := out.String(); got != "hello\noops\n" {
		t.Errorf("output = %q, want %q", got, "hello\noops\n")
	}
	if sup.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", sup.State())
	}
	if sup.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0", sup.Restarts())
	}
}

func TestSupervisor_NonZeroExitWithoutRestart(t *testing.T) {
	sup := New(shellConfig(t, "exit 3", nil))

	res, err := runWithTimeout(t, sup, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if sup.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0", sup.Restarts())
	}
}

func TestSupervisor_MaxRestarts(t *testing.T) {
	cfg := shellConfig(t, "exit 1", nil)
	cfg.MaxRestarts = 2
	sup := New(cfg)

	res, err := runWithTimeout(t, sup, context.Background())
	if !errors.Is(err, ErrMaxRestarts) {
		t.Fatalf("Run() error = %v, want ErrMaxRestarts", err)
	}
	if sup.Restarts() != 2 {
		t.Errorf("Restarts() = %d, want 2", sup.Restarts())
	}
	if res.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", res.Attempt)
	}
}

func TestSupervisor_RestartStopsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	// Fails until the marker exists.
	script := "if [ -f " + dir + "/ok ]; then exit 0; fi; touch " + dir + "/ok; exit 1"
	cfg := shellConfig(t, script, nil)
	cfg.MaxRestarts = -1
	sup := New(cfg)

	res, err := runWithTimeout(t, sup, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 || sup.Restarts() != 1 {
		t.Errorf("ExitCode = %d, Restarts = %d; want 0, 1", res.ExitCode, sup.Restarts())
	}
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	cfg := shellConfig(t, "", nil)
	cfg.Launch.Path = "/nonexistent/binary"
	sup := New(cfg)

	res, err := runWithTimeout(t, sup, context.Background())
	var lf *process.LaunchFailure
	if !errors.As(err, &lf) {
		t.Fatalf("Run() error = %v, want *LaunchFailure", err)
	}
	if lf.Stage != process.StageSpawn {
		t.Errorf("Stage = %v, want spawn", lf.Stage)
	}
	if res.Pid != 0 || res.ExitStatus() != 1 {
		t.Errorf("Pid = %d, ExitStatus = %d; want 0, 1", res.Pid, res.ExitStatus())
	}
}

func TestSupervisor_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &sink{onData: func(s string) {
		if strings.Contains(s, "ready") {
			cancel()
		}
	}}
	sup := New(shellConfig(t, "echo ready; exec sleep 30", out))

	start := time.Now()
	res, err := runWithTimeout(t, sup, ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancellation did not stop the child promptly")
	}
	if res.Signal != syscall.SIGTERM {
		t.Errorf("Signal = %v, want SIGTERM", res.Signal)
	}
	if res.ExitStatus() != 143 {
		t.Errorf("ExitStatus() = %d, want 143", res.ExitStatus())
	}
	if !strings.Contains(out.String(), "ready") {
		t.Errorf("output before cancellation lost: %q", out.String())
	}
	if sup.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", sup.State())
	}
}

func TestSupervisor_CancelWithBackgroundGrandchild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The shell exits at once but the background sleep keeps the channel
	// writer open, so the drain only ends when the group is stopped.
	out := &sink{}
	cfg := shellConfig(t, "sleep 20 & echo hi", out)
	cfg.StopTimeout = 300 * time.Millisecond
	sup := New(cfg)

	time.AfterFunc(500*time.Millisecond, cancel)

	start := time.Now()
	res, err := runWithTimeout(t, sup, ctx)
	if res.Pid > 0 {
		t.Cleanup(func() { _ = syscall.Kill(-res.Pid, syscall.SIGKILL) })
	}

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v after cancellation, want prompt return", elapsed)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0 from the shell", res.ExitCode)
	}
	if out.String() != "hi\n" {
		t.Errorf("output = %q, want %q", out.String(), "hi\n")
	}
	if sup.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", sup.State())
	}
}

func TestSupervisor_WaitTimeout(t *testing.T) {
	cfg := shellConfig(t, "exec sleep 30", nil)
	cfg.WaitTimeout = 100 * time.Millisecond
	sup := New(cfg)

	res, err := runWithTimeout(t, sup, context.Background())
	if !errors.Is(err, process.ErrWaitTimeout) {
		t.Fatalf("Run() error = %v, want ErrWaitTimeout", err)
	}
	if res.Signal != syscall.SIGTERM {
		t.Errorf("Signal = %v, want SIGTERM", res.Signal)
	}
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	cfg := shellConfig(t, "trap '' TERM; echo ready; while :; do sleep 0.05; done", nil)
	cfg.StopTimeout = 100 * time.Millisecond
	cfg.WaitTimeout = 200 * time.Millisecond
	sup := New(cfg)

	res, err := runWithTimeout(t, sup, context.Background())
	if !errors.Is(err, process.ErrWaitTimeout) {
		t.Fatalf("Run() error = %v, want ErrWaitTimeout", err)
	}
	if res.Signal != syscall.SIGKILL {
		t.Errorf("Signal = %v, want SIGKILL", res.Signal)
	}
}

func TestSupervisor_Stop(t *testing.T) {
	cfg := shellConfig(t, "exec sleep 30", nil)
	var sup *Supervisor
	stopErr := make(chan error, 1)
	cfg.Callbacks.OnStart = func(pid int, cmdLine string) {
		go func() { stopErr <- sup.Stop(2 * time.Second) }()
	}
	sup = New(cfg)

	res, err := runWithTimeout(t, sup, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if e := <-stopErr; e != nil {
		t.Errorf("Stop() error = %v", e)
	}
	if res.Signal != syscall.SIGTERM {
		t.Errorf("Signal = %v, want SIGTERM", res.Signal)
	}
}

func TestSupervisor_Callbacks(t *testing.T) {
	var (
		mu           sync.Mutex
		stateChanges []State
		starts       []int
		exits        []Result
		restarts     []int
		cmdLines     []string
	)

	cfg := shellConfig(t, "echo test", nil)
	cfg.MaxRestarts = 2
	cfg.RestartOnSuccess = true
	cfg.Callbacks = Callbacks{
		OnStateChange: func(_, newState State) {
			mu.Lock()
			stateChanges = append(stateChanges, newState)
			mu.Unlock()
		},
		OnStart: func(pid int, cmdLine string) {
			mu.Lock()
			starts = append(starts, pid)
			cmdLines = append(cmdLines, cmdLine)
			mu.Unlock()
		},
		OnExit: func(r Result) {
			mu.Lock()
			exits = append(exits, r)
			mu.Unlock()
		},
		OnRestart: func(attempt int, _ time.Duration) {
			mu.Lock()
			restarts = append(restarts, attempt)
			mu.Unlock()
		},
	}
	sup := New(cfg)

	if _, err := runWithTimeout(t, sup, context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(starts) != 3 || len(exits) != 3 {
		t.Fatalf("starts = %d, exits = %d; want 3 each", len(starts), len(exits))
	}
	for i, pid := range starts {
		if pid <= 0 {
			t.Errorf("start %d pid = %d", i, pid)
		}
		if !strings.Contains(cmdLines[i], "/bin/sh") {
			t.Errorf("start %d command line = %q", i, cmdLines[i])
		}
		if exits[i].Attempt != i+1 {
			t.Errorf("exit %d attempt = %d", i, exits[i].Attempt)
		}
	}
	if len(restarts) != 2 || restarts[0] != 1 || restarts[1] != 2 {
		t.Errorf("restarts = %v, want [1 2]", restarts)
	}
	if len(stateChanges) == 0 || stateChanges[len(stateChanges)-1] != StateStopped {
		t.Errorf("state changes = %v, want to end in stopped", stateChanges)
	}
}

func TestSupervisor_ConcurrentStateAccess(t *testing.T) {
	sup := New(shellConfig(t, "sleep 0.2", nil))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = sup.State()
					_ = sup.Pid()
					_ = sup.Uptime()
					_ = sup.Restarts()
				}
			}
		}()
	}

	_, err := runWithTimeout(t, sup, context.Background())
	close(done)
	wg.Wait()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSupervisor_UptimeWhileRunning(t *testing.T) {
	cfg := shellConfig(t, "sleep 0.3", nil)
	sup := New(cfg)

	go func() { _, _ = sup.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for sup.Pid() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sup.Pid() == 0 {
		t.Fatal("child never started")
	}
	if !sup.State().IsActive() {
		t.Errorf("State() = %v, want active", sup.State())
	}
	time.Sleep(20 * time.Millisecond)
	if sup.Uptime() <= 0 {
		t.Error("Uptime() should be positive while running")
	}
	if started := sup.StartTime(); started.IsZero() || started.After(time.Now()) {
		t.Errorf("StartTime() = %v, want the launch time", started)
	}
}

func BenchmarkSupervisor_StateAccess(b *testing.B) {
	sup := New(Config{Launch: process.LaunchOptions{Path: "/bin/true"}})
	for i := 0; i < b.N; i++ {
		_ = sup.State()
	}
}
