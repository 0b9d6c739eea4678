package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-procpump/internal/stats"
	"github.com/randomizedcoder/go-procpump/internal/supervisor"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// DoneMsg reports that the supervised run has finished.
type DoneMsg struct {
	ExitStatus int
	Err        error
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Sources
// =============================================================================

// StatusSource reports the supervisor's view of the child.
type StatusSource interface {
	State() supervisor.State
	Pid() int
	StartTime() time.Time
	Uptime() time.Duration
	Restarts() int
}

// OutputSource provides the tail of the child's output.
type OutputSource interface {
	RecentLines(n int) []string
	Lines() int64
	ErrorLines() int64
}

// StatsSource provides output statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// =============================================================================
// Model
// =============================================================================

// Config holds TUI configuration.
type Config struct {
	Command     string
	MetricsAddr string

	Status StatusSource
	Output OutputSource
	Stats  StatsSource

	// Interrupt asks the run to stop; Kill forces the child down.
	Interrupt func()
	Kill      func() error

	// TailLines is how many output lines to show; 0 fits the window.
	TailLines int
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	command     string
	metricsAddr string
	tailLines   int

	status    StatusSource
	output    OutputSource
	stats     StatsSource
	interrupt func()
	kill      func() error

	// Current state
	state      supervisor.State
	pid        int
	childStart time.Time
	uptime     time.Duration
	restarts   int
	lines      []string
	lineCount  int64
	errorLines int64
	snapshot   *stats.Snapshot
	startTime  time.Time
	lastUpdate time.Time

	showStats   bool
	interrupted bool
	killErr     error

	done       bool
	exitStatus int
	runErr     error

	// Display options
	width  int
	height int

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		command:     cfg.Command,
		metricsAddr: cfg.MetricsAddr,
		tailLines:   cfg.TailLines,
		status:      cfg.Status,
		output:      cfg.Output,
		stats:       cfg.Stats,
		interrupt:   cfg.Interrupt,
		kill:        cfg.Kill,
		state:       supervisor.StateCreated,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		showStats:   true,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			// First press stops the child; once it is gone, or on a
			// second press, leave.
			if m.done || m.interrupted || m.interrupt == nil {
				m.quitting = true
				return m, tea.Quit
			}
			m.interrupted = true
			m.interrupt()
			return m, nil
		case "k":
			if !m.done && m.kill != nil {
				m.killErr = m.kill()
			}
			return m, nil
		case "s":
			m.showStats = !m.showStats
			return m, nil
		case "r":
			m = m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m = m.refresh()
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case DoneMsg:
		m = m.refresh()
		m.done = true
		m.exitStatus = msg.ExitStatus
		m.runErr = msg.Err
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// refresh pulls the latest values from the sources.
func (m Model) refresh() Model {
	if m.status != nil {
		m.state = m.status.State()
		m.pid = m.status.Pid()
		m.childStart = m.status.StartTime()
		m.uptime = m.status.Uptime()
		m.restarts = m.status.Restarts()
	}
	if m.output != nil {
		m.lines = m.output.RecentLines(m.visibleLines())
		m.lineCount = m.output.Lines()
		m.errorLines = m.output.ErrorLines()
	}
	if m.stats != nil {
		snap := m.stats.Snapshot()
		m.snapshot = &snap
	}
	m.lastUpdate = time.Now()
	return m
}

// visibleLines is the output tail length for the current window.
func (m Model) visibleLines() int {
	if m.tailLines > 0 {
		return m.tailLines
	}
	// Header, status box, stats box and footer take about 16 rows.
	n := m.height - 16
	if !m.showStats {
		n += 6
	}
	return max(n, 3)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the TUI started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Done reports whether the run has finished.
func (m Model) Done() bool {
	return m.done
}

// ExitStatus returns the run's exit status once Done.
func (m Model) ExitStatus() int {
	return m.exitStatus
}

// Interrupted reports whether the user asked the run to stop.
func (m Model) Interrupted() bool {
	return m.interrupted
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendDone tells the TUI the run has finished.
func SendDone(p *tea.Program, exitStatus int, err error) {
	if p != nil {
		p.Send(DoneMsg{ExitStatus: exitStatus, Err: err})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
