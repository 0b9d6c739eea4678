package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-procpump/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

func (m Model) renderView() string {
	sections := []string{
		m.renderHeader(),
		m.renderStatus(),
		m.renderOutput(),
	}
	if m.showStats {
		sections = append(sections, m.renderStats())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(" go-procpump │ %s │ Elapsed: %s ",
		m.state.String(),
		stats.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Status
// =============================================================================

func (m Model) renderStatus() string {
	pid := "-"
	if m.pid > 0 {
		pid = fmt.Sprintf("%d", m.pid)
	}

	started := "-"
	if !m.childStart.IsZero() {
		started = m.childStart.Format("15:04:05")
	}

	rows := []string{
		RenderKeyValue("Command", truncate(m.command, m.width-22)),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("State:"), GetStateLabel(m.state)),
		RenderKeyValue("PID", pid),
		RenderKeyValue("Started", started),
		RenderKeyValue("Uptime", stats.FormatDuration(m.uptime)),
		RenderKeyValue("Restarts", fmt.Sprintf("%d", m.restarts)),
	}

	switch {
	case m.done:
		status := GetExitStyle(m.exitStatus).Render(fmt.Sprintf("exited with status %d", m.exitStatus))
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Result:"), status))
		if m.runErr != nil {
			rows = append(rows, statusError.Render(truncate(m.runErr.Error(), m.width-6)))
		}
	case m.interrupted:
		rows = append(rows, statusWarning.Render("Stopping..."))
	}
	if m.killErr != nil {
		rows = append(rows, statusError.Render("kill: "+m.killErr.Error()))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Process")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Output Tail
// =============================================================================

func (m Model) renderOutput() string {
	title := fmt.Sprintf("Output (%s lines", stats.FormatNumber(m.lineCount))
	if m.errorLines > 0 {
		title += fmt.Sprintf(", %d errors", m.errorLines)
	}
	title += ")"

	rows := []string{sectionHeaderStyle.Render(title)}
	if len(m.lines) == 0 {
		rows = append(rows, dimStyle.Render("(no output yet)"))
	}
	for _, line := range m.lines {
		line = truncate(sanitize(line), m.width-6)
		rows = append(rows, GetLineStyle(line).Render(line))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Stream Statistics
// =============================================================================

func (m Model) renderStats() string {
	rows := []string{sectionHeaderStyle.Render("Stream")}

	s := m.snapshot
	if s == nil {
		rows = append(rows, dimStyle.Render("(collecting)"))
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	rows = append(rows,
		RenderKeyValue("Bytes", fmt.Sprintf("%s  (%s/s)", stats.FormatBytes(s.Bytes), stats.FormatBytes(int64(s.ByteRate)))),
		RenderKeyValue("Chunks", stats.FormatNumber(s.Chunks)),
	)
	if s.Chunks > 0 {
		rows = append(rows, RenderKeyValue("Chunk size", fmt.Sprintf("p50 %s  p90 %s  p99 %s  max %s",
			stats.FormatBytes(int64(s.ChunkP50)),
			stats.FormatBytes(int64(s.ChunkP90)),
			stats.FormatBytes(int64(s.ChunkP99)),
			stats.FormatBytes(int64(s.MaxChunk)),
		)))
	}
	if s.Chunks > 1 {
		rows = append(rows, RenderKeyValue("Gap", fmt.Sprintf("p50 %s  p90 %s  p99 %s",
			stats.FormatMs(s.GapP50),
			stats.FormatMs(s.GapP90),
			stats.FormatMs(s.GapP99),
		)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	var shortcuts []string
	if m.done {
		shortcuts = []string{"q: quit"}
	} else {
		shortcuts = []string{"q: stop", "k: kill", "s: toggle stats", "r: refresh"}
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	// Pad to fill width
	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
