// Package tui provides a live terminal dashboard for a supervised child.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
// - The command, its pid and the supervisor state
// - The tail of the child's output, with failures highlighted
// - Output volume, chunk sizes and gaps
package tui

import (
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-procpump/internal/logging"
	"github.com/randomizedcoder/go-procpump/internal/supervisor"
)

// =============================================================================
// Color Palette
// =============================================================================

// Colors based on a modern dark theme
var (
	// Primary colors
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	// Status colors
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	// Neutral colors
	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	lineStyle = lipgloss.NewStyle().
			Foreground(colorText)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	// Box/panel styles
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	// Header style
	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	// Section header style
	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	// Footer style
	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(14)
)

// =============================================================================
// State Indicator
// =============================================================================

// GetStateStyle returns the style for a supervisor state.
func GetStateStyle(state supervisor.State) lipgloss.Style {
	switch state {
	case supervisor.StateRunning:
		return statusOK
	case supervisor.StateStarting, supervisor.StateDraining:
		return statusInfo
	case supervisor.StateBackoff:
		return statusWarning
	case supervisor.StateStopped:
		return mutedStyle
	default:
		return dimStyle
	}
}

// GetStateLabel returns a styled state label.
func GetStateLabel(state supervisor.State) string {
	return GetStateStyle(state).Render("● " + state.String())
}

// =============================================================================
// Output Line and Exit Indicators
// =============================================================================

// GetLineStyle picks a style from the line's content.
func GetLineStyle(line string) lipgloss.Style {
	switch logging.ClassifyLine(line) {
	case slog.LevelWarn:
		return statusError
	case slog.LevelInfo:
		return statusWarning
	default:
		return lineStyle
	}
}

// GetExitStyle returns a style based on an exit status.
func GetExitStyle(status int) lipgloss.Style {
	if status == 0 {
		return valueGoodStyle
	}
	return valueBadStyle
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// truncate shortens s to width display cells, marking the cut.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	if width <= 3 {
		return strings.Repeat(".", width)
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+3 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}

// sanitize drops control characters that would corrupt the layout.
func sanitize(line string) string {
	line = strings.ReplaceAll(line, "\t", "    ")
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, line)
}
