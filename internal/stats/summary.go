package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const ruleWidth = 79

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Command is the encoded command line of the child
	Command string

	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// ExitStatus is the status go-procpump itself exits with
	ExitStatus int

	// ExitCodes is a map of exit codes to counts (from metrics.Collector)
	ExitCodes map[int]int64

	TotalStarts   int64
	TotalRestarts int64

	// UptimeP50, UptimeP95, UptimeP99 are uptime percentiles
	UptimeP50 time.Duration
	UptimeP95 time.Duration
	UptimeP99 time.Duration

	// OutputLines and ErrorLines come from the output handler
	OutputLines int64
	ErrorLines  int64

	// ErrorPatterns counts output lines per matched error pattern
	ErrorPatterns map[string]int

	// LastError is the most recent failure, if any
	LastError error
}

// FormatExitSummary formats the run's statistics for display at program
// exit. A nil snapshot yields the basic summary.
func FormatExitSummary(snap *Snapshot, cfg SummaryConfig) string {
	if snap == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder
	writeHeader(&b, cfg)

	// Output statistics
	writeSection(&b, "Output")
	fmt.Fprintf(&b, "  Total Bytes:          %s  (%s/s)\n", FormatBytes(snap.Bytes), FormatBytes(int64(snap.ByteRate)))
	fmt.Fprintf(&b, "  Chunks:               %s\n", FormatNumber(snap.Chunks))
	if cfg.OutputLines > 0 {
		fmt.Fprintf(&b, "  Lines:                %s\n", FormatNumber(cfg.OutputLines))
	}
	if snap.Chunks > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %-20s %12s %12s %12s %12s\n", "", "P50", "P90", "P99", "Max")
		b.WriteString("  " + strings.Repeat("─", 72) + "\n")
		fmt.Fprintf(&b, "  %-20s %12s %12s %12s %12s\n",
			"Chunk size",
			FormatBytes(int64(snap.ChunkP50)),
			FormatBytes(int64(snap.ChunkP90)),
			FormatBytes(int64(snap.ChunkP99)),
			FormatBytes(int64(snap.MaxChunk)),
		)
		if snap.Chunks > 1 {
			fmt.Fprintf(&b, "  %-20s %12s %12s %12s %12s\n",
				"Gap between chunks",
				FormatMs(snap.GapP50),
				FormatMs(snap.GapP90),
				FormatMs(snap.GapP99),
				"-",
			)
		}
	}
	b.WriteString("\n")

	// Uptime distribution (from metrics.Collector)
	if cfg.UptimeP50 > 0 || cfg.UptimeP95 > 0 {
		writeSection(&b, "Uptime Distribution")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(cfg.UptimeP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(cfg.UptimeP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatDuration(cfg.UptimeP99))
		b.WriteString("\n")
	}

	// Lifecycle
	if cfg.TotalStarts > 0 || cfg.TotalRestarts > 0 {
		writeSection(&b, "Lifecycle")
		fmt.Fprintf(&b, "  Total Starts:         %d\n", cfg.TotalStarts)
		fmt.Fprintf(&b, "  Total Restarts:       %d\n", cfg.TotalRestarts)
		b.WriteString("\n")
	}

	// Errors seen in the output
	if cfg.ErrorLines > 0 || cfg.LastError != nil {
		writeSection(&b, "Errors")
		if cfg.ErrorLines > 0 {
			fmt.Fprintf(&b, "  Error lines:          %d\n", cfg.ErrorLines)
		}
		patterns := make([]string, 0, len(cfg.ErrorPatterns))
		for p := range cfg.ErrorPatterns {
			patterns = append(patterns, p)
		}
		sort.Strings(patterns)
		for _, p := range patterns {
			fmt.Fprintf(&b, "    %-18s %d\n", p+":", cfg.ErrorPatterns[p])
		}
		if cfg.LastError != nil {
			fmt.Fprintf(&b, "  Last error:           %v\n", cfg.LastError)
		}
		b.WriteString("\n")
	}

	// Exit codes (from metrics.Collector)
	if len(cfg.ExitCodes) > 0 {
		writeSection(&b, "Exit Codes")

		codes := make([]int, 0, len(cfg.ExitCodes))
		for code := range cfg.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), cfg.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	writeFooter(&b, cfg)
	return b.String()
}

// formatBasicSummary formats a basic summary when no output was recorded.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder
	writeHeader(&b, cfg)
	b.WriteString("(No output statistics were recorded)\n\n")
	writeFooter(&b, cfg)
	return b.String()
}

func writeHeader(b *strings.Builder, cfg SummaryConfig) {
	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                           go-procpump Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	if cfg.Command != "" {
		fmt.Fprintf(b, "Command:                %s\n", cfg.Command)
	}
	fmt.Fprintf(b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(b, "Exit Status:            %d %s\n\n", cfg.ExitStatus, exitCodeLabel(cfg.ExitStatus))
}

func writeSection(b *strings.Builder, title string) {
	pad := max((ruleWidth-len(title))/2, 0)
	b.WriteString(lightRule)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(lightRule + "\n")
}

func writeFooter(b *strings.Builder, cfg SummaryConfig) {
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(heavyRule)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case -1:
		return "(signaled)"
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
