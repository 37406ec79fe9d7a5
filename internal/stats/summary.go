package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// ShowPerJobStats enables a per-job data counts table
	ShowPerJobStats bool

	// ResultsByKind is the number of result messages of each kind
	// (from metrics.Collector)
	ResultsByKind map[string]int64

	// CloseErrors is a map of error kind to count for jobs that did not
	// close cleanly
	CloseErrors map[string]int
}

// FormatExitSummary formats aggregated stats for display at program exit.
func FormatExitSummary(stats *AggregatedStats, cfg SummaryConfig) string {
	if stats == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder
	writeTitle(&b)

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Jobs:                   %d\n\n", stats.TotalJobs)

	writeSection(&b, "Input")
	fmt.Fprintf(&b, "  %-24s %12s\n", "Input records", FormatNumber(stats.TotalInputRecords))
	fmt.Fprintf(&b, "  %-24s %12s  (%s)\n", "Processed records",
		FormatNumber(stats.TotalProcessedRecords), FormatRate(stats.RecordRate))
	fmt.Fprintf(&b, "  %-24s %12s  (%s/s)\n", "Input bytes",
		FormatBytes(stats.TotalInputBytes), FormatBytes(int64(stats.ThroughputRate)))
	if stats.TotalInvalidDates > 0 {
		fmt.Fprintf(&b, "  %-24s %12d\n", "Invalid dates", stats.TotalInvalidDates)
	}
	if stats.TotalOutOfOrder > 0 {
		fmt.Fprintf(&b, "  %-24s %12d\n", "Out of order", stats.TotalOutOfOrder)
	}
	if stats.TotalMissingFields > 0 {
		fmt.Fprintf(&b, "  %-24s %12d\n", "Missing fields", stats.TotalMissingFields)
	}
	b.WriteString("\n")

	if stats.Flushes.Count > 0 {
		writeSection(&b, "Flush Latency")
		fmt.Fprintf(&b, "  Flushes:              %d\n", stats.Flushes.Count)
		fmt.Fprintf(&b, "  Mean:                 %s\n", FormatMs(stats.Flushes.Mean))
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(stats.Flushes.P50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(stats.Flushes.P95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(stats.Flushes.P99))
		fmt.Fprintf(&b, "  Max:                  %s\n\n", FormatMs(stats.Flushes.Max))
	}

	if len(cfg.ResultsByKind) > 0 {
		writeSection(&b, "Results")
		for _, kind := range sortedKeys(cfg.ResultsByKind) {
			fmt.Fprintf(&b, "  %-24s %12s\n", kind, FormatNumber(cfg.ResultsByKind[kind]))
		}
		b.WriteString("\n")
	}

	if stats.TotalRestarts > 0 || stats.TotalCrashes > 0 {
		writeSection(&b, "Lifecycle")
		fmt.Fprintf(&b, "  Crashes:              %d\n", stats.TotalCrashes)
		fmt.Fprintf(&b, "  Restarts:             %d\n\n", stats.TotalRestarts)
	}

	if len(cfg.CloseErrors) > 0 {
		writeSection(&b, "Close Errors")
		kinds := make([]string, 0, len(cfg.CloseErrors))
		for k := range cfg.CloseErrors {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  %-24s %d\n", k, cfg.CloseErrors[k])
		}
		b.WriteString("\n")
	}

	if cfg.ShowPerJobStats && len(stats.PerJob) > 0 {
		writeSection(&b, "Per Job")
		fmt.Fprintf(&b, "  %-20s %10s %10s %10s %20s\n", "Job", "Processed", "Dropped", "Missing", "Latest Record")
		b.WriteString("  " + strings.Repeat("─", 74) + "\n")
		for _, c := range stats.PerJob {
			latest := "-"
			if !c.LatestRecordTime.IsZero() {
				latest = c.LatestRecordTime.UTC().Format(time.DateTime)
			}
			fmt.Fprintf(&b, "  %-20s %10s %10d %10d %20s\n",
				truncate(c.JobID, 20),
				FormatNumber(c.ProcessedRecordCount),
				c.DroppedRecordCount(),
				c.MissingFieldCount,
				latest,
			)
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(ruleHeavy)

	return b.String()
}

// formatBasicSummary formats a basic summary when stats are not available.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder
	writeTitle(&b)
	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(cfg.Duration))
	b.WriteString("(No jobs were opened)\n\n")
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(ruleHeavy)
	return b.String()
}

func writeTitle(b *strings.Builder) {
	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-autodetect Exit Summary\n")
	b.WriteString(ruleHeavy)
	b.WriteString("\n")
}

func writeSection(b *strings.Builder, title string) {
	pad := (79 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(ruleLight)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight)
	b.WriteString("\n")
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
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
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a per-second rate with appropriate precision.
func FormatRate(rate float64) string {
	switch {
	case rate >= 1000:
		return fmt.Sprintf("%.1fK/s", rate/1000)
	case rate >= 1:
		return fmt.Sprintf("%.1f/s", rate)
	default:
		return fmt.Sprintf("%.2f/s", rate)
	}
}
