package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-autodetect/internal/supervisor"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main summary dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())

	if m.stats != nil {
		sections = append(sections, m.renderInputStats())
		if m.stats.Flushes.Count > 0 {
			sections = append(sections, m.renderFlushLatency())
		}
		sections = append(sections, m.renderHealthStats())
	}

	if len(m.jobs) > 0 {
		sections = append(sections, m.renderJobTable(false))
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-job details.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderJobTable(true),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-autodetect │ %s │ Jobs: %d/%d │ Elapsed: %s ",
		GetPipelineLabel(m.DropRate()),
		m.OpenedJobs(),
		m.TotalJobs(),
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.OpenProgress()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	switch {
	case m.TotalJobs() == 0:
		status = dimStyle.Render("No jobs opened yet")
	case progress >= 1.0:
		status = statusOK.Render("✓ All engines running")
	case m.ActiveJobs() > m.OpenedJobs():
		status = statusInfo.Render(fmt.Sprintf("Starting... %d/%d", m.OpenedJobs(), m.TotalJobs()))
	default:
		status = statusWarning.Render(fmt.Sprintf("%d of %d jobs without an engine",
			m.TotalJobs()-m.OpenedJobs(), m.TotalJobs()))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Engines"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Input Statistics
// =============================================================================

func (m Model) renderInputStats() string {
	s := m.stats

	rows := []string{
		renderStatRow("Input Records", formatNumber(s.TotalInputRecords), formatRate(s.InstantRecordRate)),
		renderStatRow("Processed Records", formatNumber(s.TotalProcessedRecords), formatRate(s.RecordRate)),
		renderStatRow("Input Bytes", formatBytes(s.TotalInputBytes), formatBytes(int64(s.ThroughputRate))+"/s"),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Input")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderStatRow(label, value, rate string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelWideStyle.Render(label+":"),
		valueStyle.Width(12).Render(value),
		mutedStyle.Render(" ("),
		valueStyle.Render(rate),
		mutedStyle.Render(")"),
	)
}

// =============================================================================
// Flush Latency
// =============================================================================

func (m Model) renderFlushLatency() string {
	f := m.stats.Flushes

	rows := []string{
		renderLatencyRow("P50 (median)", f.P50),
		renderLatencyRow("P95", f.P95),
		renderLatencyRow("P99", f.P99),
		renderLatencyRow("Max", f.Max),
	}
	note := dimStyle.Render(fmt.Sprintf("%s flushes, mean %s", formatNumber(f.Count), formatMs(f.Mean)))

	content := lipgloss.JoinVertical(lipgloss.Left,
		append(append([]string{sectionHeaderStyle.Render("Flush Latency")}, rows...), note)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderLatencyRow(label string, d time.Duration) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(formatMs(d)),
	)
}

// =============================================================================
// Health
// =============================================================================

func (m Model) renderHealthStats() string {
	s := m.stats

	crashStyle := valueGoodStyle
	if s.TotalCrashes > 0 {
		crashStyle = valueBadStyle
	}

	left := []string{
		subtitleStyle.Render("Engines"),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Crashes:"), crashStyle.Render(formatNumber(s.TotalCrashes))),
		RenderKeyValue("Restarts", formatNumber(s.TotalRestarts)),
		RenderKeyValue("Results", formatNumber(s.TotalResults)),
	}

	var missingRate float64
	if s.TotalInputRecords > 0 {
		missingRate = float64(s.TotalMissingFields) / float64(s.TotalInputRecords)
	}
	dropStyle := GetErrorRateStyle(m.DropRate())
	right := []string{
		subtitleStyle.Render("Data Quality"),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Invalid Dates:"), dropStyle.Render(formatNumber(s.TotalInvalidDates))),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Out of Order:"), dropStyle.Render(formatNumber(s.TotalOutOfOrder))),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Missing Fields:"),
			GetErrorRateStyle(missingRate).Render(formatNumber(s.TotalMissingFields))),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Dropped:"), dropStyle.Render(formatPercent(m.DropRate()))),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Health"),
		renderTwoColumns(left, right, m.width-2),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Job Table
// =============================================================================

func (m Model) renderJobTable(detailed bool) string {
	if len(m.jobs) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No jobs. Press 'd' to toggle."),
		)
	}

	var header string
	if detailed {
		header = fmt.Sprintf("%-16s %-8s %-9s %-9s %-8s %-9s %-8s %-9s %s",
			"Job", "State", "Uptime", "Records", "Buckets", "Flush p95", "Restarts", "Model", "Last Error")
	} else {
		header = fmt.Sprintf("%-16s %-8s %-9s %-9s %-8s %-8s",
			"Job", "State", "Uptime", "Records", "Buckets", "Restarts")
	}

	// Detailed view gets the whole screen, the summary only a few rows.
	maxRows := m.height - 10
	if !detailed {
		maxRows = m.height - 30
	}
	if maxRows < 5 {
		maxRows = 5
	}

	rows := []string{tableHeaderStyle.Render(header)}
	for i, j := range m.jobs {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more jobs", len(m.jobs)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}
		rows = append(rows, renderJobRow(j, rowStyle, detailed, m.width))
	}

	return boxStyle.Width(m.width - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			append([]string{sectionHeaderStyle.Render("Jobs")}, rows...)...,
		),
	)
}

func renderJobRow(j supervisor.JobStatus, rowStyle lipgloss.Style, detailed bool, width int) string {
	// Pad before styling so the escape codes do not break alignment.
	state := GetStateStyle(j.State).Render(fmt.Sprintf("%-8s", j.State.String()))

	uptime := "-"
	if j.State == supervisor.StateOpened {
		uptime = formatDuration(j.Uptime)
	}

	left := rowStyle.Render(fmt.Sprintf("%-16s ", truncate(j.ID, 16)))
	if !detailed {
		return left + state + rowStyle.Render(fmt.Sprintf(" %-9s %-9s %-8s %-8d",
			uptime,
			formatNumber(j.Counts.ProcessedRecordCount),
			formatNumber(j.Buckets),
			j.Restarts,
		))
	}

	flushP95 := "-"
	if j.Flushes.Count > 0 {
		flushP95 = formatMs(j.Flushes.P95)
	}
	model := "-"
	if j.ModelBytes > 0 {
		model = formatBytes(j.ModelBytes)
	}
	rest := rowStyle.Render(fmt.Sprintf(" %-9s %-9s %-8s %-9s %-8d %-9s ",
		uptime,
		formatNumber(j.Counts.ProcessedRecordCount),
		formatNumber(j.Buckets),
		flushP95,
		j.Restarts,
		model,
	))

	lastErr := j.LastError
	if avail := width - 100; avail > 10 {
		lastErr = truncate(lastErr, avail)
	} else {
		lastErr = truncate(lastErr, 10)
	}
	if lastErr == "" {
		lastErr = "-"
	}
	errStyle := dimStyle
	if j.State == supervisor.StateFailed || j.State == supervisor.StateBackoff {
		errStyle = valueBadStyle
	}

	return left + state + rest + errStyle.Render(lastErr)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	right := "Jobs: " + m.jobsFile
	if m.metricsAddr != "" {
		right += " │ Metrics: " + m.metricsAddr
	}
	if maxLen := m.width - 50; maxLen > 10 {
		right = truncate(right, maxLen)
	}

	leftText := dimStyle.Render(strings.Join(shortcuts, " │ "))
	rightText := dimStyle.Render(right)

	padding := m.width - lipgloss.Width(leftText) - lipgloss.Width(rightText) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			leftText,
			strings.Repeat(" ", padding),
			rightText,
		),
	)
}

// =============================================================================
// Two-Column Layout Helper
// =============================================================================

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string, totalWidth int) string {
	separatorWidth := 3 // " │ "
	padding := 2
	leftWidth := (totalWidth - separatorWidth - padding*2) / 2
	if leftWidth < 20 {
		leftWidth = 20
	}

	leftContent := lipgloss.NewStyle().Width(leftWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, left...),
	)
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}
