package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-autodetect/internal/stats"
	"github.com/randomizedcoder/go-autodetect/internal/supervisor"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatsMsg carries updated statistics.
type StatsMsg struct {
	Stats *stats.AggregatedStats
	Jobs  []supervisor.JobStatus
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	jobsFile    string
	metricsAddr string

	// Current state
	stats        *stats.AggregatedStats
	jobs         []supervisor.JobStatus
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	statsSource StatsSource
	jobSource   JobSource

	quitting bool
}

// StatsSource provides aggregated statistics. *stats.Aggregator satisfies it.
type StatsSource interface {
	Aggregate() *stats.AggregatedStats
}

// JobSource lists the supervised jobs. *supervisor.Manager satisfies it.
type JobSource interface {
	Jobs() []supervisor.JobStatus
}

// Config holds TUI configuration.
type Config struct {
	JobsFile    string
	MetricsAddr string
	StatsSource StatsSource
	JobSource   JobSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		jobsFile:    cfg.JobsFile,
		metricsAddr: cfg.MetricsAddr,
		statsSource: cfg.StatsSource,
		jobSource:   cfg.JobSource,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
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
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case StatsMsg:
		m.stats = msg.Stats
		if msg.Jobs != nil {
			m.jobs = msg.Jobs
		}
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh() {
	if m.statsSource != nil {
		m.stats = m.statsSource.Aggregate()
	}
	if m.jobSource != nil {
		m.jobs = m.jobSource.Jobs()
	}
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && len(m.jobs) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
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

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// ActiveJobs returns the number of jobs holding or about to hold an engine.
func (m Model) ActiveJobs() int {
	n := 0
	for _, j := range m.jobs {
		if j.State.IsActive() {
			n++
		}
	}
	return n
}

// OpenedJobs returns the number of jobs with a running engine.
func (m Model) OpenedJobs() int {
	n := 0
	for _, j := range m.jobs {
		if j.State == supervisor.StateOpened {
			n++
		}
	}
	return n
}

// TotalJobs returns the number of known jobs.
func (m Model) TotalJobs() int {
	return len(m.jobs)
}

// OpenProgress returns the share of jobs with a running engine (0.0 to 1.0).
func (m Model) OpenProgress() float64 {
	if len(m.jobs) == 0 {
		return 0
	}
	return float64(m.OpenedJobs()) / float64(len(m.jobs))
}

// DropRate returns the share of input records that never reached an engine.
func (m Model) DropRate() float64 {
	if m.stats == nil || m.stats.TotalInputRecords == 0 {
		return 0
	}
	dropped := m.stats.TotalInvalidDates + m.stats.TotalOutOfOrder
	return float64(dropped) / float64(m.stats.TotalInputRecords)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendStats sends a stats update to the TUI.
func SendStats(p *tea.Program, s *stats.AggregatedStats, jobs []supervisor.JobStatus) {
	if p != nil {
		p.Send(StatsMsg{Stats: s, Jobs: jobs})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n int64) string {
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

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatRate formats a rate with appropriate precision.
func formatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}

// formatPercent formats a ratio as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
