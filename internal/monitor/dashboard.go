package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
	phaseNameWidth  = 18
)

// StatusSource reads run snapshots. The apiclient.Client satisfies it.
type StatusSource interface {
	Status(ctx context.Context, runID string) (*run.Snapshot, error)
}

// Model is the BubbleTea run watch dashboard. It polls one run until the
// run completes or fails.
type Model struct {
	source     StatusSource
	target     string
	runID      string
	interval   time.Duration
	tables     *phase.Tables
	exitOnDone bool

	lastUpdate time.Time
	snapshot   *run.Snapshot
	history    []float64
	started    time.Time
	err        error
	quitting   bool
	done       bool

	overallBar progress.Model
	phaseBar   progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard watching runID. target names the server in
// error views.
func NewModel(source StatusSource, target, runID string, interval time.Duration) Model {
	return Model{
		source:   source,
		target:   target,
		runID:    runID,
		interval: interval,
		tables:   phase.Defaults(),
		history:  make([]float64, 0, historySize),
		started:  time.Now(),
		overallBar: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		phaseBar: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
		),
	}
}

// WithExitOnDone makes the program quit once the run completes or fails.
func (m Model) WithExitOnDone() Model {
	m.exitOnDone = true
	return m
}

// Snapshot returns the last snapshot received, or nil.
func (m Model) Snapshot() *run.Snapshot { return m.snapshot }

// statusBadge returns the colored status badge for s.
func statusBadge(s run.Status) string {
	label := StatusLabel(s)
	switch s {
	case run.StatusCompleted, run.StatusRunning:
		return healthyStyle.Render(label)
	case run.StatusPaused, run.StatusPending:
		return warningStyle.Render(label)
	default:
		return errorStyle.Render(label)
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg run.Snapshot
type errMsg struct{ err error }

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		m.fetch(),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch reads the run's current snapshot.
func (m Model) fetch() tea.Cmd {
	source, runID := m.source, m.runID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := source.Status(ctx, runID)
		if err != nil {
			return errMsg{err: err}
		}
		return snapshotMsg(*snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			m.fetch(),
		)

	case snapshotMsg:
		snap := run.Snapshot(msg)
		m.snapshot = &snap
		m.history = appendToHistory(m.history, snap.OverallProgress)
		m.lastUpdate = time.Now()
		m.err = nil
		if snap.Status.Terminal() {
			m.done = true
			if m.exitOnDone {
				return m, tea.Quit
			}
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("validationd Run Watch")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot read run status") + "\n"
	content += "\n"
	content += dimStyle.Render("Server: ") + valueStyle.Render(m.target) + "\n"
	content += dimStyle.Render("Run: ") + valueStyle.Render(m.runID) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main view: status line, overall and phase
// progress, the phase list and any open checkpoint.
func (m Model) renderDashboard() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(" validationd Run Watch ") + "\n")
	if m.snapshot == nil {
		b.WriteString(dimStyle.Render("Run "+m.runID+": waiting for first status…") + "\n")
		b.WriteString("\n" + m.footer())
		return containerStyle.Render(b.String())
	}
	snap := m.snapshot

	b.WriteString(fmt.Sprintf("%s   %s %s   %s %s\n",
		statusBadge(snap.Status),
		dimStyle.Render("Run:"), valueStyle.Render(snap.RunID),
		dimStyle.Render("Updated:"), dimStyle.Render(FormatAge(m.lastUpdate, time.Now()))))

	// Progress section
	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	b.WriteString(labelStyle.Render("  Overall: ") +
		m.overallBar.ViewAs(FormatRatio(snap.OverallProgress)) +
		" " + valueStyle.Render(FormatPercent(snap.OverallProgress)) + "\n")
	b.WriteString(labelStyle.Render("  Phase:   ") +
		m.phaseBar.ViewAs(FormatRatio(snap.Progress.ProgressPct)) +
		" " + dimStyle.Render(FormatPercent(snap.Progress.ProgressPct)) + "\n")
	b.WriteString(labelStyle.Render("  Trend:   ") + createSparkline(m.history) + "\n")
	if snap.Progress.CurrentAgent != "" || snap.Progress.CurrentTask != "" {
		b.WriteString(labelStyle.Render("  Working: ") +
			valueStyle.Render(snap.Progress.CurrentAgent) + " " +
			dimStyle.Render(Truncate(snap.Progress.CurrentTask, 60)) + "\n")
	}

	// Phases section
	b.WriteString("\n" + sectionStyle.Render("┃ Phases") + "\n")
	table := m.tables.ForFlow(phase.Flow(snap.Flow))
	for _, p := range table.Phases {
		b.WriteString("  " + phaseMarker(snap, p.Number) + " " +
			valueStyle.Render(fmt.Sprintf("%-*s", phaseNameWidth, Truncate(p.Name, phaseNameWidth))) +
			dimStyle.Render(fmt.Sprintf(" %3.0f%%", p.Weight)) + "\n")
	}

	if cp := snap.HITLCheckpoint; cp != nil && snap.Status == run.StatusPaused {
		b.WriteString("\n" + sectionStyle.Render("┃ Checkpoint") + "\n")
		b.WriteString(labelStyle.Render("  "+cp.Checkpoint+": ") + valueStyle.Render(cp.Title) + "\n")
		if cp.Description != "" {
			b.WriteString(dimStyle.Render("  "+Truncate(cp.Description, 70)) + "\n")
		}
		for _, o := range cp.Options {
			mark := "  "
			if o.ID == cp.Recommended {
				mark = healthyStyle.Render("★ ")
			}
			b.WriteString("    " + mark + valueStyle.Render(o.ID) + dimStyle.Render("  "+o.Label) + "\n")
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("  answer with: vctl decide %s --checkpoint %s --decision <id>",
			snap.RunID, cp.Checkpoint)) + "\n")
	}

	if snap.Status == run.StatusFailed && snap.Error != "" {
		b.WriteString("\n" + errorStyle.Render("  "+Truncate(snap.Error, 70)) + "\n")
	}
	if m.done {
		b.WriteString("\n" + dimStyle.Render("  finished after "+FormatDuration(m.lastUpdate.Sub(m.started))) + "\n")
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

// phaseMarker shows a phase as done, current or pending.
func phaseMarker(snap *run.Snapshot, number int) string {
	switch {
	case snap.Status == run.StatusCompleted || number < snap.CurrentPhase:
		return healthyStyle.Render("✓")
	case number == snap.CurrentPhase && snap.Status == run.StatusFailed:
		return errorStyle.Render("✗")
	case number == snap.CurrentPhase && snap.Status == run.StatusPaused:
		return warningStyle.Render("⏸")
	case number == snap.CurrentPhase:
		return labelStyle.Render("▶")
	default:
		return dimStyle.Render("·")
	}
}

func (m Model) footer() string {
	auto := fmt.Sprintf("Auto: %v", m.interval)
	if m.done {
		auto = "Run finished"
	}
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(auto)
}
