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

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
)

// Model is the Bubble Tea dashboard over a stream of outcome events.
type Model struct {
	source   <-chan immunity.Event
	target   string
	health   *HealthClient
	interval time.Duration

	stats      Stats
	status     *Health
	err        error
	lastUpdate time.Time
	closed     bool
	quitting   bool

	passProgress progress.Model
	now          func() time.Time
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	// Footer style - bright keys on dim background
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	// Sparkline container
	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard reading events from source. target names
// the event source in the header. health may be nil.
func NewModel(source <-chan immunity.Event, target string, health *HealthClient, interval time.Duration) Model {
	passProg := progress.New(
		progress.WithGradient("#ff0000", "#00ff00"),
		progress.WithWidth(40),
	)
	now := time.Now
	return Model{
		source:       source,
		target:       target,
		health:       health,
		interval:     interval,
		stats:        Stats{Started: now()},
		passProgress: passProg,
		now:          now,
	}
}

// Stats returns the accumulated counters.
func (m Model) Stats() Stats { return m.stats }

// getPassRateBadge returns a colored badge for the pass rate
func getPassRateBadge(rate float64, analyzed int) string {
	switch {
	case analyzed == 0:
		return dimStyle.Render("[-]")
	case rate >= 0.9:
		return healthyStyle.Render("[✓]")
	case rate >= 0.7:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// getStatusBadge returns the daemon status badge
func (m Model) getStatusBadge() string {
	switch {
	case m.closed:
		return errorStyle.Render("✗ FEED CLOSED")
	case m.err != nil:
		return warningStyle.Render("⚠ DAEMON UNREACHABLE")
	case m.status != nil && m.status.Status != "ok":
		return warningStyle.Render("⚠ " + strings.ToUpper(m.status.Status))
	}
	return healthyStyle.Render("✓ LIVE")
}

func verdictBadge(v Verdict) string {
	switch {
	case v.Outcome == string(immunity.OutcomeRepaired):
		return warningStyle.Render("REPAIRED")
	case v.Verdict == immunity.VerdictPass:
		return healthyStyle.Render("PASS    ")
	}
	return errorStyle.Render("FAIL    ")
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
type eventMsg immunity.Event
type feedClosedMsg struct{}
type healthMsg Health
type errMsg error

// Init starts listening and schedules the first refresh.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForEvent(m.source), tick(m.interval)}
	if m.health != nil {
		cmds = append(cmds, fetchHealth(m.health))
	}
	return tea.Batch(cmds...)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent blocks on the next event. Update re-issues it after every
// event so exactly one reader is pending.
func waitForEvent(source <-chan immunity.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-source
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg(e)
	}
}

// fetchHealth polls the daemon's health endpoint
func fetchHealth(client *HealthClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		h, err := client.Fetch(ctx)
		if err != nil {
			return errMsg(err)
		}
		return healthMsg(h)
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
			if m.health != nil {
				return m, fetchHealth(m.health)
			}
		case "c":
			m.stats = Stats{Started: m.now()}
		}

	case eventMsg:
		m.stats.Apply(immunity.Event(msg))
		m.lastUpdate = m.now()
		return m, waitForEvent(m.source)

	case feedClosedMsg:
		m.closed = true
		return m, nil

	case tickMsg:
		if m.health != nil {
			return m, tea.Batch(tick(m.interval), fetchHealth(m.health))
		}
		return m, tick(m.interval)

	case healthMsg:
		h := Health(msg)
		m.status = &h
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	var b strings.Builder
	s := &m.stats

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	uptime := int64(m.now().Sub(s.Started).Seconds())

	b.WriteString(headerStyle.Render(" immunity Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s   %s\n",
		m.getStatusBadge(),
		dimStyle.Render("Watching:"),
		valueStyle.Render(FormatDuration(uptime)),
		dimStyle.Render(lastUpdateStr)))
	b.WriteString(dimStyle.Render("Source: ") + valueStyle.Render(m.target))
	if m.status != nil {
		b.WriteString(dimStyle.Render("   Vectors: ") + valueStyle.Render(fmt.Sprintf("%d", m.status.Vectors)))
		if m.status.Version != "" {
			b.WriteString(dimStyle.Render("   Version: ") + valueStyle.Render(m.status.Version))
		}
	}
	if m.err != nil {
		b.WriteString("\n" + dimStyle.Render("Health: ") + errorStyle.Render(m.err.Error()))
	}
	b.WriteString("\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Verdicts") + "\n")
	rate := s.PassRate()
	b.WriteString(labelStyle.Render("  Pass rate: ") +
		valueStyle.Render(FormatPercentage(rate)) +
		" " + getPassRateBadge(rate, s.Analyzed) +
		dimStyle.Render(fmt.Sprintf("   %d analyzed, %d passed, %d failed", s.Analyzed, s.Passed, s.Failed)) + "\n")
	b.WriteString(labelStyle.Render("  Health: ") +
		m.passProgress.ViewAs(rate) + "\n")
	b.WriteString(labelStyle.Render("  Throughput: ") +
		valueStyle.Render(FormatRate(s.Rate(m.now()))) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Scores") + "\n")
	last := "-"
	if n := len(s.ScoreHistory); n > 0 {
		last = FormatScore(s.ScoreHistory[n-1])
	}
	b.WriteString(labelStyle.Render("  Last: ") + valueStyle.Render(last) + "   " +
		createSparkline(s.ScoreHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Repairs & Learning") + "\n")
	b.WriteString(labelStyle.Render("  Repaired: ") + valueStyle.Render(fmt.Sprintf("%d", s.Repaired)) +
		labelStyle.Render("  Unrepairable: ") + valueStyle.Render(fmt.Sprintf("%d", s.Unrepairable)) + "\n")
	b.WriteString(labelStyle.Render("  Patterns: ") + valueStyle.Render(fmt.Sprintf("%d recorded", s.PatternsRecorded)) +
		dimStyle.Render(", ") + valueStyle.Render(fmt.Sprintf("%d promoted", s.PatternsPromoted)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Recent") + "\n")
	if len(s.Recent) == 0 {
		b.WriteString(dimStyle.Render("  waiting for steps...") + "\n")
	}
	for _, v := range s.Recent {
		scope := v.Scope
		if scope == "" {
			scope = "default"
		}
		b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			verdictBadge(v),
			valueStyle.Render(FormatScore(v.Score)),
			labelStyle.Render(Truncate(scope, 12)),
			dimStyle.Render(Truncate(v.StepID, 36))))
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" clear  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
