package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/iv-ingestion/ingest/cli/client"
)

// DefaultPollInterval paces admin API refreshes in follow mode.
const DefaultPollInterval = 2 * time.Second

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
	),
}

type tickMsg time.Time

// statsMsg carries one poll result.
type statsMsg struct {
	metrics *client.Metrics
	queues  *client.Queues
	err     error
}

// StatsModel is the Bubble Tea model for the live stats dashboard.
type StatsModel struct {
	client   *client.Client
	interval time.Duration

	metrics   *client.Metrics
	queues    *client.Queues
	err       error
	refreshed time.Time

	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a dashboard polling c every interval.
func NewStatsModel(c *client.Client, interval time.Duration) StatsModel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return StatsModel{client: c, interval: interval}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m StatsModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls the admin endpoints off the update loop.
func (m StatsModel) fetch() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()

		metrics, err := c.Metrics(ctx)
		if err != nil {
			return statsMsg{err: err}
		}
		queues, err := c.Queues(ctx)
		if err != nil {
			return statsMsg{err: err}
		}
		return statsMsg{metrics: metrics, queues: queues}
	}
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch()
		}

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case statsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.metrics = msg.metrics
			m.queues = msg.queues
			m.refreshed = time.Now()
		}
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Ingestion Dashboard"))
	b.WriteString("\n\n")

	if m.metrics == nil && m.err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("daemon unreachable: %v", m.err)))
		b.WriteString("\n")
		b.WriteString(HelpStyle.Render("Press q to quit, r to retry"))
		return b.String()
	}
	if m.metrics == nil {
		b.WriteString(ValueStyle.Render("connecting..."))
		return b.String()
	}

	b.WriteString(m.renderQueues())
	b.WriteString("\n\n")
	b.WriteString(m.renderDaemon())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("Press q to quit, r to refresh"))
	return b.String()
}

func (m StatsModel) renderQueues() string {
	q := m.queues
	boxes := []string{
		m.statBox("Waiting", q.Queues.Waiting, highlightColor),
		m.statBox("Delayed", q.Queues.Delayed, mutedColor),
		m.statBox("Active", q.Queues.Active, warningColor),
		m.statBox("Completed", q.Queues.Completed, successColor),
		m.statBox("Failed", q.Queues.Failed, errorColor),
		m.statBox("Dead", q.Queues.Dead, errorColor),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func (m StatsModel) renderDaemon() string {
	mm := m.metrics
	boxes := []string{
		m.statBox("Workers", mm.Workers.Active, highlightColor),
		m.statBox("Submitted", mm.Jobs.Submitted, highlightColor),
		m.statBox("Delivered", mm.Webhooks.Delivered, successColor),
		m.statBox("Denied", mm.RateLimit.Denied, warningColor),
	}
	row := lipgloss.JoinHorizontal(lipgloss.Top, boxes...)

	detail := fmt.Sprintf("%s %s   %s %s   %s %s",
		LabelStyle.Render("Uptime:"),
		ValueStyle.Render((time.Duration(mm.UptimeSeconds)*time.Second).String()),
		LabelStyle.Render("Error rate:"),
		ValueStyle.Render(fmt.Sprintf("%.1f%%", mm.ErrorRate*100)),
		LabelStyle.Render("Pool:"),
		ValueStyle.Render(fmt.Sprintf("%d/%d", mm.Workers.Active, mm.Workers.Total)),
	)
	return row + "\n" + detail
}

func (m StatsModel) renderStatus() string {
	if m.err != nil {
		return ErrorStyle.Render(fmt.Sprintf("last poll failed: %v", m.err))
	}
	if m.refreshed.IsZero() {
		return ""
	}
	return HelpStyle.Render("refreshed " + m.refreshed.Format("15:04:05"))
}

func (m StatsModel) statBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)
	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

// RunStatsTUI runs the dashboard until the user quits.
func RunStatsTUI(c *client.Client, interval time.Duration) error {
	p := tea.NewProgram(NewStatsModel(c, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
