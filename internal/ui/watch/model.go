// Package watch implements the live terminal monitor for ingestion runs.
package watch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services"
	"github.com/j-veylop/provider-ingest/internal/ui/components"
	"github.com/j-veylop/provider-ingest/internal/ui/styles"
)

const (
	// DefaultRefreshInterval is how often the audit tables are re-read.
	DefaultRefreshInterval = 2 * time.Second

	// DefaultStatsWindow bounds the provider statistics to recent calls.
	DefaultStatsWindow = 24 * time.Hour

	sessionLimit = 10
	loadTimeout  = 5 * time.Second
	chartHeight  = 6
)

// Source is the read side of the audit log.
type Source interface {
	RecentSessions(ctx context.Context, limit int) ([]models.Session, error)
	ProviderStates(ctx context.Context) ([]models.ProviderState, error)
	ProviderStats(ctx context.Context, since time.Time) ([]models.ProviderCallStats, error)
}

// Options configures a monitor.
type Options struct {
	// Events, when set, delivers live manager events in addition to polling.
	Events          <-chan services.ServiceEvent
	Now             func() time.Time
	RefreshInterval time.Duration
	StatsWindow     time.Duration
	MaxCooldown     time.Duration
}

// Model is the monitor's Bubble Tea model.
type Model struct {
	source   Source
	opts     Options
	lastLoad time.Time
	lastErr  error
	spinner  components.ActivitySpinner
	viewport viewport.Model
	keys     keyMap
	notice   string
	sessions []models.Session
	states   []models.ProviderState
	stats    []models.ProviderCallStats
	records  []float64
	width    int
	height   int
	ready    bool
	showHelp bool
}

// New creates a monitor reading from source.
func New(source Source, opts Options) *Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = DefaultStatsWindow
	}
	if opts.MaxCooldown <= 0 {
		opts.MaxCooldown = time.Hour
	}
	return &Model{
		source:   source,
		opts:     opts,
		spinner:  components.NewSpinner("Waiting for data..."),
		viewport: viewport.New(0, 0),
		keys:     defaultKeyMap(),
	}
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg{Time: t}
	})
}

func (m *Model) loadCmd() tea.Cmd {
	source := m.source
	now := m.opts.Now()
	since := now.Add(-m.opts.StatsWindow)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		msg := snapshotMsg{At: now}
		var err error
		if msg.Sessions, err = source.RecentSessions(ctx, sessionLimit); err != nil {
			msg.Err = fmt.Errorf("load sessions: %w", err)
			return msg
		}
		if msg.States, err = source.ProviderStates(ctx); err != nil {
			msg.Err = fmt.Errorf("load provider states: %w", err)
			return msg
		}
		if msg.Stats, err = source.ProviderStats(ctx, since); err != nil {
			msg.Err = fmt.Errorf("load provider stats: %w", err)
		}
		return msg
	}
}

func (m *Model) waitCmd() tea.Cmd {
	if m.opts.Events == nil {
		return nil
	}
	return services.WaitForEvent(m.opts.Events)
}

// Init starts polling and, when configured, event delivery.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Init(), m.loadCmd(), m.tickCmd(), m.waitCmd())
}

// Update handles messages and updates the model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()

	case tea.KeyMsg:
		cmds = append(cmds, m.handleKeyMsg(msg))

	case tickMsg:
		cmds = append(cmds, m.loadCmd(), m.tickCmd())

	case snapshotMsg:
		m.applySnapshot(msg)

	case services.CycleFinishedEvent:
		if msg.Summary != nil {
			m.notice = fmt.Sprintf("Session %s %s: %d records, %d calls",
				shortID(msg.Summary.SessionID), msg.Summary.Status, msg.Summary.Records, msg.Summary.Calls)
		}
		cmds = append(cmds, m.loadCmd(), m.waitCmd())

	case services.ProviderStateEvent:
		m.applyState(msg.State)
		cmds = append(cmds, m.waitCmd())

	case services.PlanReloadedEvent:
		m.notice = fmt.Sprintf("Plan reloaded: %s", strings.Join(msg.Groups, ", "))
		cmds = append(cmds, m.waitCmd())

	case services.ErrorEvent:
		m.lastErr = fmt.Errorf("%s: %w", msg.Service, msg.Error)
		cmds = append(cmds, m.waitCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.viewport.SetContent(m.renderBody())
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.resize()
		return nil
	case key.Matches(msg, m.keys.Refresh):
		return m.loadCmd()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

func (m *Model) applySnapshot(msg snapshotMsg) {
	m.lastErr = msg.Err
	if msg.Err != nil {
		return
	}
	m.lastLoad = msg.At
	m.sessions = msg.Sessions
	m.states = msg.States
	m.stats = msg.Stats

	// Sessions arrive newest first; the chart reads oldest first.
	m.records = m.records[:0]
	running := 0
	for _, s := range slices.Backward(m.sessions) {
		if s.Status == models.SessionRunning {
			running++
			continue
		}
		m.records = append(m.records, float64(s.TotalRecords))
	}

	m.spinner.SetActive(running > 0)
	if running > 0 {
		m.spinner.SetLabel(fmt.Sprintf("%d session(s) running", running))
	} else {
		m.spinner.SetLabel("Idle")
	}
}

func (m *Model) applyState(state models.ProviderState) {
	for i := range m.states {
		if m.states[i].Provider == state.Provider {
			m.states[i] = state
			return
		}
	}
	m.states = append(m.states, state)
}

func (m *Model) resize() {
	footer := 1
	if m.showHelp {
		footer = len(m.keys.FullHelp()) + 1
	}
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-2-footer, 1)
}

// View renders the monitor.
func (m *Model) View() string {
	if !m.ready {
		return fmt.Sprintf("%s Loading...", m.spinner.View())
	}

	title := styles.TitleStyle.Render("provider-ingest")
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, "  ", m.spinner.View())

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.renderFooter(),
	)
}

func (m *Model) renderBody() string {
	now := m.opts.Now()
	var b strings.Builder

	b.WriteString(styles.SubTitleStyle.Render("Recent sessions"))
	b.WriteString("\n")
	b.WriteString(components.RenderSessionTable(m.sessions, now))
	b.WriteString("\n\n")

	b.WriteString(styles.SubTitleStyle.Render("Providers"))
	b.WriteString("\n")
	b.WriteString(components.RenderProviderTable(m.states, m.stats, now, m.opts.MaxCooldown))
	b.WriteString("\n\n")

	b.WriteString(styles.SubTitleStyle.Render("Records per session"))
	b.WriteString("\n")
	b.WriteString(components.RenderLineChart(m.records, m.width-12, chartHeight, "records"))

	if m.notice != "" {
		b.WriteString("\n\n")
		b.WriteString(styles.InfoTextStyle.Render(m.notice))
	}
	if m.lastErr != nil {
		b.WriteString("\n\n")
		b.WriteString(styles.ErrorTextStyle.Render("Error: " + m.lastErr.Error()))
	}
	return b.String()
}

func (m *Model) renderFooter() string {
	var lines []string
	if m.showHelp {
		for _, group := range m.keys.FullHelp() {
			lines = append(lines, renderBindings(group))
		}
	} else {
		lines = append(lines, renderBindings(m.keys.ShortHelp()))
	}
	if !m.lastLoad.IsZero() {
		lines[len(lines)-1] += styles.HelpStyle.Render("  updated " + m.lastLoad.Local().Format(time.TimeOnly))
	}
	return strings.Join(lines, "\n")
}

func renderBindings(bindings []key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts, styles.HelpKeyStyle.Render(b.Help().Key)+" "+styles.HelpDescStyle.Render(b.Help().Desc))
	}
	return strings.Join(parts, styles.HelpStyle.Render(" • "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
