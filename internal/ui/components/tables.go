package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/ui/styles"
)

// column widths shared by the tables.
const (
	idWidth       = 10
	statusWidth   = 10
	timeWidth     = 19
	durationWidth = 9
	countWidth    = 8
	providerWidth = 18
)

// cell pads or truncates s to exactly width terminal cells.
func cell(s string, width int) string {
	s = ansi.Truncate(s, width, "…")
	if pad := width - ansi.StringWidth(s); pad > 0 {
		s += strings.Repeat(" ", pad)
	}
	return s
}

func header(cols ...string) string {
	return styles.TableHeaderStyle.Render(strings.Join(cols, " "))
}

// RenderSessionTable renders recent sessions, newest first.
func RenderSessionTable(sessions []models.Session, now time.Time) string {
	if len(sessions) == 0 {
		return styles.HelpStyle.Render("No sessions recorded yet")
	}

	lines := []string{header(
		cell("SESSION", idWidth),
		cell("STATUS", statusWidth),
		cell("STARTED", timeWidth),
		cell("DURATION", durationWidth),
		cell("RECORDS", countWidth),
		cell("CALLS", countWidth),
	)}

	for _, s := range sessions {
		duration := s.Duration()
		if s.EndedAt.IsZero() {
			duration = now.Sub(s.StartedAt)
		}
		status := styles.GetSessionStyle(s.Status).Render(cell(string(s.Status), statusWidth))
		lines = append(lines, strings.Join([]string{
			cell(s.ID, idWidth),
			status,
			cell(s.StartedAt.Local().Format(time.DateTime), timeWidth),
			cell(FormatDuration(duration), durationWidth),
			cell(fmt.Sprint(s.TotalRecords), countWidth),
			cell(fmt.Sprint(s.TotalAPICalls), countWidth),
		}, " "))
	}
	return strings.Join(lines, "\n")
}

// RenderProviderTable renders breaker state and call statistics per provider.
// maxCooldown scales the cooldown bars.
func RenderProviderTable(states []models.ProviderState, stats []models.ProviderCallStats, now time.Time, maxCooldown time.Duration) string {
	byName := make(map[string]*providerRow)
	var order []string
	row := func(name string) *providerRow {
		r, ok := byName[name]
		if !ok {
			r = &providerRow{name: name}
			byName[name] = r
			order = append(order, name)
		}
		return r
	}
	for _, st := range stats {
		row(st.Provider).stats = st
	}
	for _, s := range states {
		row(s.Provider).state = s
	}

	if len(order) == 0 {
		return styles.HelpStyle.Render("No provider activity yet")
	}

	lines := []string{header(
		cell("PROVIDER", providerWidth),
		cell("CALLS", countWidth),
		cell("FAILED", countWidth),
		cell("AVG", durationWidth),
		"SUCCESS / STATE",
	)}
	for _, name := range order {
		r := byName[name]
		lines = append(lines, strings.Join([]string{
			cell(name, providerWidth),
			cell(fmt.Sprint(r.stats.TotalCalls), countWidth),
			cell(fmt.Sprint(r.stats.FailedCount+r.stats.ErrorCount), countWidth),
			cell(fmt.Sprintf("%.0fms", r.stats.AvgDurationMs), durationWidth),
			r.status(now, maxCooldown),
		}, " "))
	}
	return strings.Join(lines, "\n")
}

type providerRow struct {
	name  string
	state models.ProviderState
	stats models.ProviderCallStats
}

func (r *providerRow) status(now time.Time, maxCooldown time.Duration) string {
	if r.state.Blocked(now) {
		remaining := r.state.ResetTime.Sub(now)
		return lipgloss.JoinHorizontal(lipgloss.Top,
			styles.RateLimitedStyle.Render("rate limited "),
			"[", RenderCooldownBar(remaining, maxCooldown, 12), "] ",
			styles.HelpStyle.Render(FormatDuration(remaining)+" left"),
		)
	}
	if r.stats.TotalCalls == 0 {
		return styles.HelpStyle.Render("idle")
	}
	return "[" + RenderGradientBar(r.stats.SuccessRate(), 12) + "] " +
		styles.GetSuccessRateStyle(r.stats.SuccessRate()).Render(fmt.Sprintf("%.0f%%", r.stats.SuccessRate()))
}

// FormatDuration renders d compactly: 45s, 3m12s, 2h05m.
func FormatDuration(d time.Duration) string {
	d = max(d, 0).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
