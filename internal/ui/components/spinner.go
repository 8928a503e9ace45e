package components

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/provider-ingest/internal/ui/styles"
)

// ActivitySpinner shows that groups are running, with a status label.
type ActivitySpinner struct {
	spinner spinner.Model
	label   string
	style   lipgloss.Style
	active  bool
}

// NewSpinner creates a new spinner with the given label.
func NewSpinner(label string) ActivitySpinner {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return ActivitySpinner{
		spinner: s,
		label:   label,
		style:   lipgloss.NewStyle().Foreground(styles.TextSecondary),
	}
}

// Init starts the spinner animation.
func (a ActivitySpinner) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update handles spinner tick messages.
func (a ActivitySpinner) Update(msg tea.Msg) (ActivitySpinner, tea.Cmd) {
	var cmd tea.Cmd
	a.spinner, cmd = a.spinner.Update(msg)
	return a, cmd
}

// SetActive switches between the animated and the idle rendering.
func (a *ActivitySpinner) SetActive(active bool) {
	a.active = active
}

// Active reports whether the spinner is animating.
func (a ActivitySpinner) Active() bool {
	return a.active
}

// SetLabel updates the spinner's label.
func (a *ActivitySpinner) SetLabel(label string) {
	a.label = label
}

// Label returns the current label.
func (a ActivitySpinner) Label() string {
	return a.label
}

// View renders the spinner with its label. When idle a dot replaces the
// animation.
func (a ActivitySpinner) View() string {
	glyph := styles.HelpStyle.Render("•")
	if a.active {
		glyph = a.spinner.View()
	}
	return glyph + " " + a.style.Render(a.label)
}

// RenderSpinnerCentered renders a spinner centered in a given width and height.
func RenderSpinnerCentered(a ActivitySpinner, width, height int) string {
	return styles.CenterBoth(a.View(), width, height)
}
