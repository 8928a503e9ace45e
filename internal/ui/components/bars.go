package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/ui/styles"
)

// Gradient endpoints for the bars.
const (
	rateLow      = "#ff6b6b"
	rateHigh     = "#51cf66"
	cooldownFrom = "#ffd93d"
	cooldownTo   = "#6c5ce7"
)

// RenderGradientBar renders a bar filled to percent (0-100), colored from
// red to green along its length.
func RenderGradientBar(percent float64, width int) string {
	return renderBar(percent/100, width, rateLow, rateHigh)
}

// RenderCooldownBar renders how much of a breaker cooldown has elapsed.
func RenderCooldownBar(remaining, total time.Duration, width int) string {
	fraction := 1.0
	if total > 0 {
		fraction = 1 - float64(remaining)/float64(total)
	}
	return renderBar(fraction, width, cooldownFrom, cooldownTo)
}

func renderBar(fraction float64, width int, fromHex, toHex string) string {
	if width < 1 {
		return ""
	}

	filled := int(float64(width) * fraction)
	filled = min(max(filled, 0), width)

	var b strings.Builder
	for i := range width {
		if i < filled {
			t := float64(i) / float64(max(1, width-1))
			color := interpolateColor(fromHex, toHex, t)
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("█"))
		} else {
			b.WriteString(lipgloss.NewStyle().Foreground(styles.Subtle).Render("░"))
		}
	}
	return b.String()
}

// SuccessRateBar renders a labeled success-rate bar.
func SuccessRateBar(percent float64, label string, width int) string {
	labelWidth := len(label) + 1
	percentWidth := 6
	barWidth := max(width-labelWidth-percentWidth-4, 5)

	labelStr := lipgloss.NewStyle().
		Foreground(styles.TextSecondary).
		Render(label)

	percentStr := styles.GetSuccessRateStyle(percent).
		Width(percentWidth).
		Align(lipgloss.Right).
		Render(fmt.Sprintf("%.0f%%", percent))

	return fmt.Sprintf("%s [%s] %s", labelStr, RenderGradientBar(percent, barWidth), percentStr)
}

func interpolateColor(fromHex, toHex string, t float64) string {
	from := hexToRGB(fromHex)
	to := hexToRGB(toHex)

	r := int(float64(from[0]) + t*(float64(to[0])-float64(from[0])))
	g := int(float64(from[1]) + t*(float64(to[1])-float64(from[1])))
	b := int(float64(from[2]) + t*(float64(to[2])-float64(from[2])))

	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hexToRGB(hex string) [3]int {
	hex = strings.TrimPrefix(hex, "#")
	var r, g, b int
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		logger.Error("failed to parse hex color", "hex", hex, "error", err)
		return [3]int{0, 0, 0}
	}
	return [3]int{r, g, b}
}
