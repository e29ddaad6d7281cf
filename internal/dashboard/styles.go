package dashboard

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/smileynet/astrocam/internal/ui"
)

// MinLeftWidth is the minimum character width for the left pane.
const MinLeftWidth = 36

var (
	headingStyle  = lipgloss.NewStyle().Bold(true)
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "250", Dark: "240"})
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"})
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// statusBadge renders a connection status in green or gray.
func statusBadge(status string) string {
	color := lipgloss.AdaptiveColor{Light: "240", Dark: "245"}
	if status == ui.StatusConnected {
		color = lipgloss.AdaptiveColor{Light: "2", Dark: "10"}
	}
	return lipgloss.NewStyle().Foreground(color).Render("[" + status + "]")
}

// control renders a key hint and label, dimmed when disabled.
func control(key, label string, enabled bool) string {
	s := key + " " + label
	if !enabled {
		return disabledStyle.Render(s)
	}
	return s
}

// toggleGlyph returns the capture toggle glyph.
func toggleGlyph(icon ui.Icon) string {
	if icon == ui.IconStop {
		return "■ stop"
	}
	return "▶ start"
}

// FocusedBorder returns a lipgloss style with an accent-colored rounded border.
func FocusedBorder() lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"})
}

// UnfocusedBorder returns a lipgloss style with a dim rounded border.
func UnfocusedBorder() lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.AdaptiveColor{Light: "240", Dark: "240"})
}

// PaneWidths calculates the left and right pane widths from a total width.
// Left pane gets 2/5 (minimum MinLeftWidth), right pane gets the rest.
func PaneWidths(totalWidth int) (left, right int) {
	if totalWidth <= 0 {
		return 0, 0
	}
	left = totalWidth * 2 / 5
	if left < MinLeftWidth {
		left = MinLeftWidth
	}
	right = totalWidth - left
	if right < 0 {
		right = 0
	}
	return left, right
}
