// Package watch implements the spendgate watch TUI: engine health, live
// change requests and the event stream, fed from /healthz and /events.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusApplied   lipgloss.Style
	StatusClaimed   lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusPending   lipgloss.Style
	StatusCancelled lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusApplied:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusClaimed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForStatus picks the style for a change request status.
func (t Theme) ForStatus(status string) lipgloss.Style {
	switch status {
	case "applied":
		return t.StatusApplied
	case "claimed":
		return t.StatusClaimed
	case "failed_terminal":
		return t.StatusFailed
	case "failed_retryable":
		return t.Highlight
	case "cancelled":
		return t.StatusCancelled
	default:
		return t.StatusPending
	}
}
