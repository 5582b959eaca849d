// Package tui renders the relay command line output.
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyleColor = lipgloss.AdaptiveColor{Light: "#071330", Dark: "#F652A0"}
	mutedStyleColor = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	activeColor     = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	pendingColor    = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
)

func Title(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(titleStyleColor).Render(text)
}

func Muted(text string) string {
	return lipgloss.NewStyle().Foreground(mutedStyleColor).Render(text)
}

// State renders a session state label: green when paired, amber while waiting.
func State(active bool) string {
	if active {
		return lipgloss.NewStyle().Foreground(activeColor).Render("active")
	}
	return lipgloss.NewStyle().Foreground(pendingColor).Render("waiting")
}
