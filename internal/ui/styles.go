package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles holds all the styling for the TUI
type Styles struct {
	Header     lipgloss.Style
	Status     lipgloss.Style
	Footer     lipgloss.Style
	Muted      lipgloss.Style
	ActionType lipgloss.Style
	Effect     lipgloss.Style
	ErrorBox   lipgloss.Style
	SuccessBox lipgloss.Style
	Pass       lipgloss.Style
	Fail       lipgloss.Style
	Skip       lipgloss.Style
}

// NewStyles creates a new styles instance
func NewStyles() *Styles {
	return &Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 2).
			MarginBottom(1),

		Status: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#04B575")),

		Footer: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			MarginTop(1),

		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")),

		ActionType: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#874BFD")).
			Width(12),

		Effect: lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("#8A8A8A")),

		ErrorBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FF5F87")).
			Foreground(lipgloss.Color("#FF5F87")).
			Padding(0, 1).
			MarginTop(1),

		SuccessBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#04B575")).
			Foreground(lipgloss.Color("#04B575")).
			Padding(0, 1).
			MarginTop(1),

		Pass: lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		Fail: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")),
		Skip: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")),
	}
}
