package ui

import "github.com/charmbracelet/lipgloss"

// Centralized lipgloss styles for the dashboard.

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF")).
			Background(lipgloss.Color("#7D56F4")).
			Bold(true).
			Padding(0, 1)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	pausedBadgeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("230")).
				Background(lipgloss.Color("160")).
				Bold(true).
				Padding(0, 1)

	focusBadgeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("214")).
			Padding(0, 1)

	disconnectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true).
				Padding(0, 1)

	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	logInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	logWarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	logErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	detailTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212")).
				MarginBottom(1)
)

func statusColor(s string) lipgloss.Style {
	switch s {
	case "in_progress":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	case "blocked":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case "completed", "validated":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	case "cancelled", "superseded", "archived":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	}
}
