package picker

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	primaryColor = lipgloss.Color("#7D56F4") // Purple
	warningColor = lipgloss.Color("#FFA500") // Orange
	errorColor   = lipgloss.Color("#FF0000") // Red
	subtleColor  = lipgloss.Color("#626262") // Gray
)

// Common styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Padding(1, 0)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(primaryColor)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(subtleColor).
			Italic(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true).
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(errorColor)
)
