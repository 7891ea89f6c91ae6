package cmd

import "github.com/charmbracelet/lipgloss"

// Shared CLI styles.
var (
	styleUser     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	styleAgent    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleActivity = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	styleTool     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleError    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleWarning  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleHeader   = lipgloss.NewStyle().Bold(true).Underline(true)
)
