package ui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236"))

	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)

	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("209"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)
