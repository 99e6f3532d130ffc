package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/vburojevic/traced/internal/domain"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pausedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	paneStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238"))

	stateStyles = map[string]lipgloss.Style{
		domain.StateStarted.String():                 lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		domain.StateWaitingForExplicitStart.String(): lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		domain.StateDetached.String():                lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		domain.StateCloned.String():                  lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		domain.StateStopped.String():                 dimStyle,
	}
)

func stateStyle(state string) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return lipgloss.NewStyle()
}
