package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hiveplan/hive/internal/task"
)

// Pane borders
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Task status colors
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("208"))

	StyleStatusCancelled = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Strikethrough(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// Chrome
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleError = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
)

// StatusIcon returns a one-cell styled indicator for a task status.
func StatusIcon(status task.Status) string {
	switch status {
	case task.StatusRunning:
		return StyleStatusRunning.Render("●")
	case task.StatusAssigned, task.StatusQueued:
		return StyleStatusRunning.Render("◌")
	case task.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case task.StatusFailed:
		return StyleStatusFailed.Render("✗")
	case task.StatusBlocked:
		return StyleStatusBlocked.Render("⊘")
	case task.StatusCancelled:
		return StyleStatusCancelled.Render("−")
	default:
		return StyleStatusPending.Render("○")
	}
}

// HealthStyle maps a health level to its display style.
func HealthStyle(level task.HealthLevel) lipgloss.Style {
	switch level {
	case task.HealthCritical:
		return StyleStatusFailed
	case task.HealthWarning:
		return StyleStatusRunning
	default:
		return StyleStatusComplete
	}
}
