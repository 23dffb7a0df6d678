package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiveplan/hive/internal/persistence"
)

// EventPaneModel shows the engine's event log, newest first.
type EventPaneModel struct {
	events   []*persistence.EventRecord
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewEventPaneModel creates a new event pane model.
func NewEventPaneModel() EventPaneModel {
	return EventPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the event pane.
func (m EventPaneModel) Update(msg tea.Msg) (EventPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		m.viewport, cmd = m.viewport.Update(msg)

	case snapshotMsg:
		m.events = msg.events
		m.viewport.SetContent(m.renderEvents())
	}

	return m, cmd
}

// View renders the event pane.
func (m EventPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render("Events")
	header := title + "\n" + strings.Repeat("=", lipgloss.Width(title)) + "\n"

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(header + m.viewport.View())
}

// renderEvents formats the log lines, newest first.
func (m EventPaneModel) renderEvents() string {
	if len(m.events) == 0 {
		return StyleStatusPending.Render("Nothing logged yet...")
	}

	var b strings.Builder
	for _, ev := range m.events {
		ts := ev.CreatedAt.Local().Format("15:04:05")
		subject := ev.TaskID
		if subject == "" {
			subject = ev.PlanID
		}
		typ := eventStyle(ev.Type).Render(fmt.Sprintf("%-18s", ev.Type))
		line := fmt.Sprintf("%s  %s %s", StyleStatusPending.Render(ts), typ, shortID(subject))
		if ev.Detail != "" {
			line += "  " + StyleStatusPending.Render(ev.Detail)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// eventStyle colors an event type by what it means for the pipeline.
func eventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case persistence.EventTaskCompleted, persistence.EventPlanCompleted:
		return StyleStatusComplete
	case persistence.EventTaskFailed, persistence.EventPlanFailed, persistence.EventLeaseExpired:
		return StyleStatusFailed
	case persistence.EventTaskBlocked, persistence.EventTaskRetrying:
		return StyleStatusBlocked
	case persistence.EventTaskCancelled, persistence.EventPlanCancelled, persistence.EventCancelRequested:
		return StyleStatusCancelled
	case persistence.EventTaskStarted, persistence.EventTaskClaimed:
		return StyleStatusRunning
	default:
		return StyleStatusPending
	}
}

// SetSize resizes the pane and refits the feed viewport.
func (m *EventPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h

	vpWidth := w - 4
	vpHeight := h - 5
	if vpWidth < 10 {
		vpWidth = 10
	}
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight
}

// SetFocused marks the pane for scroll keys and border styling.
func (m *EventPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
