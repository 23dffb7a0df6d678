package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiveplan/hive/internal/task"
)

// TaskPaneModel shows the task list and a detail viewport for the selected
// task. The list is replaced wholesale on every snapshot; the selection
// sticks to its task id across refreshes.
type TaskPaneModel struct {
	tasks       []*task.Task
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	vp := viewport.New(0, 0)
	return TaskPaneModel{viewport: vp}
}

// tickMsg debounces detail refreshes while the selection moves.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.tasks)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Delegate other keys to the viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case snapshotMsg:
		selected := m.SelectedID()
		m.tasks = msg.tasks
		m.selectedIdx = 0
		for i, t := range m.tasks {
			if t.ID == selected {
				m.selectedIdx = i
				break
			}
		}
		// Coalesce refreshes so a manual refresh burst repaints once
		m.updateTag++
		tag := m.updateTag
		return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
			return tickMsg{tag: tag}
		})

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	listContent := m.renderTaskList(listWidth)
	viewportContent := m.viewport.View()

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		listContent,
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(viewportContent),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks yet..."))
	} else {
		visible := m.height - 6
		if visible < 1 {
			visible = 1
		}
		start := 0
		if m.selectedIdx >= visible {
			start = m.selectedIdx - visible + 1
		}
		for i := start; i < len(m.tasks) && i < start+visible; i++ {
			t := m.tasks[i]
			label := fmt.Sprintf("%s %s %s", StatusIcon(t.Status), t.Type, shortID(t.ID))
			if t.RetryCount > 0 {
				label += fmt.Sprintf(" (r%d)", t.RetryCount)
			}
			if i == m.selectedIdx {
				label = lipgloss.NewStyle().
					Background(lipgloss.Color("62")).
					Foreground(lipgloss.Color("0")).
					Render(label)
			}
			b.WriteString(label)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedID returns the task id of the current selection, or "".
func (m TaskPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.tasks) {
		return m.tasks[m.selectedIdx].ID
	}
	return ""
}

// updateViewportContent rebuilds the detail view for the selection.
func (m *TaskPaneModel) updateViewportContent() {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.tasks) {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(taskDetail(m.tasks[m.selectedIdx]))
}

// taskDetail renders one task as a readable block.
func taskDetail(t *task.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ID:        %s\n", t.ID)
	if t.PlanID != "" {
		fmt.Fprintf(&b, "Plan:      %s\n", t.PlanID)
	}
	fmt.Fprintf(&b, "Type:      %s\n", t.Type)
	fmt.Fprintf(&b, "Status:    %s %s", StatusIcon(t.Status), t.Status)
	if t.CancelRequested {
		b.WriteString(StyleStatusCancelled.Render("  (cancel requested)"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Priority:  %d\n", t.Priority)
	fmt.Fprintf(&b, "Retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.AssignedWorkerID != "" {
		fmt.Fprintf(&b, "Worker:    %s\n", t.AssignedWorkerID)
	}
	fmt.Fprintf(&b, "Created:   %s\n", fmtTime(&t.CreatedAt))
	if t.AvailableAt != nil {
		fmt.Fprintf(&b, "Retry at:  %s\n", fmtTime(t.AvailableAt))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, "Finished:  %s\n", fmtTime(t.CompletedAt))
	}

	if len(t.Payload) > 0 {
		b.WriteString("\nPayload:\n")
		b.WriteString(prettyJSON(t.Payload))
		b.WriteString("\n")
	}
	if len(t.Result) > 0 {
		b.WriteString("\nResult:\n")
		b.WriteString(prettyJSON(t.Result))
		b.WriteString("\n")
	}
	if t.Failure != "" {
		b.WriteString("\nFailure:\n")
		b.WriteString(StyleStatusFailed.Render(t.Failure))
		b.WriteString("\n")
	}

	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// resizeViewport fits the detail viewport inside the pane chrome.
func (m *TaskPaneModel) resizeViewport() {
	listWidth := 30
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions and refits the detail viewport.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused marks the pane focused for key routing and border style.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
