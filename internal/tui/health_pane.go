package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiveplan/hive/internal/task"
)

// HealthPaneModel shows the monitor's verdict: per-status counts, a progress
// bar over the plan work, and any triggered alerts.
type HealthPaneModel struct {
	report  *task.HealthReport
	width   int
	height  int
	focused bool
}

// NewHealthPaneModel creates a new health pane model.
func NewHealthPaneModel() HealthPaneModel {
	return HealthPaneModel{}
}

// Update handles messages for the health pane.
func (m HealthPaneModel) Update(msg tea.Msg) (HealthPaneModel, tea.Cmd) {
	if snap, ok := msg.(snapshotMsg); ok && snap.health != nil {
		m.report = snap.health
	}
	return m, nil
}

// View renders the health pane.
func (m HealthPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Pipeline")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.report == nil {
		b.WriteString(StyleStatusPending.Render("Waiting for the engine..."))
	} else {
		mt := m.report.Metrics
		b.WriteString(fmt.Sprintf("Health:     %s\n\n", HealthStyle(m.report.Level).Render(string(m.report.Level))))
		b.WriteString(fmt.Sprintf("Completed:  %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", mt.Completed))))
		b.WriteString(fmt.Sprintf("Running:    %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", mt.Running+mt.Assigned))))
		b.WriteString(fmt.Sprintf("Queued:     %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", mt.Queued+mt.Pending))))
		b.WriteString(fmt.Sprintf("Failed:     %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", mt.Failed))))
		b.WriteString(fmt.Sprintf("Blocked:    %s\n", StyleStatusBlocked.Render(fmt.Sprintf("%d", mt.Blocked))))
		b.WriteString(fmt.Sprintf("Cancelled:  %d\n", mt.Cancelled))
		b.WriteString(fmt.Sprintf("Stuck:      %d\n", mt.StuckTasks))
		b.WriteString(fmt.Sprintf("Error rate: %.0f%%  Throughput: %d/h\n", mt.ErrorRate*100, mt.ThroughputPerHour))

		total := mt.Pending + mt.Queued + mt.Assigned + mt.Running + mt.Completed + mt.Failed + mt.Blocked + mt.Cancelled
		if total > 0 {
			b.WriteString("\n")
			barWidth := min(m.width-6, 40)
			doneWidth := (mt.Completed * barWidth) / total
			failedWidth := ((mt.Failed + mt.Blocked) * barWidth) / total
			runWidth := ((mt.Running + mt.Assigned) * barWidth) / total
			restWidth := barWidth - doneWidth - failedWidth - runWidth

			bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
			bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
			bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runWidth)))
			bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))

			b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, mt.Completed, total))
		}

		for _, a := range m.report.Alerts {
			b.WriteString("\n")
			style := StyleStatusRunning
			if a.Severity == task.SeverityHigh {
				style = StyleStatusFailed
			}
			b.WriteString(style.Render(fmt.Sprintf("! %s", a.Message)))
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize records the pane dimensions for rendering.
func (m *HealthPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused toggles the border highlight.
func (m *HealthPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
