package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiveplan/hive/internal/client"
	"github.com/hiveplan/hive/internal/config"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// PaneID identifies one of the three content panes.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneHealth
	PaneEvents
)

const refreshInterval = time.Second

// snapshotMsg carries one polling round of engine state.
type snapshotMsg struct {
	tasks  []*task.Task
	health *task.HealthReport
	events []*persistence.EventRecord
	err    error
}

// refreshMsg asks for the next polling round.
type refreshMsg struct{}

// cancelDoneMsg reports the outcome of a cancel request.
type cancelDoneMsg struct{ err error }

// Model is the root Bubble Tea model for the TUI. It polls a running engine
// over its HTTP API and fans each snapshot out to the panes.
type Model struct {
	taskPane     TaskPaneModel
	healthPane   HealthPaneModel
	eventPane    EventPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	client       *client.Client
	width        int
	height       int
	quitting     bool
	showSettings bool
	lastErr      error
}

// New creates a new TUI model attached to an engine API client.
func New(c *client.Client, cfg *config.Config, globalPath, projectPath string) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		healthPane:   NewHealthPaneModel(),
		eventPane:    NewEventPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		client:       c,
	}
}

// Init fires the first snapshot fetch.
func (m Model) Init() tea.Cmd {
	return fetchSnapshot(m.client)
}

// fetchSnapshot polls the engine once. Health carries the metrics, so one
// request covers both the health pane and the progress numbers.
func fetchSnapshot(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		tasks, err := c.ListTasks(ctx, client.ListOptions{Limit: 200})
		if err != nil {
			return snapshotMsg{err: err}
		}
		health, err := c.Health(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		events, err := c.Events(ctx, 100)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{tasks: tasks, health: health, events: events}
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func cancelTask(c *client.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := c.CancelTask(ctx, id)
		return cancelDoneMsg{err: err}
	}
}

// Update routes messages: the settings modal when open, then global
// keys, then the focused pane.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If the settings panel is open, route all keys to it (modal behavior)
		if m.showSettings {
			switch msg.String() {
			case KeySettings, "esc":
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)

				// The pane closes itself after a save
				if !m.settingsPane.IsVisible() {
					m.showSettings = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneHealth
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneEvents
			m.updateFocusStates()

		case KeyRefresh:
			cmds = append(cmds, fetchSnapshot(m.client))

		case KeyCancel:
			if id := m.taskPane.SelectedID(); id != "" {
				cmds = append(cmds, cancelTask(m.client, id))
			}

		default:
			// Delegate to the focused pane
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneEvents:
				var cmd tea.Cmd
				m.eventPane, cmd = m.eventPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
			m.healthPane, _ = m.healthPane.Update(msg)
			m.eventPane, _ = m.eventPane.Update(msg)
		}
		cmds = append(cmds, scheduleRefresh())

	case refreshMsg:
		cmds = append(cmds, fetchSnapshot(m.client))

	case cancelDoneMsg:
		m.lastErr = msg.err
		// Pull the new state right away instead of waiting out the tick
		cmds = append(cmds, fetchSnapshot(m.client))

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View draws the settings modal when open, otherwise the three panes
// over the help bar.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	leftPane := m.taskPane.View()
	rightTop := m.healthPane.View()
	rightBottom := m.eventPane.View()

	rightPane := lipgloss.JoinVertical(lipgloss.Left, rightTop, rightBottom)
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	helpBar := HelpView()
	if m.lastErr != nil {
		helpBar = StyleError.Render("engine unreachable: "+m.lastErr.Error()) + "  " + helpBar
	}

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, helpBar)
}

// computeLayout splits the window between the task list and the right
// column and pushes the sizes down to the panes.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1
	rightTopHeight := (availableHeight * 45) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.healthPane.SetSize(rightWidth, rightTopHeight)
	m.eventPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

// updateFocusStates tells each pane whether it holds focus.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.healthPane.SetFocused(m.focusedPane == PaneHealth)
	m.eventPane.SetFocused(m.focusedPane == PaneEvents)
}
