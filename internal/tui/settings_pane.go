package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/hiveplan/hive/internal/config"
)

// SettingsPaneModel is the modal settings editor. It edits the engine
// configuration through a huh form and writes the chosen config file on
// submit; a running engine picks the values up on its next start.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// huh binds inputs to strings; submit parses them back.
	saveTarget    string
	listen        string
	maxConcurrent string
	leaseTTL      string
	retryPolicy   string
	maxRetries    string
	planPolicy    string
}

// NewSettingsPaneModel creates the settings editor over cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,

		saveTarget:    "global",
		listen:        cfg.Listen,
		maxConcurrent: strconv.Itoa(cfg.Scheduler.MaxConcurrent),
		leaseTTL:      cfg.Lease.TTL.Std().String(),
		retryPolicy:   cfg.Retry.Policy,
		maxRetries:    strconv.Itoa(cfg.Retry.MaxRetries),
		planPolicy:    cfg.Plan.Policy,
	}
	m.form = m.newForm()
	return m
}

func (m *SettingsPaneModel) newForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Config File").
				Options(
					huh.NewOption("Global (user-wide)", "global"),
					huh.NewOption("Project (./.hive/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("listen").
				Title("API Listen Address").
				Value(&m.listen).
				Placeholder("127.0.0.1:8080"),

			huh.NewInput().
				Key("maxConcurrent").
				Title("Max Concurrent Tasks").
				Value(&m.maxConcurrent).
				Validate(validateInt).
				Placeholder("4"),

			huh.NewInput().
				Key("leaseTTL").
				Title("Lease TTL").
				Value(&m.leaseTTL).
				Validate(validateDuration).
				Placeholder("2m"),
		).Title("Engine Settings"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("retryPolicy").
				Title("Retry Backoff").
				Options(
					huh.NewOption("Exponential", "exponential"),
					huh.NewOption("Fixed", "fixed"),
				).
				Value(&m.retryPolicy),

			huh.NewInput().
				Key("maxRetries").
				Title("Default Retry Budget").
				Value(&m.maxRetries).
				Validate(validateInt).
				Placeholder("3"),

			huh.NewSelect[string]().
				Key("planPolicy").
				Title("On Terminal Failure").
				Options(
					huh.NewOption("Continue independent subtasks", "continue_on_error"),
					huh.NewOption("Fail fast, withdraw the plan", "fail_fast"),
				).
				Value(&m.planPolicy),
		).Title("Failure Handling"),
	)
}

func validateInt(s string) error {
	if _, err := strconv.Atoi(s); err != nil {
		return fmt.Errorf("must be a number")
	}
	return nil
}

func validateDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration like 90s or 2m")
	}
	return nil
}

// Init initializes the settings form.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update drives the form. After a submit the pane stays up showing the
// result line; the next keypress dismisses it.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok {
		if key.String() == "esc" || m.settled() {
			m.visible = false
			m.saved = false
			return m, nil
		}
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}
	if m.form.State == huh.StateCompleted && !m.settled() {
		m.submit()
	}
	return m, cmd
}

// submit parses the inputs into the config and writes the selected file.
func (m *SettingsPaneModel) submit() {
	m.applyInputs()

	path := m.globalPath
	if m.saveTarget == "project" {
		path = m.projectPath
	}
	if err := config.Save(m.config, path); err != nil {
		m.err = err
		return
	}
	m.saved = true
}

// applyInputs copies form values back into the config. The form already
// validated them, so a parse failure just keeps the old value.
func (m *SettingsPaneModel) applyInputs() {
	m.config.Listen = m.listen
	if n, err := strconv.Atoi(m.maxConcurrent); err == nil {
		m.config.Scheduler.MaxConcurrent = n
	}
	if d, err := time.ParseDuration(m.leaseTTL); err == nil {
		m.config.Lease.TTL = config.Duration(d)
	}
	m.config.Retry.Policy = m.retryPolicy
	if n, err := strconv.Atoi(m.maxRetries); err == nil {
		m.config.Retry.MaxRetries = n
	}
	m.config.Plan.Policy = m.planPolicy
}

// settled reports whether a submit already ran this session.
func (m *SettingsPaneModel) settled() bool {
	return m.saved || m.err != nil
}

// View renders the modal: the form, or the submit result line.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved:
		content = StyleStatusComplete.Render("✓ Settings written (the engine reads them on restart)")
	case m.err != nil:
		content = StyleError.Render(fmt.Sprintf("✗ Save failed: %v", m.err))
	default:
		content = m.form.View()
	}

	frame := StyleFocusedBorder.
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)
	title := StyleTitle.Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, frame.Render(content))
}

// SetSize resizes the modal and the form inside it.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the pane. Showing rebuilds the form so a
// prior submit's completed state does not leak into the new session.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.form = m.newForm()
	}
}

// IsVisible reports whether the modal is open.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
