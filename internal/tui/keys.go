package tui

// Global keys, handled by the root model before panes see the message.
const (
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeySettings = "s"
	KeyRefresh  = "r"
	KeyCancel   = "x"
)

// Focus movement between panes.
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyPane3    = "3"
)

// List movement inside the focused pane.
const (
	KeyUp   = "up"
	KeyDown = "down"
	KeyJ    = "j"
	KeyK    = "k"
)

// HelpView renders the one-line key reference shown under the panes.
func HelpView() string {
	return StyleHelp.Render(
		"Tab: cycle focus | 1/2/3: jump to pane | j/k: select | " +
			"x: cancel task | r: refresh | s: settings | q: quit")
}
