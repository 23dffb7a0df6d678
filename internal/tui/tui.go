// Package tui implements the terminal dashboard: a task list with detail
// view, a pipeline health summary, and a live event feed, all polled from
// a running engine's HTTP API.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hiveplan/hive/internal/client"
	"github.com/hiveplan/hive/internal/config"
)

// Run starts the dashboard and blocks until the user quits or ctx is
// cancelled.
func Run(ctx context.Context, c *client.Client, cfg *config.Config, globalPath, projectPath string) error {
	p := tea.NewProgram(
		New(c, cfg, globalPath, projectPath),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	return err
}
