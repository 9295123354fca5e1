package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/ui"
	"github.com/urfave/cli/v3"
)

// TUI runs one batch inside the interactive monitor.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	count := cmd.Int("count")
	concurrency := cmd.Int("concurrency")
	if count < 1 {
		return fmt.Errorf("%w: --count must be at least 1", shared.ErrInvalidArgument)
	}

	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger("./tmp/regx-tui.log")
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	r.SetLogger(fileLogger)

	if err := r.init(ctx); err != nil {
		return err
	}

	id, stream := r.bus.Subscribe(events.DefaultBuffer)
	defer r.bus.Unsubscribe(id)

	model := ui.NewModel(ctx, r.orchestrator, stream, count, concurrency)
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	summary, err := model.Summary()
	if err != nil {
		return err
	}
	if summary != nil {
		r.printSummary(summary)
	}
	return nil
}
