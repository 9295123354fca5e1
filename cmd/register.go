package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/tasks"
	"github.com/urfave/cli/v3"
)

// RegisterRun runs one batch in the foreground, printing events as they arrive.
//
// An interrupt requests a stop; the batch finishes the wave in flight before returning.
func (r *Runner) RegisterRun(ctx context.Context, cmd *cli.Command) error {
	count := cmd.Int("count")
	concurrency := cmd.Int("concurrency")
	quiet := cmd.Bool("quiet")
	useJSON := cmd.Bool("json")

	if count < 1 {
		return fmt.Errorf("%w: --count must be at least 1", shared.ErrInvalidArgument)
	}
	if cmd.Bool("tui") {
		return r.TUI(ctx, cmd)
	}
	if err := r.init(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, stream := r.bus.Subscribe(events.DefaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range stream {
			if !quiet && !useJSON {
				r.writePlain("%s\n", formatEvent(e))
			}
		}
	}()

	r.logger.Info("starting batch", "count", count, "concurrency", concurrency)
	summary, err := r.orchestrator.Run(ctx, count, concurrency)
	r.bus.Unsubscribe(id)
	<-done
	if err != nil {
		return err
	}

	if useJSON {
		return r.writeJSON(summary, true)
	}
	r.printSummary(summary)
	return nil
}

func formatEvent(e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-7s %s", e.Timestamp.Format("15:04:05"), strings.ToUpper(string(e.Level)), e.Message)
	if e.Link != "" {
		fmt.Fprintf(&b, " (%s)", e.Link)
	}
	return b.String()
}

func (r *Runner) printSummary(s *tasks.Summary) {
	title := "Batch complete"
	if s.Stopped {
		title = "Batch stopped"
	}

	r.writePlain("\n")
	r.writePlainHeader(title)
	r.writePlain("Target:   %d\n", s.Target)
	r.writePlain("Launched: %d in %d waves\n", s.Launched, s.Waves)
	r.writePlain("Success:  %d\n", s.Success)
	r.writePlain("Failed:   %d\n", s.Failed)
	r.writePlain("Elapsed:  %s\n", shared.FormatDuration(s.Elapsed))
	for _, e := range s.Errors {
		r.writePlain("  ✗ %s\n", e)
	}
}
