package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/desertthunder/regx/internal/formatter"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/tasks"
	"github.com/urfave/cli/v3"
)

func parseStatus(s string) (models.Status, error) {
	if s == "" {
		return "", nil
	}
	status := models.Status(strings.ToLower(s))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q (want unknown, active or inactive)", shared.ErrInvalidArgument, s)
	}
	return status, nil
}

// AccountsList prints stored accounts matching the filters.
func (r *Runner) AccountsList(ctx context.Context, cmd *cli.Command) error {
	status, err := parseStatus(cmd.String("status"))
	if err != nil {
		return err
	}
	if err := r.init(ctx); err != nil {
		return err
	}

	accounts, err := r.accounts.List(ctx, repositories.ListOptions{
		Prefix:     cmd.String("prefix"),
		Status:     status,
		MissingKey: cmd.Bool("missing-key"),
		Limit:      max(cmd.Int("limit"), 0),
		Offset:     max(cmd.Int("offset"), 0),
	})
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		if accounts == nil {
			accounts = []*models.Account{}
		}
		return r.writeJSON(accounts, cmd.Bool("pretty"))
	}

	if len(accounts) == 0 {
		r.writePlain("No accounts found\n")
		return nil
	}
	for _, a := range accounts {
		key := "-"
		if a.HasAPIKey() {
			key = a.APIKey
		}
		r.writePlain("%-40s %-10s %-8s %s\n", a.Email, a.Enrichment, a.Status, key)
	}
	r.writePlain("\n%d accounts\n", len(accounts))
	return nil
}

// AccountsStats prints account totals.
func (r *Runner) AccountsStats(ctx context.Context, cmd *cli.Command) error {
	if err := r.init(ctx); err != nil {
		return err
	}
	stats, err := r.accounts.Stats(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(stats, true)
	}

	r.writePlainHeader("Accounts")
	r.writePlain("Total:       %d\n", stats.Total)
	r.writePlain("With key:    %d\n", stats.WithKey)
	r.writePlain("Without key: %d\n", stats.WithoutKey)
	r.writePlain("Active:      %d\n", stats.Active)
	r.writePlain("Inactive:    %d\n", stats.Inactive)
	r.writePlain("Unchecked:   %d\n", stats.Unknown)
	return nil
}

// AccountsExport writes stored accounts to a file.
func (r *Runner) AccountsExport(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	status, err := parseStatus(cmd.String("status"))
	if err != nil {
		return err
	}
	if err := r.init(ctx); err != nil {
		return err
	}

	accounts, err := r.accounts.List(ctx, repositories.ListOptions{Status: status, MissingKey: cmd.Bool("missing-key")})
	if err != nil {
		return err
	}

	path, err := formatter.WriteExport(accounts, format, cmd.String("output"))
	if err != nil {
		return err
	}

	r.logger.Info("exported accounts", "count", len(accounts), "path", path)
	r.writePlain("✓ Exported %d accounts to %s\n", len(accounts), path)
	return nil
}

// AccountsImport reads accounts from a file and stores the ones not already known.
//
// Writes go through the batched path with the stored batch size.
func (r *Runner) AccountsImport(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("path")
	if path == "" {
		return fmt.Errorf("%w: path", shared.ErrMissingArgument)
	}

	var format formatter.Format
	if f := cmd.String("format"); f != "" {
		var err error
		if format, err = formatter.ParseFormat(f); err != nil {
			return err
		}
	}

	if err := r.init(ctx); err != nil {
		return err
	}

	result, err := formatter.ReadImport(path, format)
	if err != nil {
		return err
	}

	settings, err := r.settings.Get(ctx)
	if err != nil {
		return err
	}
	r.accounts.SetBatchSize(settings.BatchSaveSize)

	fresh := make([]*models.Account, 0, len(result.Accounts))
	seen := map[string]bool{}
	duplicates := 0
	for _, a := range result.Accounts {
		known, err := r.dedup.Contains(ctx, a.Email)
		if err != nil {
			return err
		}
		if known || seen[a.Email] {
			duplicates++
			continue
		}
		seen[a.Email] = true
		fresh = append(fresh, a)
	}

	saved, saveErr := r.accounts.SaveBatch(ctx, fresh)

	r.logger.Info("imported accounts", "path", path, "saved", saved, "duplicates", duplicates, "skipped", len(result.Skipped))
	r.writePlain("✓ Imported %d accounts from %s\n", saved, path)
	if duplicates > 0 {
		r.writePlain("  %d already stored\n", duplicates)
	}
	if len(result.Skipped) > 0 {
		r.writePlain("  %d invalid lines skipped: %v\n", len(result.Skipped), result.Skipped)
	}
	if saveErr != nil {
		r.writePlain("  %d failed to save\n", len(fresh)-saved)
		return saveErr
	}
	return nil
}

// AccountsDelete removes one account.
func (r *Runner) AccountsDelete(ctx context.Context, cmd *cli.Command) error {
	email := cmd.StringArg("email")
	if email == "" {
		return fmt.Errorf("%w: email", shared.ErrMissingArgument)
	}
	if err := r.init(ctx); err != nil {
		return err
	}
	if err := r.accounts.Delete(ctx, email); err != nil {
		return err
	}
	r.writePlain("✓ Deleted %s\n", email)
	return nil
}

func (r *Runner) newMaintenance(cmd *cli.Command) *tasks.Maintenance {
	return tasks.NewMaintenance(r.accounts, r.secondary, tasks.MaintenanceOpts{
		NumWorkers: cmd.Int("workers"),
		RateLimit:  cmd.Float("rate"),
	}, r.logger)
}

// printProgress prints updates until progress is closed, then closes done.
func (r *Runner) printProgress(progress <-chan tasks.ProgressUpdate, done chan<- struct{}) {
	defer close(done)
	for update := range progress {
		if update.Phase == tasks.LoadAccounts {
			r.writePlain("%s\n\n", update.Message)
			continue
		}
		r.writePlain("%s\n", update.Message)
	}
}

type maintenanceFunc func(ctx context.Context, progress chan<- tasks.ProgressUpdate, emails []string) (*tasks.MaintenanceResult, error)

func (r *Runner) runMaintenance(ctx context.Context, cmd *cli.Command, title string, fn func(*tasks.Maintenance) maintenanceFunc) error {
	if err := r.init(ctx); err != nil {
		return err
	}

	progress := make(chan tasks.ProgressUpdate, 10)
	done := make(chan struct{})
	go r.printProgress(progress, done)

	result, err := fn(r.newMaintenance(cmd))(ctx, progress, cmd.StringSlice("email"))
	close(progress)
	<-done
	if err != nil {
		return err
	}

	r.writePlain("\n")
	r.writePlainHeader(title)
	r.writePlain("Total:     %d\n", result.Total)
	r.writePlain("Succeeded: %d\n", result.Succeeded)
	r.writePlain("Failed:    %d\n", result.Failed)
	return nil
}

// AccountsRefetch backfills API keys for accounts stored without one.
func (r *Runner) AccountsRefetch(ctx context.Context, cmd *cli.Command) error {
	return r.runMaintenance(ctx, cmd, "Refetch complete", func(m *tasks.Maintenance) maintenanceFunc {
		return m.Refetch
	})
}

// AccountsCheck records whether each stored token still authenticates.
func (r *Runner) AccountsCheck(ctx context.Context, cmd *cli.Command) error {
	return r.runMaintenance(ctx, cmd, "Check complete", func(m *tasks.Maintenance) maintenanceFunc {
		return m.Check
	})
}

// AccountsPrune deletes accounts marked inactive.
func (r *Runner) AccountsPrune(ctx context.Context, cmd *cli.Command) error {
	if err := r.init(ctx); err != nil {
		return err
	}

	progress := make(chan tasks.ProgressUpdate, 1)
	done := make(chan struct{})
	go r.printProgress(progress, done)

	_, err := r.newMaintenance(cmd).Prune(ctx, progress)
	close(progress)
	<-done
	return err
}
