package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
	"golang.org/x/time/rate"
)

// AccountStore is the part of [repositories.AccountRepository] used by [Maintenance].
type AccountStore interface {
	List(ctx context.Context, opts repositories.ListOptions) ([]*models.Account, error)
	UpdateCredential(ctx context.Context, email, apiKey string) error
	UpdateStatus(ctx context.Context, email string, status models.Status) error
	DeleteByStatus(ctx context.Context, status models.Status) (int64, error)
}

// MaintenanceOpts bounds the worker pool of [Maintenance] operations.
type MaintenanceOpts struct {
	NumWorkers int     // Concurrent workers (default: 5, max: 10)
	RateLimit  float64 // Requests per second (default: 5)
}

// AccountResult is the outcome of one account in a maintenance run.
type AccountResult struct {
	Email string
	Err   error
}

// MaintenanceResult aggregates a maintenance run.
type MaintenanceResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []AccountResult
}

// Maintenance backfills credentials and checks liveness of stored accounts.
type Maintenance struct {
	accounts  AccountStore
	secondary services.Secondary
	opts      MaintenanceOpts
	logger    *log.Logger
}

// NewMaintenance creates a [Maintenance] runner.
func NewMaintenance(accounts AccountStore, secondary services.Secondary, opts MaintenanceOpts, logger *log.Logger) *Maintenance {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 5
	}
	if opts.NumWorkers > 10 {
		opts.NumWorkers = 10
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5.0
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Maintenance{
		accounts:  accounts,
		secondary: secondary,
		opts:      opts,
		logger:    shared.WithLogger(logger, "component", "maintenance"),
	}
}

// Refetch issues API keys for stored accounts that lack one. A non-empty emails list narrows the set.
func (m *Maintenance) Refetch(ctx context.Context, progress chan<- ProgressUpdate, emails []string) (*MaintenanceResult, error) {
	targets, err := m.targets(ctx, repositories.ListOptions{MissingKey: true}, emails)
	if err != nil {
		return nil, err
	}
	sendProgress(progress, loadedAccountsUpdate(Refetch, len(targets)))

	return m.run(ctx, progress, Refetch, targets, func(ctx context.Context, a *models.Account) error {
		session, ok := m.secondary.Authenticate(ctx, a.Token)
		if !ok {
			return fmt.Errorf("%w: secondary login", shared.ErrEnrichmentFailed)
		}
		org, project, ok := m.secondary.ResolveOrganization(ctx, session)
		if !ok {
			return fmt.Errorf("%w: organization lookup", shared.ErrEnrichmentFailed)
		}
		key, ok := m.secondary.IssueCredential(ctx, session, org, project)
		if !ok {
			return fmt.Errorf("%w: api key issuance", shared.ErrEnrichmentFailed)
		}
		return m.accounts.UpdateCredential(ctx, a.Email, key)
	}), nil
}

// Check logs in with each account's token and records it as active or inactive. A non-empty emails list
// narrows the set. An inactive account counts as failed.
func (m *Maintenance) Check(ctx context.Context, progress chan<- ProgressUpdate, emails []string) (*MaintenanceResult, error) {
	targets, err := m.targets(ctx, repositories.ListOptions{}, emails)
	if err != nil {
		return nil, err
	}
	sendProgress(progress, loadedAccountsUpdate(Check, len(targets)))

	return m.run(ctx, progress, Check, targets, func(ctx context.Context, a *models.Account) error {
		_, ok := m.secondary.Authenticate(ctx, a.Token)
		status := models.StatusActive
		if !ok {
			status = models.StatusInactive
		}
		if err := m.accounts.UpdateStatus(ctx, a.Email, status); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("token rejected, marked %s", status)
		}
		return nil
	}), nil
}

// Prune deletes every account marked inactive.
func (m *Maintenance) Prune(ctx context.Context, progress chan<- ProgressUpdate) (int64, error) {
	n, err := m.accounts.DeleteByStatus(ctx, models.StatusInactive)
	if err != nil {
		return 0, err
	}
	sendProgress(progress, pruneUpdate(n))
	m.logger.Info("pruned inactive accounts", "count", n)
	return n, nil
}

func (m *Maintenance) targets(ctx context.Context, opts repositories.ListOptions, emails []string) ([]*models.Account, error) {
	accounts, err := m.accounts.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return accounts, nil
	}

	want := make(map[string]bool, len(emails))
	for _, e := range emails {
		want[e] = true
	}
	filtered := accounts[:0]
	for _, a := range accounts {
		if want[a.Email] {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// run processes accounts with a rate-limited worker pool.
func (m *Maintenance) run(
	ctx context.Context,
	progress chan<- ProgressUpdate,
	phase Phase,
	accounts []*models.Account,
	fn func(ctx context.Context, a *models.Account) error,
) *MaintenanceResult {
	result := &MaintenanceResult{Total: len(accounts), Results: make([]AccountResult, 0, len(accounts))}
	limiter := rate.NewLimiter(rate.Limit(m.opts.RateLimit), 1)

	jobs := make(chan *models.Account)
	results := make(chan AccountResult, len(accounts))

	var wg sync.WaitGroup
	for i := 0; i < m.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				if err := limiter.Wait(ctx); err != nil {
					results <- AccountResult{Email: a.Email, Err: err}
					continue
				}
				results <- AccountResult{Email: a.Email, Err: fn(ctx, a)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, a := range accounts {
			select {
			case <-ctx.Done():
				return
			case jobs <- a:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		result.Results = append(result.Results, res)
		if res.Err == nil {
			result.Succeeded++
		} else {
			result.Failed++
			if !errors.Is(res.Err, context.Canceled) {
				m.logger.Warn(phase.String()+" failed", "email", res.Email, "error", res.Err)
			}
		}
		sendProgress(progress, resultUpdate(phase, len(result.Results), result.Total, res))
	}

	m.logger.Info(phase.String()+" finished", "total", result.Total, "succeeded", result.Succeeded, "failed", result.Failed)
	return result
}
