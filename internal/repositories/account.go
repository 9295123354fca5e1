package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/shared"
)

// Invalidator is notified after every successful write.
type Invalidator interface {
	Invalidate()
}

// AccountRepository persists [models.Account] records.
//
// It does not check identifiers for uniqueness before writing; callers consult a [DedupCache] first and the
// UNIQUE constraint on email rejects anything that slips through.
type AccountRepository struct {
	db        *sql.DB
	logger    *log.Logger
	batchSize int
	caches    []Invalidator
}

// NewAccountRepository creates a new [AccountRepository] with the given database connection
func NewAccountRepository(db *sql.DB, logger *log.Logger) *AccountRepository {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &AccountRepository{
		db:        db,
		logger:    shared.WithLogger(logger, "component", "accounts"),
		batchSize: shared.MaxBatchSize,
	}
}

// WithCache registers c to be invalidated after writes and returns the repository.
func (r *AccountRepository) WithCache(c Invalidator) *AccountRepository {
	r.caches = append(r.caches, c)
	return r
}

// SetBatchSize bounds the number of records per atomic write, clamped to [1, shared.MaxBatchSize].
func (r *AccountRepository) SetBatchSize(n int) {
	r.batchSize = max(1, min(n, shared.MaxBatchSize))
}

func (r *AccountRepository) invalidate() {
	for _, c := range r.caches {
		c.Invalidate()
	}
}

const insertAccount = `
	INSERT INTO accounts (id, email, password, token, api_key, enrichment, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *AccountRepository) insert(ctx context.Context, ex execer, a *models.Account) error {
	if a.ID == "" {
		a.ID = shared.GenerateID()
	}
	if a.Status == "" {
		a.Status = models.StatusUnknown
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	_, err := ex.ExecContext(ctx, insertAccount,
		a.ID, a.Email, a.Password, a.Token, a.APIKey, string(a.Enrichment), string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", a.Email, classify(err))
	}
	return nil
}

// SaveOne writes a single account.
func (r *AccountRepository) SaveOne(ctx context.Context, a *models.Account) error {
	if err := r.insert(ctx, r.db, a); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// SaveBatch writes accounts in atomic chunks of at most the configured batch size.
//
// When a chunk's transaction fails, each of its records is retried with [AccountRepository.SaveOne]; individual
// failures are logged and joined into the returned error without stopping the remaining records.
// The returned count is the number of records actually stored.
func (r *AccountRepository) SaveBatch(ctx context.Context, accounts []*models.Account) (int, error) {
	saved := 0
	var errs []error

	for _, group := range chunk(accounts, r.batchSize) {
		err := withTx(ctx, r.db, func(tx *sql.Tx) error {
			for _, a := range group {
				if err := r.insert(ctx, tx, a); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			saved += len(group)
			r.invalidate()
			continue
		}

		r.logger.Warn("batch write failed, falling back to single writes", "size", len(group), "error", err)
		for _, a := range group {
			if err := r.SaveOne(ctx, a); err != nil {
				r.logger.Error("account write failed", "email", a.Email, "error", err)
				errs = append(errs, err)
				continue
			}
			saved++
		}
	}

	return saved, errors.Join(errs...)
}

const accountColumns = `id, email, password, token, api_key, enrichment, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var (
		a          models.Account
		enrichment string
		status     string
	)
	if err := row.Scan(&a.ID, &a.Email, &a.Password, &a.Token, &a.APIKey, &enrichment, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Enrichment = models.Enrichment(enrichment)
	a.Status = models.Status(status)
	return &a, nil
}

// Get retrieves an account by email.
func (r *AccountRepository) Get(ctx context.Context, email string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE email = ?", email)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrAccountNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

// ListOptions filters [AccountRepository.List].
type ListOptions struct {
	Prefix     string        // email prefix
	Status     models.Status // empty matches all
	MissingKey bool          // only accounts without an API key
	Limit      int           // 0 means no limit
	Offset     int
}

// List returns accounts matching opts, newest first.
func (r *AccountRepository) List(ctx context.Context, opts ListOptions) ([]*models.Account, error) {
	var (
		where []string
		args  []any
	)
	if opts.Prefix != "" {
		where = append(where, "email LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(opts.Prefix)+"%")
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.MissingKey {
		where = append(where, "api_key = ''")
	}

	query := "SELECT " + accountColumns + " FROM accounts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, email"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListIdentifiers returns every stored email.
func (r *AccountRepository) ListIdentifiers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT email FROM accounts")
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		ids = append(ids, email)
	}
	return ids, rows.Err()
}

// UpdateCredential backfills the API key of an existing account and marks it complete.
func (r *AccountRepository) UpdateCredential(ctx context.Context, email, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("%w: api key is empty", shared.ErrInvalidArgument)
	}
	return r.update(ctx, email,
		"UPDATE accounts SET api_key = ?, enrichment = ?, updated_at = ? WHERE email = ?",
		apiKey, string(models.EnrichmentComplete), time.Now(), email,
	)
}

// UpdateStatus records the result of a liveness check.
func (r *AccountRepository) UpdateStatus(ctx context.Context, email string, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", shared.ErrInvalidArgument, status)
	}
	return r.update(ctx, email,
		"UPDATE accounts SET status = ?, updated_at = ? WHERE email = ?",
		string(status), time.Now(), email,
	)
}

func (r *AccountRepository) update(ctx context.Context, email, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", classify(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", shared.ErrAccountNotFound, email)
	}

	r.invalidate()
	return nil
}

// Delete removes an account by email.
func (r *AccountRepository) Delete(ctx context.Context, email string) error {
	return r.update(ctx, email, "DELETE FROM accounts WHERE email = ?", email)
}

// DeleteByStatus removes every account with the given status and returns how many were removed.
func (r *AccountRepository) DeleteByStatus(ctx context.Context, status models.Status) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE status = ?", string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to delete accounts: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n > 0 {
		r.invalidate()
	}
	return n, nil
}

// Stats aggregates stored accounts by key presence and liveness status.
func (r *AccountRepository) Stats(ctx context.Context) (*models.AccountStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN api_key != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'inactive' THEN 1 ELSE 0 END), 0)
		FROM accounts
	`

	var stats models.AccountStats
	if err := r.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.WithKey, &stats.Active, &stats.Inactive); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	stats.WithoutKey = stats.Total - stats.WithKey
	stats.Unknown = stats.Total - stats.Active - stats.Inactive
	return &stats, nil
}
