package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The database and everything built on it are opened on first use.
type Runner struct {
	config     *shared.Config
	configPath string
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer

	db           *sql.DB
	accounts     *repositories.AccountRepository
	dedup        *repositories.DedupCache
	settings     *repositories.SettingsRepository
	snapshots    *repositories.SnapshotRepository
	bus          *events.Bus
	secondary    *services.SecondaryService
	orchestrator *tasks.Orchestrator
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	DB         *sql.DB // optional, opened from Config.Database when nil
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
		db:         opts.DB,
	}
}

// SetLogger replaces the runner's logger. Components already wired keep the previous one.
func (r *Runner) SetLogger(l *log.Logger) {
	r.logger = l
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, registerCommand, accountsCommand, configCommand, serveCommand, migrateCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// openDB opens the configured database without touching its schema.
func (r *Runner) openDB() (*sql.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)
	r.db = db
	return db, nil
}

// init opens the database, applies pending migrations and wires the pipeline on first use.
func (r *Runner) init(ctx context.Context) error {
	if r.orchestrator != nil {
		return nil
	}

	db, err := r.openDB()
	if err != nil {
		return err
	}
	if err := shared.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	cfg := r.config
	r.accounts = repositories.NewAccountRepository(db, r.logger)
	r.dedup = repositories.NewDedupCache(r.accounts, repositories.DefaultDedupTTL)
	r.accounts.WithCache(r.dedup)
	r.settings = repositories.NewSettingsRepository(db, cfg.Register)
	r.snapshots = repositories.NewSnapshotRepository(db, repositories.DefaultSnapshotTTL)

	r.bus = events.NewBus(events.Options{Store: r.snapshots, Logger: r.logger})
	if entries, err := r.snapshots.LoadSnapshot(ctx); err != nil {
		r.logger.Warn("failed to restore event log", "error", err)
	} else {
		r.bus.Restore(entries)
	}

	// per-call deadlines come from each batch's stored settings
	identity := services.NewIdentityService(cfg.Endpoints.IdentityURL, r.httpClient, 0, r.logger)
	inbox := services.NewInboxService(cfg.Endpoints.InboxURL, r.httpClient)
	r.secondary = services.NewSecondaryService(cfg.Endpoints.SecondaryURL, r.httpClient, r.bus, r.logger)

	r.orchestrator = tasks.NewOrchestrator(tasks.OrchestratorOpts{
		Deps: tasks.Deps{
			Identity:  identity,
			Inbox:     inbox,
			Secondary: r.secondary,
			Accounts:  r.accounts,
			Dedup:     r.dedup,
			Publisher: r.bus,
			Domains:   cfg.Endpoints.EmailDomains,
			Marker:    cfg.Endpoints.SenderMarker,
			Logger:    r.logger,
		},
		Settings: r.settings,
		Defaults: cfg.Register,
		Bus:      r.bus,
		Notifier: services.NewNotifier(cfg.Notify.PushPlusURL, r.httpClient),
		Logger:   r.logger,
	})
	return nil
}

// Close flushes the event log and closes the database. It is safe to call more than once.
func (r *Runner) Close() error {
	var errs []error
	if r.bus != nil {
		errs = append(errs, r.bus.Close())
		r.bus = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	r.orchestrator = nil
	return errors.Join(errs...)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
