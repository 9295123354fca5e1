package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/tasks"
)

// BatchController is the part of [tasks.Orchestrator] the API drives.
type BatchController interface {
	Start(ctx context.Context, count, concurrency int) error
	Stop() error
	Status() tasks.Status
}

// SettingsStore reads and writes runtime settings.
type SettingsStore interface {
	Get(ctx context.Context) (shared.Settings, error)
	Put(ctx context.Context, settings shared.Settings) error
}

// AccountReader lists stored accounts.
type AccountReader interface {
	List(ctx context.Context, opts repositories.ListOptions) ([]*models.Account, error)
	Stats(ctx context.Context) (*models.AccountStats, error)
}

// ControlAPI serves the batch, settings and account endpoints.
type ControlAPI struct {
	batch    BatchController
	settings SettingsStore
	accounts AccountReader
	logger   *log.Logger
}

// NewControlAPI creates a [ControlAPI].
func NewControlAPI(batch BatchController, settings SettingsStore, accounts AccountReader, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &ControlAPI{
		batch:    batch,
		settings: settings,
		accounts: accounts,
		logger:   shared.WithLogger(logger, "component", "api"),
	}
}

// Register adds the control routes to r.
func (a *ControlAPI) Register(r Router) {
	r.Handle(http.MethodPost, "/api/register/start", http.HandlerFunc(a.start))
	r.Handle(http.MethodPost, "/api/register/stop", http.HandlerFunc(a.stop))
	r.Handle(http.MethodGet, "/api/register/status", http.HandlerFunc(a.status))
	r.Handle(http.MethodGet, "/api/config", http.HandlerFunc(a.getConfig))
	r.Handle(http.MethodPut, "/api/config", http.HandlerFunc(a.putConfig))
	r.Handle(http.MethodGet, "/api/accounts", http.HandlerFunc(a.listAccounts))
	r.Handle(http.MethodGet, "/api/accounts/stats", http.HandlerFunc(a.stats))
}

// StartRequest is the body of POST /api/register/start. Zero concurrency uses the stored setting.
type StartRequest struct {
	Count       int `json:"count"`
	Concurrency int `json:"concurrency"`
}

func (a *ControlAPI) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err))
		return
	}
	if err := a.batch.Start(r.Context(), req.Count, req.Concurrency); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("batch started via api", "count", req.Count, "concurrency", req.Concurrency)
	writeJSON(w, http.StatusAccepted, a.batch.Status())
}

func (a *ControlAPI) stop(w http.ResponseWriter, r *http.Request) {
	if err := a.batch.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.batch.Status())
}

func (a *ControlAPI) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.batch.Status())
}

func (a *ControlAPI) getConfig(w http.ResponseWriter, r *http.Request) {
	settings, err := a.settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// putConfig merges the request body over the stored settings, so partial updates are allowed.
func (a *ControlAPI) putConfig(w http.ResponseWriter, r *http.Request) {
	settings, err := a.settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err))
		return
	}
	if err := a.settings.Put(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("settings updated")
	writeJSON(w, http.StatusOK, settings)
}

func (a *ControlAPI) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := repositories.ListOptions{
		Prefix:     q.Get("prefix"),
		Status:     models.Status(q.Get("status")),
		MissingKey: q.Get("missing_key") == "true",
	}
	if opts.Status != "" && !opts.Status.Valid() {
		writeError(w, fmt.Errorf("%w: status %q", shared.ErrInvalidArgument, opts.Status))
		return
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, fmt.Errorf("%w: %s must be a non-negative integer", shared.ErrInvalidArgument, name))
				return
			}
			*dst = n
		}
	}

	accounts, err := a.accounts.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (a *ControlAPI) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.accounts.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
