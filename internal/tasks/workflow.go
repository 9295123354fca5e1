package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
)

// maxCredentialAttempts bounds how often a generated mailbox may collide with a stored one.
const maxCredentialAttempts = 5

// DefaultRetryDelay separates retried signup submissions.
const DefaultRetryDelay = 2 * time.Second

// AccountWriter stores a single account.
type AccountWriter interface {
	SaveOne(ctx context.Context, a *models.Account) error
}

// Deduper reports whether an identifier is already stored.
type Deduper interface {
	Contains(ctx context.Context, id string) (bool, error)
}

// Deps are the collaborators shared by every workflow of a batch.
type Deps struct {
	Identity   services.Identity
	Inbox      services.Inbox
	Secondary  services.Secondary
	Accounts   AccountWriter
	Dedup      Deduper
	Publisher  events.Publisher
	Domains    []string
	Generate   func(domains []string) (services.Credentials, error) // nil uses services.NewCredentials
	Marker     string
	Strategies []LinkStrategy // nil uses DefaultLinkStrategies
	RetryDelay time.Duration  // zero uses DefaultRetryDelay
	Logger     *log.Logger
}

// Outcome is the settled result of one [Workflow].
//
// State is either [models.StatePersisted] or [models.StateFailed]. Err holds the rejection reason of a
// failed workflow. A persisted workflow may still carry Degraded, the enrichment step that failed, and
// WriteErr, the storage failure that kept the record out of the store.
type Outcome struct {
	State    models.WorkflowState
	Email    string
	Account  *models.Account
	Stored   bool
	Err      error
	Degraded error
	WriteErr error
}

// Persisted reports whether the workflow reached the token and counts as a success.
func (o Outcome) Persisted() bool {
	return o.State == models.StatePersisted
}

// Workflow drives one account from signup to a stored record.
type Workflow struct {
	deps     Deps
	settings shared.Settings
	stop     StopFlag
	poller   *VerificationPoller
	logger   *log.Logger

	state   models.WorkflowState
	history []models.WorkflowState
}

// NewWorkflow creates a [Workflow] that consults stop at every step before the token is acquired.
func NewWorkflow(deps Deps, settings shared.Settings, stop StopFlag) *Workflow {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = shared.NewLogger(nil)
	}
	if deps.Strategies == nil {
		deps.Strategies = DefaultLinkStrategies
	}
	if deps.Generate == nil {
		deps.Generate = services.NewCredentials
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = DefaultRetryDelay
	}
	if stop == nil {
		stop = neverStop{}
	}

	return &Workflow{
		deps:     deps,
		settings: settings,
		stop:     stop,
		poller:   NewVerificationPoller(deps.Inbox, deps.Marker, stop, deps.Publisher, deps.Logger),
		logger:   shared.WithLogger(deps.Logger, "component", "workflow"),
		state:    models.StateInitiated,
		history:  []models.WorkflowState{models.StateInitiated},
	}
}

// States returns every state the workflow has entered, in order.
func (w *Workflow) States() []models.WorkflowState {
	return append([]models.WorkflowState(nil), w.history...)
}

func (w *Workflow) enter(to models.WorkflowState) {
	if err := models.ValidateTransition(w.state, to); err != nil {
		w.logger.Error("workflow state machine violated", "error", err)
	}
	w.state = to
	w.history = append(w.history, to)
}

func (w *Workflow) stopped(ctx context.Context) bool {
	return w.stop.Load() || ctx.Err() != nil
}

func (w *Workflow) publish(level events.Level, email, msg string) {
	e := events.New(level, msg)
	e.Identifier = email
	w.deps.Publisher.Publish(e)
}

func (w *Workflow) reject(email string, reason error) Outcome {
	w.enter(models.StateFailed)
	if errors.Is(reason, shared.ErrCancelled) {
		w.publish(events.LevelWarning, email, fmt.Sprintf("stopped: %s", email))
	} else {
		w.publish(events.LevelError, email, fmt.Sprintf("failed: %s: %v", email, reason))
	}
	w.logger.Warn("workflow rejected", "email", email, "error", reason)
	return Outcome{State: models.StateFailed, Email: email, Err: reason}
}

// Run executes the workflow. It never returns a failed outcome once a token has been acquired.
func (w *Workflow) Run(ctx context.Context) Outcome {
	creds, err := w.credentials(ctx)
	if err != nil {
		return w.reject("", err)
	}

	start := events.Info(fmt.Sprintf("start: %s", creds.Email))
	start.Identifier = creds.Email
	if l, ok := w.deps.Inbox.(interface{ LookupURL(string) string }); ok {
		start.Link = l.LookupURL(creds.Email)
	}
	w.deps.Publisher.Publish(start)

	if w.stopped(ctx) {
		return w.reject(creds.Email, shared.ErrCancelled)
	}
	if err := w.submit(ctx, creds); err != nil {
		return w.reject(creds.Email, err)
	}
	w.enter(models.StateSubmitted)

	if w.stopped(ctx) {
		return w.reject(creds.Email, shared.ErrCancelled)
	}
	w.enter(models.StateAwaitingVerification)
	body, ok := w.poller.Await(ctx, creds.Email, w.settings.PollTimeout(), w.settings.PollInterval())
	if !ok {
		if w.stopped(ctx) {
			return w.reject(creds.Email, shared.ErrCancelled)
		}
		return w.reject(creds.Email, fmt.Errorf("%w after %s", shared.ErrVerificationTimeout, w.settings.PollTimeout()))
	}

	link, strategy, ok := ExtractLink(body, w.deps.Strategies)
	if !ok {
		return w.reject(creds.Email, shared.ErrLinkNotFound)
	}
	verification, err := ParseVerification(link)
	if err != nil {
		return w.reject(creds.Email, err)
	}
	w.logger.Debug("verification link extracted", "email", creds.Email, "strategy", strategy)
	w.enter(models.StateLinkExtracted)

	if w.stopped(ctx) {
		return w.reject(creds.Email, shared.ErrCancelled)
	}
	token, err := w.finish(ctx, creds, verification)
	if errors.Is(err, shared.ErrNoToken) {
		w.enter(models.StateFinalized)
		return w.reject(creds.Email, err)
	}
	if err != nil {
		return w.reject(creds.Email, err)
	}
	w.enter(models.StateFinalized)
	w.enter(models.StateTokenAcquired)
	w.publish(events.LevelSuccess, creds.Email, fmt.Sprintf("token acquired: %s", creds.Email))

	return w.enrich(ctx, creds, token)
}

// credentials generates a mailbox that the store does not know yet.
func (w *Workflow) credentials(ctx context.Context) (services.Credentials, error) {
	for range maxCredentialAttempts {
		creds, err := w.deps.Generate(w.deps.Domains)
		if err != nil {
			return services.Credentials{}, fmt.Errorf("%w: %v", shared.ErrInvalidConfig, err)
		}
		if !w.known(ctx, creds.Email) {
			return creds, nil
		}
		w.logger.Debug("generated mailbox already stored, retrying", "email", creds.Email)
	}
	return services.Credentials{}, fmt.Errorf("%w: no unused mailbox after %d attempts", shared.ErrDuplicate, maxCredentialAttempts)
}

func (w *Workflow) known(ctx context.Context, email string) bool {
	if w.deps.Dedup == nil {
		return false
	}
	hit, err := w.deps.Dedup.Contains(ctx, email)
	if err != nil {
		w.logger.Warn("dedup lookup failed", "email", email, "error", err)
		return false
	}
	return hit
}

// submit posts the signup, retrying transport failures up to RetryTimes attempts in total.
func (w *Workflow) submit(ctx context.Context, creds services.Credentials) error {
	attempts := max(w.settings.RetryTimes, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = w.signup(ctx, creds); err == nil {
			return nil
		}
		if !errors.Is(err, shared.ErrServiceUnavailable) || attempt == attempts {
			break
		}

		w.publish(events.LevelWarning, creds.Email, fmt.Sprintf("retry %d/%d: %v", attempt, attempts, err))
		select {
		case <-ctx.Done():
			return shared.ErrCancelled
		case <-time.After(w.deps.RetryDelay):
		}
		if w.stop.Load() {
			return shared.ErrCancelled
		}
	}
	return err
}

// callTimeout bounds one identity call with the batch's http_timeout.
func (w *Workflow) callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := w.settings.RequestTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (w *Workflow) signup(ctx context.Context, creds services.Credentials) error {
	ctx, cancel := w.callTimeout(ctx)
	defer cancel()
	return w.deps.Identity.Signup(ctx, creds)
}

func (w *Workflow) finish(ctx context.Context, creds services.Credentials, v services.Verification) (string, error) {
	ctx, cancel := w.callTimeout(ctx)
	defer cancel()
	return w.deps.Identity.FinishSignup(ctx, creds, v)
}

// enrich runs the optional secondary chain and always persists. Stops are ignored from here on.
func (w *Workflow) enrich(ctx context.Context, creds services.Credentials, token string) Outcome {
	if w.settings.SkipAPIKey {
		return w.persist(ctx, creds, token, "", nil)
	}

	session, ok := w.deps.Secondary.Authenticate(ctx, token)
	if !ok {
		return w.persist(ctx, creds, token, "", fmt.Errorf("%w: secondary login", shared.ErrEnrichmentFailed))
	}
	w.enter(models.StateSecondaryAuthenticated)

	org, project, ok := w.deps.Secondary.ResolveOrganization(ctx, session)
	if !ok {
		return w.persist(ctx, creds, token, "", fmt.Errorf("%w: organization lookup", shared.ErrEnrichmentFailed))
	}
	w.enter(models.StateOrganizationResolved)

	key, ok := w.deps.Secondary.IssueCredential(ctx, session, org, project)
	if !ok {
		return w.persist(ctx, creds, token, "", fmt.Errorf("%w: api key issuance", shared.ErrEnrichmentFailed))
	}
	w.enter(models.StateCredentialIssued)

	return w.persist(ctx, creds, token, key, nil)
}

// persist writes the record unless the dedup cache already knows it. The write outlives ctx cancellation.
func (w *Workflow) persist(ctx context.Context, creds services.Credentials, token, key string, degraded error) Outcome {
	ctx = context.WithoutCancel(ctx)
	account := models.NewAccount(creds.Email, creds.Password, token, key)
	out := Outcome{State: models.StatePersisted, Email: creds.Email, Account: account, Degraded: degraded}

	if w.known(ctx, creds.Email) {
		w.logger.Info("account already stored, skipping write", "email", creds.Email)
		w.publish(events.LevelWarning, creds.Email, fmt.Sprintf("already stored: %s", creds.Email))
	} else if err := w.deps.Accounts.SaveOne(ctx, account); err != nil {
		out.WriteErr = err
		w.logger.Error("account write failed", "email", creds.Email, "error", err)
		w.publish(events.LevelError, creds.Email, fmt.Sprintf("save failed: %s: %v", creds.Email, err))
	} else {
		out.Stored = true
	}
	w.enter(models.StatePersisted)

	var e events.Event
	switch {
	case w.settings.SkipAPIKey:
		e = events.Success(fmt.Sprintf("done (fast mode, key later): %s", creds.Email))
	case degraded != nil:
		e = events.Warn(fmt.Sprintf("done without key (%v): %s", degraded, creds.Email))
	default:
		e = events.Success(fmt.Sprintf("done with key: %s", creds.Email))
	}
	e.Kind = events.KindAccountAdded
	e.Identifier = creds.Email
	w.deps.Publisher.Publish(e)

	return out
}
