package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
	tu "github.com/desertthunder/regx/internal/testing"
)

type flakyInbox struct {
	failures int
	calls    atomic.Int32
}

func (f *flakyInbox) Messages(ctx context.Context, email string) ([]services.Message, error) {
	if int(f.calls.Add(1)) <= f.failures {
		return nil, errors.New("connection reset")
	}
	return []services.Message{{From: "noreply@z.ai", Content: "body"}}, nil
}

func TestVerificationPoller(t *testing.T) {
	logger := shared.NewLogger(io.Discard)

	t.Run("Returns Matching Body", func(t *testing.T) {
		inbox := &fakeInbox{sender: "NoReply@Z.AI", body: "the body"}
		p := NewVerificationPoller(inbox, "z.ai", nil, nil, logger)

		body, ok := p.Await(context.Background(), "a@b", time.Second, 10*time.Millisecond)
		if !ok || body != "the body" {
			t.Errorf("expected match, got %q ok=%v", body, ok)
		}
		if inbox.calls.Load() != 1 {
			t.Errorf("expected a single lookup, got %d", inbox.calls.Load())
		}
	})

	t.Run("Times Out Without Match", func(t *testing.T) {
		inbox := &fakeInbox{}
		p := NewVerificationPoller(inbox, "z.ai", nil, nil, logger)

		started := time.Now()
		body, ok := p.Await(context.Background(), "a@b", 60*time.Millisecond, 10*time.Millisecond)
		if ok || body != "" {
			t.Errorf("expected timeout, got %q ok=%v", body, ok)
		}
		if elapsed := time.Since(started); elapsed > time.Second {
			t.Errorf("expected await to respect its budget, took %s", elapsed)
		}
		if inbox.calls.Load() < 2 {
			t.Errorf("expected repeated lookups, got %d", inbox.calls.Load())
		}
	})

	t.Run("Swallows Lookup Errors", func(t *testing.T) {
		inbox := &flakyInbox{failures: 2}
		p := NewVerificationPoller(inbox, "z.ai", nil, nil, logger)

		body, ok := p.Await(context.Background(), "a@b", time.Second, 5*time.Millisecond)
		if !ok || body != "body" {
			t.Errorf("expected match after transient errors, got %q ok=%v", body, ok)
		}
		if inbox.calls.Load() != 3 {
			t.Errorf("expected 3 lookups, got %d", inbox.calls.Load())
		}
	})

	t.Run("Stops On Flag", func(t *testing.T) {
		var stop atomic.Bool
		stop.Store(true)
		inbox := &fakeInbox{sender: "noreply@z.ai"}
		p := NewVerificationPoller(inbox, "z.ai", &stop, nil, logger)

		if _, ok := p.Await(context.Background(), "a@b", time.Second, 10*time.Millisecond); ok {
			t.Error("expected no result after stop")
		}
		if inbox.calls.Load() != 0 {
			t.Errorf("expected no lookups after stop, got %d", inbox.calls.Load())
		}
	})

	t.Run("Stops On Cancelled Context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := NewVerificationPoller(&fakeInbox{sender: "noreply@z.ai"}, "z.ai", nil, nil, logger)

		if _, ok := p.Await(ctx, "a@b", time.Second, 10*time.Millisecond); ok {
			t.Error("expected no result for cancelled context")
		}
	})

	t.Run("Reports Progress On Cadence", func(t *testing.T) {
		rec := &tu.EventRecorder{}
		p := NewVerificationPoller(&fakeInbox{}, "z.ai", nil, rec, logger)
		p.progressEvery = 15 * time.Millisecond

		p.Await(context.Background(), "a@b", 80*time.Millisecond, 5*time.Millisecond)

		n := rec.Count(events.KindProgress, events.LevelInfo)
		if n == 0 || n > 10 {
			t.Errorf("expected a handful of progress events, got %d", n)
		}
		if !rec.Contains("waiting for mail") {
			t.Errorf("expected waiting message, got %+v", rec.Events())
		}
	})
}

func TestWorkflow(t *testing.T) {
	ctx := context.Background()

	fullPath := []models.WorkflowState{
		models.StateInitiated,
		models.StateSubmitted,
		models.StateAwaitingVerification,
		models.StateLinkExtracted,
		models.StateFinalized,
		models.StateTokenAcquired,
		models.StateSecondaryAuthenticated,
		models.StateOrganizationResolved,
		models.StateCredentialIssued,
		models.StatePersisted,
	}

	t.Run("Complete Enrichment", func(t *testing.T) {
		f := newFixture()
		rec := &tu.EventRecorder{}
		deps := f.deps()
		deps.Publisher = rec

		w := NewWorkflow(deps, testSettings(), nil)
		out := w.Run(ctx)

		if !out.Persisted() || !out.Stored || out.Err != nil || out.Degraded != nil {
			t.Fatalf("unexpected outcome %+v", out)
		}
		stored := f.accounts.get(out.Email)
		if stored == nil {
			t.Fatal("expected account to be stored")
		}
		if stored.APIKey != "ak.sk" || stored.Enrichment != models.EnrichmentComplete || stored.Token != "primary-token" {
			t.Errorf("unexpected stored account %+v", stored)
		}
		if !slices.Equal(w.States(), fullPath) {
			t.Errorf("unexpected state path %v", w.States())
		}

		if rec.Count(events.KindAccountAdded, events.LevelSuccess) != 1 {
			t.Errorf("expected one account-added event, got %+v", rec.Events())
		}
		first := rec.Events()[0]
		if !strings.HasPrefix(first.Link, "https://inbox.example/") || first.Identifier != out.Email {
			t.Errorf("expected start event with inbox link, got %+v", first)
		}
	})

	t.Run("Pre-Token Rejections", func(t *testing.T) {
		tests := []struct {
			name    string
			setup   func(f *fixture)
			wantErr error
			path    []models.WorkflowState
		}{
			{
				name:    "Signup Rejected",
				setup:   func(f *fixture) { f.identity.signupErrs = []error{shared.ErrUpstreamRejection} },
				wantErr: shared.ErrUpstreamRejection,
				path:    []models.WorkflowState{models.StateInitiated, models.StateFailed},
			},
			{
				name: "Signup Unavailable After Retries",
				setup: func(f *fixture) {
					err := fmt.Errorf("%w: %w", shared.ErrUpstreamRejection, shared.ErrServiceUnavailable)
					f.identity.signupErrs = []error{err, err, err}
				},
				wantErr: shared.ErrUpstreamRejection,
				path:    []models.WorkflowState{models.StateInitiated, models.StateFailed},
			},
			{
				name:    "Verification Timeout",
				setup:   func(f *fixture) { f.inbox.sender = "" },
				wantErr: shared.ErrVerificationTimeout,
				path: []models.WorkflowState{
					models.StateInitiated, models.StateSubmitted, models.StateAwaitingVerification, models.StateFailed,
				},
			},
			{
				name:    "Link Not Found",
				setup:   func(f *fixture) { f.inbox.body = "Welcome aboard, no link here" },
				wantErr: shared.ErrLinkNotFound,
				path: []models.WorkflowState{
					models.StateInitiated, models.StateSubmitted, models.StateAwaitingVerification, models.StateFailed,
				},
			},
			{
				name:    "Finalization Failed",
				setup:   func(f *fixture) { f.identity.finishErr = shared.ErrFinalizationFailed },
				wantErr: shared.ErrFinalizationFailed,
				path: []models.WorkflowState{
					models.StateInitiated, models.StateSubmitted, models.StateAwaitingVerification,
					models.StateLinkExtracted, models.StateFailed,
				},
			},
			{
				name:    "No Token",
				setup:   func(f *fixture) { f.identity.finishErr = shared.ErrNoToken },
				wantErr: shared.ErrNoToken,
				path: []models.WorkflowState{
					models.StateInitiated, models.StateSubmitted, models.StateAwaitingVerification,
					models.StateLinkExtracted, models.StateFinalized, models.StateFailed,
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture()
				tt.setup(f)

				w := NewWorkflow(f.deps(), testSettings(), nil)
				out := w.Run(ctx)

				if out.Persisted() || out.Account != nil {
					t.Fatalf("expected rejection, got %+v", out)
				}
				if !errors.Is(out.Err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, out.Err)
				}
				if f.accounts.Len() != 0 {
					t.Errorf("expected no record, got %d", f.accounts.Len())
				}
				if !slices.Equal(w.States(), tt.path) {
					t.Errorf("expected path %v, got %v", tt.path, w.States())
				}
				if f.secondary.calls.Load() != 0 {
					t.Error("expected no secondary calls before a token")
				}
			})
		}
	})

	t.Run("Retries Unavailable Signup", func(t *testing.T) {
		f := newFixture()
		f.identity.signupErrs = []error{fmt.Errorf("%w: %w", shared.ErrUpstreamRejection, shared.ErrServiceUnavailable)}

		out := NewWorkflow(f.deps(), testSettings(), nil).Run(ctx)
		if !out.Persisted() {
			t.Fatalf("expected retry to succeed, got %+v", out)
		}
		if signups, _ := f.identity.counts(); signups != 2 {
			t.Errorf("expected 2 signup attempts, got %d", signups)
		}
	})

	t.Run("Stored HTTP Timeout Bounds Identity Calls", func(t *testing.T) {
		settings := testSettings()
		settings.HTTPTimeout = 1
		settings.RetryTimes = 1

		t.Run("Slow Signup Upstream", func(t *testing.T) {
			release := make(chan struct{})
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-release:
				}
			}))
			defer upstream.Close()
			defer close(release)

			f := newFixture()
			deps := f.deps()
			deps.Identity = services.NewIdentityService(upstream.URL, upstream.Client(), 0, shared.NewLogger(io.Discard))

			start := time.Now()
			out := NewWorkflow(deps, settings, nil).Run(ctx)
			if elapsed := time.Since(start); elapsed > 4*time.Second {
				t.Fatalf("expected the stored timeout to cut the call, took %v", elapsed)
			}
			if !errors.Is(out.Err, shared.ErrUpstreamRejection) {
				t.Errorf("expected upstream rejection, got %v", out.Err)
			}
			if f.accounts.Len() != 0 {
				t.Errorf("expected no record, got %d", f.accounts.Len())
			}
		})

		t.Run("Slow Finalization", func(t *testing.T) {
			f := newFixture()
			deps := f.deps()
			deps.Identity = &stallingIdentity{fakeIdentity: f.identity}

			start := time.Now()
			out := NewWorkflow(deps, settings, nil).Run(ctx)
			if elapsed := time.Since(start); elapsed > 4*time.Second {
				t.Fatalf("expected the stored timeout to cut finalization, took %v", elapsed)
			}
			if !errors.Is(out.Err, context.DeadlineExceeded) {
				t.Errorf("expected deadline exceeded, got %v", out.Err)
			}
		})
	})

	t.Run("Degrades To Token Only", func(t *testing.T) {
		tests := []struct {
			name  string
			setup func(s *fakeSecondary)
			last  models.WorkflowState
		}{
			{"Secondary Login Fails", func(s *fakeSecondary) { s.failLogin = true }, models.StateTokenAcquired},
			{"Organization Lookup Fails", func(s *fakeSecondary) { s.failOrg = true }, models.StateSecondaryAuthenticated},
			{"Key Issuance Fails", func(s *fakeSecondary) { s.failKey = true }, models.StateOrganizationResolved},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture()
				tt.setup(f.secondary)

				w := NewWorkflow(f.deps(), testSettings(), nil)
				out := w.Run(ctx)

				if !out.Persisted() || !out.Stored {
					t.Fatalf("expected persisted outcome, got %+v", out)
				}
				if !errors.Is(out.Degraded, shared.ErrEnrichmentFailed) {
					t.Errorf("expected degraded enrichment, got %v", out.Degraded)
				}
				stored := f.accounts.get(out.Email)
				if stored == nil || stored.Enrichment != models.EnrichmentTokenOnly || stored.APIKey != "" {
					t.Errorf("expected token-only record, got %+v", stored)
				}

				states := w.States()
				if states[len(states)-2] != tt.last || states[len(states)-1] != models.StatePersisted {
					t.Errorf("expected %s -> persisted, got %v", tt.last, states)
				}
			})
		}
	})

	t.Run("Fast Mode Skips Enrichment", func(t *testing.T) {
		f := newFixture()
		settings := testSettings()
		settings.SkipAPIKey = true

		out := NewWorkflow(f.deps(), settings, nil).Run(ctx)
		if !out.Persisted() || out.Degraded != nil {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if f.secondary.calls.Load() != 0 {
			t.Errorf("expected no secondary calls, got %d", f.secondary.calls.Load())
		}
		if a := f.accounts.get(out.Email); a == nil || a.Enrichment != models.EnrichmentTokenOnly {
			t.Errorf("expected token-only record, got %+v", a)
		}
	})

	t.Run("Stop Before Start", func(t *testing.T) {
		f := newFixture()
		var stop atomic.Bool
		stop.Store(true)

		out := NewWorkflow(f.deps(), testSettings(), &stop).Run(ctx)
		if !errors.Is(out.Err, shared.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", out.Err)
		}
		if signups, _ := f.identity.counts(); signups != 0 {
			t.Errorf("expected no signup after stop, got %d", signups)
		}
	})

	t.Run("Cancelled Context", func(t *testing.T) {
		f := newFixture()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		out := NewWorkflow(f.deps(), testSettings(), nil).Run(cctx)
		if !errors.Is(out.Err, shared.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", out.Err)
		}
	})

	t.Run("Stop After Token Is Ignored", func(t *testing.T) {
		f := newFixture()
		var stop atomic.Bool
		f.identity.onFinish = func() { stop.Store(true) }

		w := NewWorkflow(f.deps(), testSettings(), &stop)
		out := w.Run(ctx)

		if !out.Persisted() || !out.Stored || out.Degraded != nil {
			t.Fatalf("expected full enrichment despite stop, got %+v", out)
		}
		if !slices.Equal(w.States(), fullPath) {
			t.Errorf("unexpected state path %v", w.States())
		}
	})

	t.Run("Write Failure Still Persisted", func(t *testing.T) {
		f := newFixture()
		f.accounts.err = shared.ErrQuotaExhausted

		out := NewWorkflow(f.deps(), testSettings(), nil).Run(ctx)
		if !out.Persisted() || out.Stored {
			t.Fatalf("expected persisted outcome without a stored record, got %+v", out)
		}
		if !errors.Is(out.WriteErr, shared.ErrQuotaExhausted) {
			t.Errorf("expected quota error, got %v", out.WriteErr)
		}
	})

	t.Run("Dedup Hit Skips Write", func(t *testing.T) {
		f := newFixture()
		deps := f.deps()
		var lookups atomic.Int32
		deps.Dedup = dedupFunc(func(ctx context.Context, id string) (bool, error) {
			return lookups.Add(1) > 1, nil
		})

		out := NewWorkflow(deps, testSettings(), nil).Run(ctx)
		if !out.Persisted() || out.Stored {
			t.Fatalf("expected persisted outcome with skipped write, got %+v", out)
		}
		if f.accounts.Len() != 0 {
			t.Errorf("expected no write, got %d records", f.accounts.Len())
		}
	})

	t.Run("Same Identifier Is Stored Once", func(t *testing.T) {
		db, err := shared.NewDatabase(":memory:")
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		if err := shared.RunMigrations(db); err != nil {
			t.Fatalf("failed to migrate: %v", err)
		}

		repo := repositories.NewAccountRepository(db, shared.NewLogger(io.Discard))
		cache := repositories.NewDedupCache(repo, time.Hour)
		repo.WithCache(cache)

		f := newFixture()
		deps := f.deps()
		deps.Accounts = repo
		deps.Dedup = cache
		deps.Generate = func([]string) (services.Credentials, error) {
			return services.Credentials{Email: "fixed@mail.example", Password: "pw"}, nil
		}

		first := NewWorkflow(deps, testSettings(), nil).Run(ctx)
		second := NewWorkflow(deps, testSettings(), nil).Run(ctx)

		if !first.Stored {
			t.Fatalf("expected first run to store, got %+v", first)
		}
		if second.Persisted() || !errors.Is(second.Err, shared.ErrDuplicate) {
			t.Errorf("expected second run to be rejected as duplicate, got %+v", second)
		}

		ids, err := repo.ListIdentifiers(ctx)
		if err != nil || len(ids) != 1 {
			t.Errorf("expected exactly one stored record, got %v (%v)", ids, err)
		}
	})
}

type dedupFunc func(ctx context.Context, id string) (bool, error)

func (f dedupFunc) Contains(ctx context.Context, id string) (bool, error) { return f(ctx, id) }
