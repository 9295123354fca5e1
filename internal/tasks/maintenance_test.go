package tasks

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/shared"
)

func seedAccounts(t *testing.T, store *memAccounts, accounts ...*models.Account) {
	t.Helper()
	for _, a := range accounts {
		if err := store.SaveOne(context.Background(), a); err != nil {
			t.Fatalf("seed %s: %v", a.Email, err)
		}
	}
}

func newTestMaintenance(store AccountStore, secondary *fakeSecondary) *Maintenance {
	return NewMaintenance(store, secondary, MaintenanceOpts{NumWorkers: 3, RateLimit: 1000}, shared.NewLogger(io.Discard))
}

func drain(progress chan ProgressUpdate) (<-chan []ProgressUpdate, func()) {
	out := make(chan []ProgressUpdate, 1)
	go func() {
		var got []ProgressUpdate
		for u := range progress {
			got = append(got, u)
		}
		out <- got
	}()
	return out, func() { close(progress) }
}

func TestMaintenance(t *testing.T) {
	ctx := context.Background()

	t.Run("Refetch Backfills Missing Keys", func(t *testing.T) {
		store := newMemAccounts()
		seedAccounts(t, store,
			models.NewAccount("a@mail.example", "pw", "tok-a", ""),
			models.NewAccount("b@mail.example", "pw", "tok-b", ""),
			models.NewAccount("c@mail.example", "pw", "tok-c", "existing"),
		)
		secondary := &fakeSecondary{}

		progress := make(chan ProgressUpdate, 100)
		updates, done := drain(progress)
		result, err := newTestMaintenance(store, secondary).Refetch(ctx, progress, nil)
		done()
		if err != nil {
			t.Fatalf("Refetch() error = %v", err)
		}

		if result.Total != 2 || result.Succeeded != 2 || result.Failed != 0 {
			t.Errorf("unexpected result %+v", result)
		}
		for _, email := range []string{"a@mail.example", "b@mail.example"} {
			a := store.get(email)
			if a.APIKey != "ak.sk" || a.Enrichment != models.EnrichmentComplete {
				t.Errorf("expected %s to be backfilled, got %+v", email, a)
			}
		}
		if store.get("c@mail.example").APIKey != "existing" {
			t.Error("expected existing key to be untouched")
		}

		got := <-updates
		if len(got) != 3 || got[0].Phase != LoadAccounts {
			t.Errorf("expected load update plus one per account, got %+v", got)
		}
		if !strings.Contains(got[len(got)-1].Message, "[2/2] ✓") {
			t.Errorf("unexpected final message %q", got[len(got)-1].Message)
		}
	})

	t.Run("Refetch Narrowed By Email", func(t *testing.T) {
		store := newMemAccounts()
		seedAccounts(t, store,
			models.NewAccount("a@mail.example", "pw", "tok-a", ""),
			models.NewAccount("b@mail.example", "pw", "tok-b", ""),
		)

		result, err := newTestMaintenance(store, &fakeSecondary{}).Refetch(ctx, nil, []string{"b@mail.example"})
		if err != nil {
			t.Fatalf("Refetch() error = %v", err)
		}
		if result.Total != 1 || store.get("a@mail.example").APIKey != "" {
			t.Errorf("expected only b to be refetched, got %+v", result)
		}
	})

	t.Run("Refetch Failures", func(t *testing.T) {
		tests := []struct {
			name      string
			secondary *fakeSecondary
		}{
			{"login rejected", &fakeSecondary{failLogin: true}},
			{"no organization", &fakeSecondary{failOrg: true}},
			{"key refused", &fakeSecondary{failKey: true}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				store := newMemAccounts()
				seedAccounts(t, store, models.NewAccount("a@mail.example", "pw", "tok-a", ""))

				result, err := newTestMaintenance(store, tt.secondary).Refetch(ctx, nil, nil)
				if err != nil {
					t.Fatalf("Refetch() error = %v", err)
				}
				if result.Failed != 1 || !errors.Is(result.Results[0].Err, shared.ErrEnrichmentFailed) {
					t.Errorf("expected enrichment failure, got %+v", result.Results)
				}
				if store.get("a@mail.example").APIKey != "" {
					t.Error("expected key to stay empty")
				}
			})
		}
	})

	t.Run("Check Marks Liveness", func(t *testing.T) {
		store := newMemAccounts()
		seedAccounts(t, store,
			models.NewAccount("live@mail.example", "pw", "tok", "key"),
			models.NewAccount("dead@mail.example", "pw", "", ""),
		)

		result, err := newTestMaintenance(store, &fakeSecondary{}).Check(ctx, nil, nil)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if result.Succeeded != 1 || result.Failed != 1 {
			t.Errorf("expected one active and one inactive, got %+v", result)
		}
		if s := store.get("live@mail.example").Status; s != models.StatusActive {
			t.Errorf("expected active, got %s", s)
		}
		if s := store.get("dead@mail.example").Status; s != models.StatusInactive {
			t.Errorf("expected inactive, got %s", s)
		}
	})

	t.Run("Prune Removes Inactive", func(t *testing.T) {
		store := newMemAccounts()
		seedAccounts(t, store,
			models.NewAccount("live@mail.example", "pw", "tok", "key"),
			models.NewAccount("dead@mail.example", "pw", "", ""),
		)
		m := newTestMaintenance(store, &fakeSecondary{})
		if _, err := m.Check(ctx, nil, nil); err != nil {
			t.Fatalf("Check() error = %v", err)
		}

		progress := make(chan ProgressUpdate, 10)
		n, err := m.Prune(ctx, progress)
		if err != nil {
			t.Fatalf("Prune() error = %v", err)
		}
		if n != 1 || store.Len() != 1 || store.get("live@mail.example") == nil {
			t.Errorf("expected only the inactive account removed, got n=%d len=%d", n, store.Len())
		}
		if u := <-progress; u.Phase != Prune || !strings.Contains(u.Message, "Removed 1") {
			t.Errorf("unexpected prune update %+v", u)
		}
	})

	t.Run("Store Errors Propagate", func(t *testing.T) {
		m := newTestMaintenance(&failingStore{err: errors.New("db down")}, &fakeSecondary{})
		if _, err := m.Refetch(ctx, nil, nil); err == nil {
			t.Error("expected Refetch to fail")
		}
		if _, err := m.Check(ctx, nil, nil); err == nil {
			t.Error("expected Check to fail")
		}
		if _, err := m.Prune(ctx, nil); err == nil {
			t.Error("expected Prune to fail")
		}
	})

	t.Run("Cancelled Context", func(t *testing.T) {
		store := newMemAccounts()
		for _, email := range []string{"a", "b", "c", "d"} {
			seedAccounts(t, store, models.NewAccount(email+"@mail.example", "pw", "tok", ""))
		}
		m := NewMaintenance(store, &fakeSecondary{}, MaintenanceOpts{NumWorkers: 1, RateLimit: 1}, shared.NewLogger(io.Discard))

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		result, err := m.Refetch(cctx, nil, nil)
		if err != nil {
			t.Fatalf("Refetch() error = %v", err)
		}
		if result.Succeeded == result.Total {
			t.Errorf("expected cancellation to cut the run short, got %+v", result)
		}
	})

	t.Run("Worker Bounds", func(t *testing.T) {
		tests := []struct {
			name     string
			workers  int
			expected int
		}{
			{"default workers (0 -> 5)", 0, 5},
			{"negative workers (-1 -> 5)", -1, 5},
			{"max workers (15 -> 10)", 15, 10},
			{"valid workers (3)", 3, 3},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m := NewMaintenance(newMemAccounts(), &fakeSecondary{}, MaintenanceOpts{NumWorkers: tt.workers}, nil)
				if m.opts.NumWorkers != tt.expected {
					t.Errorf("NumWorkers = %d, want %d", m.opts.NumWorkers, tt.expected)
				}
				if m.opts.RateLimit != 5.0 {
					t.Errorf("RateLimit = %v, want 5", m.opts.RateLimit)
				}
			})
		}
	})
}

type failingStore struct{ err error }

func (f *failingStore) List(ctx context.Context, opts repositories.ListOptions) ([]*models.Account, error) {
	return nil, f.err
}

func (f *failingStore) UpdateCredential(ctx context.Context, email, apiKey string) error { return f.err }

func (f *failingStore) UpdateStatus(ctx context.Context, email string, status models.Status) error {
	return f.err
}

func (f *failingStore) DeleteByStatus(ctx context.Context, status models.Status) (int64, error) {
	return 0, f.err
}
