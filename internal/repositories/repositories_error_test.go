package repositories

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/mattn/go-sqlite3"
)

func TestClassify(t *testing.T) {
	tc := []struct {
		name string
		err  error
		want error
	}{
		{name: "disk full", err: sqlite3.Error{Code: sqlite3.ErrFull}, want: shared.ErrQuotaExhausted},
		{name: "unique", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, want: shared.ErrDuplicate},
		{name: "primary key", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, want: shared.ErrDuplicate},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	t.Run("passes through other errors", func(t *testing.T) {
		plain := errors.New("plain")
		if got := classify(plain); got != plain {
			t.Errorf("expected error unchanged, got %v", got)
		}
	})
}

func TestChunk(t *testing.T) {
	tc := []struct {
		n, size int
		want    []int
	}{
		{n: 0, size: 10, want: nil},
		{n: 3, size: 10, want: []int{3}},
		{n: 10, size: 10, want: []int{10}},
		{n: 23, size: 10, want: []int{10, 10, 3}},
		{n: 2, size: 0, want: []int{1, 1}},
	}

	for _, tt := range tc {
		items := make([]int, tt.n)
		got := chunk(items, tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("chunk(%d, %d) produced %d groups, want %d", tt.n, tt.size, len(got), len(tt.want))
			continue
		}
		for i, g := range got {
			if len(g) != tt.want[i] {
				t.Errorf("chunk(%d, %d) group %d has %d items, want %d", tt.n, tt.size, i, len(g), tt.want[i])
			}
		}
	}
}

func TestAccountRepositoryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Closed Database", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewAccountRepository(db, shared.NewLogger(io.Discard))
		db.Close()

		if err := repo.SaveOne(ctx, account(1)); err == nil {
			t.Error("expected SaveOne to fail on closed database")
		}
		saved, err := repo.SaveBatch(ctx, []*models.Account{account(1), account(2)})
		if err == nil || saved != 0 {
			t.Errorf("expected SaveBatch to fail with nothing saved, got %d (%v)", saved, err)
		}
		if _, err := repo.List(ctx, ListOptions{}); err == nil {
			t.Error("expected List to fail on closed database")
		}
		if _, err := repo.Stats(ctx); err == nil {
			t.Error("expected Stats to fail on closed database")
		}
		if _, err := repo.ListIdentifiers(ctx); err == nil {
			t.Error("expected ListIdentifiers to fail on closed database")
		}
	})

	t.Run("Invalid Record In Batch", func(t *testing.T) {
		repo, _ := newTestRepo(t)
		batch := []*models.Account{account(1), models.NewAccount("broken", "pw", "tok", ""), account(2)}

		saved, err := repo.SaveBatch(ctx, batch)
		if !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if saved != 2 {
			t.Errorf("expected the 2 valid records to survive the fallback, got %d", saved)
		}
	})
}
