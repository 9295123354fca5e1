package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/regx/internal/events"
)

const (
	snapshotKey        = "recent"
	DefaultSnapshotTTL = time.Hour
)

// SnapshotRepository implements [events.SnapshotStore] on the log_snapshots table.
type SnapshotRepository struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSnapshotRepository creates a [SnapshotRepository]; snapshots older than ttl are ignored on load.
func NewSnapshotRepository(db *sql.DB, ttl time.Duration) *SnapshotRepository {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotRepository{db: db, ttl: ttl}
}

// SaveSnapshot replaces the stored snapshot with entries.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, entries []events.Event) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO log_snapshots (key, payload, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload, expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`, snapshotKey, string(payload), now.Add(r.ttl), now)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", classify(err))
	}
	return nil
}

// LoadSnapshot returns the stored entries, or nil when there is none or it has expired.
func (r *SnapshotRepository) LoadSnapshot(ctx context.Context) ([]events.Event, error) {
	var (
		payload   string
		expiresAt time.Time
	)
	err := r.db.QueryRowContext(ctx, "SELECT payload, expires_at FROM log_snapshots WHERE key = ?", snapshotKey).
		Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, nil
	}

	var entries []events.Event
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return entries, nil
}
