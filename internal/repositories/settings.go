package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/regx/internal/shared"
)

const settingsKey = "register"

// SettingsRepository stores the runtime [shared.Settings] as a JSON document.
type SettingsRepository struct {
	db       *sql.DB
	defaults shared.Settings
}

// NewSettingsRepository creates a [SettingsRepository] that falls back to defaults until settings are saved.
func NewSettingsRepository(db *sql.DB, defaults shared.Settings) *SettingsRepository {
	return &SettingsRepository{db: db, defaults: defaults}
}

// Get returns the stored settings, or the defaults when none were saved.
//
// Fields absent from the stored document keep their default values.
func (r *SettingsRepository) Get(ctx context.Context) (shared.Settings, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", settingsKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return r.defaults, nil
	}
	if err != nil {
		return shared.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}

	settings := r.defaults
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return shared.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, nil
}

// Put validates and stores settings.
func (r *SettingsRepository) Put(ctx context.Context, settings shared.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, settingsKey, string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", classify(err))
	}
	return nil
}

// Reset removes stored settings so the defaults apply again.
func (r *SettingsRepository) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", settingsKey); err != nil {
		return fmt.Errorf("failed to reset settings: %w", err)
	}
	return nil
}
