package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/telefiles/telefiles/pkg/tflib"
)

// SettingStore persists serialized settings by key. It implements
// tflib.SettingStore.
type SettingStore struct {
	db *sql.DB
}

var _ tflib.SettingStore = (*SettingStore)(nil)

// GetByKey returns the setting value, or empty when the key is unknown.
func (s *SettingStore) GetByKey(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM setting_record WHERE key = ?
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, nil
}

// CreateOrUpdate upserts the setting value.
func (s *SettingStore) CreateOrUpdate(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO setting_record (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
