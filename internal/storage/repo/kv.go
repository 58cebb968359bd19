package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Key names a value in key_value_store.
type Key string

const (
	KeyPushCursorV5     Key = "sync_push_cursor_v5"
	KeyPullCursorV5     Key = "sync_pull_cursor_v5"
	KeyPushCursorV6     Key = "sync_push_cursor_v6"
	KeyPullCursorV6     Key = "sync_pull_cursor_v6"
	KeyIsInitialised    Key = "sync_is_initialised"
	KeySyncURL          Key = "settings_sync_url"
	KeySyncUsername     Key = "settings_sync_username"
	KeySyncPasswordHash Key = "settings_sync_password_sha256"
)

// SyncOutCursorKey is the per-site bookmark of changelog rows already
// copied into that site's outbound queue.
func SyncOutCursorKey(siteID int64) Key {
	return Key(fmt.Sprintf("sync_out_cursor_%d", siteID))
}

// KeyValueStore persists cursors and small flags.
type KeyValueStore struct {
	q sqlx.ExtContext
}

// NewKeyValueStore binds the store to a db or tx.
func NewKeyValueStore(q sqlx.ExtContext) *KeyValueStore {
	return &KeyValueStore{q: q}
}

// GetInt returns the integer under key, 0 when unset.
func (s *KeyValueStore) GetInt(ctx context.Context, key Key) (int64, error) {
	var v sql.NullInt64
	err := sqlx.GetContext(ctx, s.q, &v, "SELECT value_int FROM key_value_store WHERE id = ?", key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v.Int64, nil
}

// SetInt stores an integer under key.
func (s *KeyValueStore) SetInt(ctx context.Context, key Key, value int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO key_value_store (id, value_int) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value_int = excluded.value_int`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetString returns the string under key, "" when unset.
func (s *KeyValueStore) GetString(ctx context.Context, key Key) (string, error) {
	var v sql.NullString
	err := sqlx.GetContext(ctx, s.q, &v, "SELECT value_string FROM key_value_store WHERE id = ?", key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v.String, nil
}

// SetString stores a string under key.
func (s *KeyValueStore) SetString(ctx context.Context, key Key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO key_value_store (id, value_string) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value_string = excluded.value_string`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetBool returns the flag under key, false when unset.
func (s *KeyValueStore) GetBool(ctx context.Context, key Key) (bool, error) {
	var v sql.NullBool
	err := sqlx.GetContext(ctx, s.q, &v, "SELECT value_bool FROM key_value_store WHERE id = ?", key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v.Bool, nil
}

// SetBool stores a flag under key.
func (s *KeyValueStore) SetBool(ctx context.Context, key Key, value bool) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO key_value_store (id, value_bool) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value_bool = excluded.value_bool`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Cursor returns a stored cursor.
func (s *KeyValueStore) Cursor(ctx context.Context, key Key) (uint64, error) {
	v, err := s.GetInt(ctx, key)
	return uint64(v), err
}

// SetCursor stores a cursor.
func (s *KeyValueStore) SetCursor(ctx context.Context, key Key, cursor uint64) error {
	return s.SetInt(ctx, key, int64(cursor))
}
