package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSyncValue upserts one sync-state value (next_batch token, filter id)
// for a chat user so a restart resumes where the previous sync loop stopped.
func (s *Store) SaveSyncValue(ctx context.Context, userID, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("sessions: save sync value %s: %w", key, err)
	}
	return nil
}

// LoadSyncValue returns a stored sync-state value, or the empty string when
// none is stored yet.
func (s *Store) LoadSyncValue(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE user_id = ? AND key = ?", userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessions: load sync value %s: %w", key, err)
	}
	return value, nil
}
