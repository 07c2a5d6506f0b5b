package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docentlabs/docent/internal/docent/convo"
)

// Save persists a conversation memory under its key, replacing any previous
// entry. Delete-then-insert keeps the semantics last-write-wins regardless of
// how the row got there.
func (s *Store) Save(ctx context.Context, key convo.Key, owner string, records []convo.TurnRecord) error {
	memory, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("sessions: encode memory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin save: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sessions WHERE channel = ? AND thread = ?",
		key.Channel, key.Thread,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("sessions: clear previous session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (channel, thread, owner, memory, saved_at) VALUES (?, ?, ?, ?, ?)",
		key.Channel, key.Thread, owner, string(memory), time.Now().UTC(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("sessions: insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sessions: commit save: %w", err)
	}
	return nil
}

// Load fetches the persisted session for a key. Missing sessions are
// reported as convo.ErrNoSession.
func (s *Store) Load(ctx context.Context, key convo.Key) (*convo.Session, error) {
	var (
		owner   string
		memory  string
		savedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT owner, memory, saved_at FROM sessions WHERE channel = ? AND thread = ?",
		key.Channel, key.Thread,
	).Scan(&owner, &memory, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", convo.ErrNoSession, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: load %s: %w", key, err)
	}

	var records []convo.TurnRecord
	if err := json.Unmarshal([]byte(memory), &records); err != nil {
		return nil, fmt.Errorf("sessions: decode memory for %s: %w", key, err)
	}
	return &convo.Session{
		Key:     key,
		Owner:   owner,
		Records: records,
		SavedAt: savedAt,
	}, nil
}

// Delete removes the persisted session for a key, if any.
func (s *Store) Delete(ctx context.Context, key convo.Key) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE channel = ? AND thread = ?",
		key.Channel, key.Thread,
	); err != nil {
		return fmt.Errorf("sessions: delete %s: %w", key, err)
	}
	return nil
}

var _ convo.SessionStore = (*Store)(nil)
