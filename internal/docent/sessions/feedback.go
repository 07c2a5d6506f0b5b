package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docentlabs/docent/internal/docent/convo"
)

// Feedback records one user reaction to an answer.
type Feedback struct {
	ID  string
	Key convo.Key
	// Score is +1 for positive, -1 for negative.
	Score     int
	Prompt    string
	Response  string
	CreatedAt time.Time
}

// SaveFeedback inserts one feedback record. A missing ID is generated.
func (s *Store) SaveFeedback(ctx context.Context, fb Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO feedback (id, channel, thread, score, prompt, response, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		fb.ID, fb.Key.Channel, fb.Key.Thread, fb.Score, fb.Prompt, fb.Response, fb.CreatedAt,
	); err != nil {
		return fmt.Errorf("sessions: save feedback: %w", err)
	}
	return nil
}

// FeedbackForThread lists the feedback recorded for one thread, oldest first.
func (s *Store) FeedbackForThread(ctx context.Context, key convo.Key) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, score, prompt, response, created_at FROM feedback WHERE channel = ? AND thread = ? ORDER BY created_at",
		key.Channel, key.Thread,
	)
	if err != nil {
		return nil, fmt.Errorf("sessions: list feedback for %s: %w", key, err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		fb := Feedback{Key: key}
		if err := rows.Scan(&fb.ID, &fb.Score, &fb.Prompt, &fb.Response, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
