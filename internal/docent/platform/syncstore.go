package platform

// syncstore.go adapts the sessions store to mautrix.SyncStore. Persisting
// the next_batch token across restarts keeps the bot from replaying old room
// history and re-answering questions it already handled.

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/docentlabs/docent/internal/docent/sessions"
)

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncStore implements mautrix.SyncStore on top of the SQLite sessions store.
type SyncStore struct {
	store *sessions.Store
}

// NewSyncStore wraps a sessions store for mautrix.
func NewSyncStore(store *sessions.Store) *SyncStore {
	return &SyncStore{store: store}
}

func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.store.SaveSyncValue(ctx, userID.String(), "filter_id", filterID)
}

func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.store.LoadSyncValue(ctx, userID.String(), "filter_id")
}

func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.store.SaveSyncValue(ctx, userID.String(), "next_batch", nextBatchToken)
}

func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.store.LoadSyncValue(ctx, userID.String(), "next_batch")
}
