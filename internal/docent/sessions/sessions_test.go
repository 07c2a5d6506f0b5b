package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/docentlabs/docent/internal/docent/convo"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "docent-test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey() convo.Key {
	return convo.Key{Channel: "C1", Thread: "1700000000.000100"}
}

// TestStore_SaveLoadRoundTrip verifies a session survives the database with
// owner, order, and content intact.
func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	records := []convo.TurnRecord{
		{Role: convo.RoleUser, Text: "what is a route?"},
		{Role: convo.RoleAssistant, Text: "A route connects endpoints."},
	}

	if err := s.Save(ctx, testKey(), "@alice:example.org", records); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	sess, err := s.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sess.Owner != "@alice:example.org" {
		t.Errorf("Owner = %q", sess.Owner)
	}
	if sess.SavedAt.IsZero() {
		t.Error("SavedAt is zero")
	}
	if len(sess.Records) != 2 {
		t.Fatalf("loaded %d records, want 2", len(sess.Records))
	}
	for i, r := range records {
		if sess.Records[i] != r {
			t.Errorf("record %d = %+v, want %+v", i, sess.Records[i], r)
		}
	}
}

// TestStore_SaveIsLastWriteWins verifies a second save replaces the first
// entirely.
func TestStore_SaveIsLastWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, testKey(), "@alice:example.org", []convo.TurnRecord{
		{Role: convo.RoleUser, Text: "old"},
	}); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	if err := s.Save(ctx, testKey(), "@alice:example.org", []convo.TurnRecord{
		{Role: convo.RoleUser, Text: "new question"},
		{Role: convo.RoleAssistant, Text: "new answer"},
	}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	sess, err := s.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sess.Records) != 2 || sess.Records[0].Text != "new question" {
		t.Errorf("records = %+v", sess.Records)
	}
}

// TestStore_LoadMissingIsErrNoSession verifies the sentinel for absent keys.
func TestStore_LoadMissingIsErrNoSession(t *testing.T) {
	s := testStore(t)

	_, err := s.Load(context.Background(), convo.Key{Channel: "C9", Thread: "nothing"})
	if !errors.Is(err, convo.ErrNoSession) {
		t.Fatalf("Load() error = %v, want ErrNoSession", err)
	}
}

// TestStore_Delete verifies deletion and that deleting an absent key is not
// an error.
func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, testKey(), "@alice:example.org", []convo.TurnRecord{
		{Role: convo.RoleUser, Text: "q"},
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := s.Delete(ctx, testKey()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, testKey()); !errors.Is(err, convo.ErrNoSession) {
		t.Errorf("Load() after delete error = %v, want ErrNoSession", err)
	}
	if err := s.Delete(ctx, testKey()); err != nil {
		t.Errorf("Delete() of absent key error = %v", err)
	}
}

// TestStore_Feedback verifies feedback rows get generated IDs and come back
// in order.
func TestStore_Feedback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, score := range []int{1, -1} {
		if err := s.SaveFeedback(ctx, Feedback{
			Key:      testKey(),
			Score:    score,
			Prompt:   "the question",
			Response: "the answer",
		}); err != nil {
			t.Fatalf("SaveFeedback(%d) error = %v", score, err)
		}
	}

	list, err := s.FeedbackForThread(ctx, testKey())
	if err != nil {
		t.Fatalf("FeedbackForThread() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d feedback rows, want 2", len(list))
	}
	for _, fb := range list {
		if fb.ID == "" {
			t.Error("feedback ID was not generated")
		}
		if fb.Prompt != "the question" || fb.Response != "the answer" {
			t.Errorf("feedback = %+v", fb)
		}
	}
}

// TestStore_SyncState verifies the upsert semantics, key isolation, and the
// empty-string default for unknown users.
func TestStore_SyncState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const user = "@docent:example.org"

	token, err := s.LoadSyncValue(ctx, user, "next_batch")
	if err != nil {
		t.Fatalf("LoadSyncValue() error = %v", err)
	}
	if token != "" {
		t.Errorf("initial token = %q, want empty", token)
	}

	if err := s.SaveSyncValue(ctx, user, "next_batch", "s_first"); err != nil {
		t.Fatalf("SaveSyncValue() error = %v", err)
	}
	if err := s.SaveSyncValue(ctx, user, "next_batch", "s_second"); err != nil {
		t.Fatalf("second SaveSyncValue() error = %v", err)
	}
	if err := s.SaveSyncValue(ctx, user, "filter_id", "f1"); err != nil {
		t.Fatalf("SaveSyncValue(filter_id) error = %v", err)
	}

	token, err = s.LoadSyncValue(ctx, user, "next_batch")
	if err != nil {
		t.Fatalf("LoadSyncValue() error = %v", err)
	}
	if token != "s_second" {
		t.Errorf("token = %q, want s_second", token)
	}
	filter, err := s.LoadSyncValue(ctx, user, "filter_id")
	if err != nil {
		t.Fatalf("LoadSyncValue(filter_id) error = %v", err)
	}
	if filter != "f1" {
		t.Errorf("filter = %q, want f1", filter)
	}
}

// TestStore_MigrationsIdempotent verifies reopening the same database does
// not reapply migrations or lose data.
func TestStore_MigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "docent-test.db")
	ctx := context.Background()

	s1, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s1.Save(ctx, testKey(), "@alice:example.org", []convo.TurnRecord{
		{Role: convo.RoleUser, Text: "persist me"},
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	s1.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen New() error = %v", err)
	}
	defer s2.Close()
	sess, err := s2.Load(ctx, testKey())
	if err != nil {
		t.Fatalf("Load() after reopen error = %v", err)
	}
	if len(sess.Records) != 1 || sess.Records[0].Text != "persist me" {
		t.Errorf("records = %+v", sess.Records)
	}
}
