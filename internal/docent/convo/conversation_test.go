package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docentlabs/docent/internal/docent/engine"
)

func testKey() Key {
	return Key{Channel: "C123", Thread: "1700000000.000100"}
}

// newTestConversation builds an opened (answered) conversation wired to the
// given engine, plus the recording collaborators for assertions.
func newTestConversation(t *testing.T, eng engine.Engine) (*Conversation, *recordingNotifier, *recordingSink, *fakeStore) {
	t.Helper()
	notifier := &recordingNotifier{}
	sink := &recordingSink{}
	store := newFakeStore()
	c := NewConversation(testKey(), "@alice:example.org", "How can I help you?", Deps{
		Engine:   eng,
		Notifier: notifier,
		Sink:     sink,
		Store:    store,
	})
	if err := c.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	return c, notifier, sink, store
}

// TestCheckTransitionTable verifies the package-init sanity check accepts the
// shipped table.
func TestCheckTransitionTable(t *testing.T) {
	if err := checkTransitionTable(); err != nil {
		t.Fatalf("checkTransitionTable() error = %v", err)
	}
}

// TestConversation_IllegalTransitions verifies that operations invoked from
// the wrong state are rejected with the sentinel errors.
func TestConversation_IllegalTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("inquire before listen", func(t *testing.T) {
		c := NewConversation(testKey(), "@alice:example.org", "", Deps{
			Engine:   engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }),
			Notifier: &recordingNotifier{},
		})
		if err := c.Inquire(ctx, "hello"); !errors.Is(err, ErrBusy) {
			t.Errorf("Inquire() error = %v, want ErrBusy", err)
		}
	})

	t.Run("retire before listen", func(t *testing.T) {
		c := NewConversation(testKey(), "@alice:example.org", "", Deps{
			Engine:   engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }),
			Notifier: &recordingNotifier{},
		})
		if err := c.Retire(ctx, false); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("Retire() error = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("double listen", func(t *testing.T) {
		c, _, _, _ := newTestConversation(t, engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }))
		if err := c.Listen(ctx); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("second Listen() error = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("double retire", func(t *testing.T) {
		c, _, _, _ := newTestConversation(t, engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }))
		if err := c.Retire(ctx, false); err != nil {
			t.Fatalf("first Retire() error = %v", err)
		}
		if err := c.Retire(ctx, false); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("second Retire() error = %v, want ErrIllegalTransition", err)
		}
	})
}

// TestConversationListen_PostsGreeting verifies the session-opened notice and
// the profile greeting both land in the thread.
func TestConversationListen_PostsGreeting(t *testing.T) {
	c, notifier, _, _ := newTestConversation(t, engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }))

	if got := c.State(); got != StateAnswered {
		t.Errorf("State() = %s, want answered", got)
	}
	posts := notifier.allPosts()
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2: %v", len(posts), posts)
	}
	if !strings.Contains(posts[0], "New session") || !strings.Contains(posts[0], "@alice:example.org") {
		t.Errorf("session-opened notice = %q", posts[0])
	}
	if posts[1] != "How can I help you?" {
		t.Errorf("greeting = %q", posts[1])
	}
}

// TestConversationInquire_Success verifies the happy path: answered → running
// → answered, both turns appended, the answer delivered via notifier and sink.
func TestConversationInquire_Success(t *testing.T) {
	var gotHistory []engine.HistoryMessage
	eng := engineFunc(func(ctx context.Context, req engine.AskRequest) (*engine.Answer, error) {
		gotHistory = req.History
		return &engine.Answer{Text: "Use the kafka component."}, nil
	})
	c, notifier, sink, _ := newTestConversation(t, eng)

	if err := c.Inquire(context.Background(), "how do I read from kafka?"); err != nil {
		t.Fatalf("Inquire() error = %v", err)
	}

	if got := c.State(); got != StateAnswered {
		t.Errorf("State() = %s, want answered", got)
	}
	if len(gotHistory) != 0 {
		t.Errorf("first inquiry history = %d messages, want 0", len(gotHistory))
	}
	turns := c.Turns()
	if len(turns) != 2 {
		t.Fatalf("Turns() = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Text != "how do I read from kafka?" {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant || turns[1].Text != "Use the kafka component." {
		t.Errorf("turn 1 = %+v", turns[1])
	}
	if answers := notifier.allAnswers(); len(answers) != 1 || answers[0] != "Use the kafka component." {
		t.Errorf("notifier answers = %v", answers)
	}
	if len(sink.answers) != 1 {
		t.Errorf("sink got %d AnswerReady events, want 1", len(sink.answers))
	}

	// A second inquiry must see the first exchange as history.
	if err := c.Inquire(context.Background(), "and writing?"); err != nil {
		t.Fatalf("second Inquire() error = %v", err)
	}
	if len(gotHistory) != 2 {
		t.Errorf("second inquiry history = %d messages, want 2", len(gotHistory))
	}
}

// TestConversationInquire_SingleFlight verifies that a second prompt arriving
// mid-turn is rejected with ErrBusy and leaves the in-flight turn untouched.
func TestConversationInquire_SingleFlight(t *testing.T) {
	eng := newBlockingEngine("done")
	c, _, _, _ := newTestConversation(t, eng)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- c.Inquire(context.Background(), "first question")
	}()

	select {
	case <-eng.started:
	case <-time.After(2 * time.Second):
		t.Fatal("engine call never started")
	}

	if err := c.Inquire(context.Background(), "second question"); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Inquire() error = %v, want ErrBusy", err)
	}
	if got := c.State(); got != StateRunning {
		t.Errorf("State() during turn = %s, want running", got)
	}

	close(eng.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Inquire() error = %v", err)
	}
	turns := c.Turns()
	if len(turns) != 2 || turns[0].Text != "first question" {
		t.Errorf("unexpected turns after race: %+v", turns)
	}
}

// TestConversationInquire_EngineFailureRecovers verifies local recovery: the
// conversation returns to answered, memory is unmodified, and the user gets a
// retry notice.
func TestConversationInquire_EngineFailureRecovers(t *testing.T) {
	eng := engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) {
		return nil, fmt.Errorf("%w: upstream 503", engine.ErrTransient)
	})
	c, notifier, _, _ := newTestConversation(t, eng)

	err := c.Inquire(context.Background(), "doomed question")
	if !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("Inquire() error = %v, want ErrTransient", err)
	}
	if got := c.State(); got != StateAnswered {
		t.Errorf("State() after failure = %s, want answered", got)
	}
	if got := len(c.Turns()); got != 0 {
		t.Errorf("Turns() after failure = %d, want 0", got)
	}
	if !notifier.containsPost(answerFailedNotice) {
		t.Errorf("failure notice not posted; posts = %v", notifier.allPosts())
	}

	// The conversation must accept a new prompt after recovering.
	c.deps.Engine = engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) {
		return &engine.Answer{Text: "recovered"}, nil
	})
	if err := c.Inquire(context.Background(), "retry"); err != nil {
		t.Fatalf("Inquire() after recovery error = %v", err)
	}
}

// TestConversation_ToolRelayTransitions verifies that tool callbacks drive
// the running ↔ lookup transitions and reach the sink.
func TestConversation_ToolRelayTransitions(t *testing.T) {
	var stateDuringLookup, stateAfterLookup State
	var c *Conversation
	eng := engineFunc(func(ctx context.Context, req engine.AskRequest) (*engine.Answer, error) {
		req.Observer.ToolStarted("search_component_reference", "kafka consumer")
		stateDuringLookup = c.State()
		req.Observer.ToolFinished("search_component_reference")
		stateAfterLookup = c.State()
		return &engine.Answer{Text: "found it"}, nil
	})
	var sink *recordingSink
	c, _, sink, _ = newTestConversation(t, eng)

	if err := c.Inquire(context.Background(), "kafka?"); err != nil {
		t.Fatalf("Inquire() error = %v", err)
	}
	if stateDuringLookup != StateLookup {
		t.Errorf("state during lookup = %s, want lookup", stateDuringLookup)
	}
	if stateAfterLookup != StateRunning {
		t.Errorf("state after lookup = %s, want running", stateAfterLookup)
	}
	if got := c.State(); got != StateAnswered {
		t.Errorf("final state = %s, want answered", got)
	}
	if len(sink.started) != 1 || sink.started[0] != "search_component_reference" {
		t.Errorf("sink tool starts = %v", sink.started)
	}
	if len(sink.finished) != 1 {
		t.Errorf("sink tool finishes = %v", sink.finished)
	}
}

// TestConversationInquire_FailureMidLookupRecovers verifies that an engine
// error raised while the state machine sits in lookup still lands the
// conversation back in answered.
func TestConversationInquire_FailureMidLookupRecovers(t *testing.T) {
	var c *Conversation
	eng := engineFunc(func(ctx context.Context, req engine.AskRequest) (*engine.Answer, error) {
		req.Observer.ToolStarted("search_docs", "query")
		// Fail without ever signalling ToolFinished.
		return nil, fmt.Errorf("%w: connection reset", engine.ErrTransient)
	})
	c, _, _, _ = newTestConversation(t, eng)

	if err := c.Inquire(context.Background(), "question"); !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("Inquire() error = %v, want ErrTransient", err)
	}
	if got := c.State(); got != StateAnswered {
		t.Errorf("State() = %s, want answered", got)
	}
}

// TestConversationRetire_PersistsMemory verifies that retirement saves the
// full turn log under the conversation key with the owner attached, and posts
// the retirement notice.
func TestConversationRetire_PersistsMemory(t *testing.T) {
	eng := engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) {
		return &engine.Answer{Text: "an answer"}, nil
	})
	c, notifier, _, store := newTestConversation(t, eng)
	if err := c.Inquire(context.Background(), "a question"); err != nil {
		t.Fatalf("Inquire() error = %v", err)
	}

	if err := c.Retire(context.Background(), true); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}

	if got := c.State(); got != StateRetired {
		t.Errorf("State() = %s, want retired", got)
	}
	sess, ok := store.saved(testKey())
	if !ok {
		t.Fatal("no session saved")
	}
	if sess.Owner != "@alice:example.org" {
		t.Errorf("saved owner = %q", sess.Owner)
	}
	if len(sess.Records) != 2 {
		t.Errorf("saved %d records, want 2", len(sess.Records))
	}
	if !notifier.containsPost(retiredNotice) {
		t.Errorf("retirement notice not posted; posts = %v", notifier.allPosts())
	}
}

// TestConversationRetire_SkipsEmptyMemory verifies that a session with no
// turns is not written to the store.
func TestConversationRetire_SkipsEmptyMemory(t *testing.T) {
	c, _, _, store := newTestConversation(t, engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }))

	if err := c.Retire(context.Background(), true); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	if store.saveCount() != 0 {
		t.Errorf("store.Save called %d times for empty memory, want 0", store.saveCount())
	}
}

// TestConversationRetire_SaveFailureStillRetires verifies that a failed store
// write does not keep the conversation alive.
func TestConversationRetire_SaveFailureStillRetires(t *testing.T) {
	eng := engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) {
		return &engine.Answer{Text: "answer"}, nil
	})
	c, _, _, store := newTestConversation(t, eng)
	if err := c.Inquire(context.Background(), "question"); err != nil {
		t.Fatalf("Inquire() error = %v", err)
	}
	store.saveErr = errors.New("disk full")

	if err := c.Retire(context.Background(), true); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	if got := c.State(); got != StateRetired {
		t.Errorf("State() = %s, want retired", got)
	}
}

// TestRehydrate_RestoresMemoryAnswered verifies that a rehydrated
// conversation starts in answered with the persisted history loaded.
func TestRehydrate_RestoresMemoryAnswered(t *testing.T) {
	records := []TurnRecord{
		{Role: RoleUser, Text: "earlier question"},
		{Role: RoleAssistant, Text: "earlier answer"},
	}
	c := Rehydrate(testKey(), "@alice:example.org", records, "Welcome back.", Deps{
		Engine:   engineFunc(func(context.Context, engine.AskRequest) (*engine.Answer, error) { return nil, nil }),
		Notifier: &recordingNotifier{},
	})

	if got := c.State(); got != StateAnswered {
		t.Errorf("State() = %s, want answered", got)
	}
	if got := len(c.Turns()); got != 2 {
		t.Errorf("Turns() = %d, want 2", got)
	}
	if c.Owner() != "@alice:example.org" {
		t.Errorf("Owner() = %q", c.Owner())
	}
}
