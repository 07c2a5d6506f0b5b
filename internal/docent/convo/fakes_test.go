package convo

import (
	"context"
	"sync"
	"time"

	"github.com/docentlabs/docent/internal/docent/engine"
)

// engineFunc adapts a function to the engine.Engine interface so tests can
// inject arbitrary Ask behavior inline.
type engineFunc func(ctx context.Context, req engine.AskRequest) (*engine.Answer, error)

func (f engineFunc) Ask(ctx context.Context, req engine.AskRequest) (*engine.Answer, error) {
	return f(ctx, req)
}

// blockingEngine is an engine whose Ask parks until released, for exercising
// the single-flight and busy-deflection paths.
type blockingEngine struct {
	started chan struct{} // receives one value when Ask begins
	release chan struct{} // Ask returns after this is closed
	answer  string
}

func newBlockingEngine(answer string) *blockingEngine {
	return &blockingEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		answer:  answer,
	}
}

func (e *blockingEngine) Ask(ctx context.Context, req engine.AskRequest) (*engine.Answer, error) {
	select {
	case e.started <- struct{}{}:
	default:
	}
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &engine.Answer{Text: e.answer}, nil
}

// recordingNotifier captures everything posted into threads.
type recordingNotifier struct {
	mu      sync.Mutex
	posts   []string
	answers []string
	postErr error
}

func (n *recordingNotifier) Post(ctx context.Context, key Key, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.postErr != nil {
		return n.postErr
	}
	n.posts = append(n.posts, text)
	return nil
}

func (n *recordingNotifier) PostAnswer(ctx context.Context, key Key, markdown string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.answers = append(n.answers, markdown)
	return nil
}

func (n *recordingNotifier) allPosts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.posts))
	copy(out, n.posts)
	return out
}

func (n *recordingNotifier) allAnswers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.answers))
	copy(out, n.answers)
	return out
}

func (n *recordingNotifier) containsPost(text string) bool {
	for _, p := range n.allPosts() {
		if p == text {
			return true
		}
	}
	return false
}

// recordingSink captures progress events emitted during a turn.
type recordingSink struct {
	mu       sync.Mutex
	started  []string
	finished []string
	answers  []string
}

func (s *recordingSink) ToolStarted(tool, input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, tool)
}

func (s *recordingSink) ToolFinished(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, tool)
}

func (s *recordingSink) AnswerReady(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, text)
}

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	saveErr  error
	loadErr  error
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[Key]*Session)}
}

func (s *fakeStore) Save(ctx context.Context, key Key, owner string, records []TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := make([]TurnRecord, len(records))
	copy(copied, records)
	s.sessions[key] = &Session{Key: key, Owner: owner, Records: copied, SavedAt: time.Now()}
	return nil
}

func (s *fakeStore) Load(ctx context.Context, key Key) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *fakeStore) saved(key Key) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
