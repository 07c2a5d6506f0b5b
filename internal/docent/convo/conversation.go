package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docentlabs/docent/common/trace"
	"github.com/docentlabs/docent/internal/docent/engine"
)

// Key identifies one conversation: the chat channel and the thread inside it.
// It doubles as the session store key, so a retired conversation can be
// rehydrated in the same thread later.
type Key struct {
	Channel string
	Thread  string
}

func (k Key) String() string {
	return k.Channel + "/" + k.Thread
}

// Notifier delivers user-visible text into a conversation's thread.
// Delivery is fire-and-forget: implementations log failures, callers never
// retry, and a failed post never fails the transition that produced it.
type Notifier interface {
	// Post sends a plain-text notice into the thread.
	Post(ctx context.Context, key Key, text string) error
	// PostAnswer sends an assistant answer; the text is Markdown and
	// implementations may render it for their platform.
	PostAnswer(ctx context.Context, key Key, markdown string) error
}

// EventSink receives progress events emitted by a conversation while a turn
// is in flight. It decouples feedback rendering (thread notice, terminal
// print) from the state machine. Implementations must be non-blocking.
type EventSink interface {
	ToolStarted(tool, input string)
	ToolFinished(tool string)
	AnswerReady(text string)
}

// NopSink is an EventSink that ignores all events.
type NopSink struct{}

func (NopSink) ToolStarted(tool, input string) {}
func (NopSink) ToolFinished(tool string)       {}
func (NopSink) AnswerReady(text string)        {}

// Session is a persisted conversation memory plus the metadata needed to
// rehydrate it.
type Session struct {
	Key     Key
	Owner   string
	Records []TurnRecord
	SavedAt time.Time
}

// ErrNoSession is returned by SessionStore.Load when no session is persisted
// under the requested key.
var ErrNoSession = errors.New("convo: no persisted session")

// SessionStore durably persists serialized conversation memory keyed by
// (channel, thread). Save is last-write-wins: a prior entry for the same key
// is replaced, not appended.
type SessionStore interface {
	Save(ctx context.Context, key Key, owner string, records []TurnRecord) error
	Load(ctx context.Context, key Key) (*Session, error)
}

// State enumerates the conversation lifecycle states.
type State int

const (
	// StateGreeting is the initial state of a freshly created conversation.
	StateGreeting State = iota
	// StateRunning means a prompt is being processed by the answer engine.
	StateRunning
	// StateLookup means the engine is mid-turn fetching documentation.
	StateLookup
	// StateAnswered means the conversation is idle and ready for a prompt.
	StateAnswered
	// StateRetired is terminal: the conversation has been persisted and
	// removed from circulation.
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateRunning:
		return "running"
	case StateLookup:
		return "lookup"
	case StateAnswered:
		return "answered"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrIllegalTransition marks an attempted state change the transition table
// does not allow. Callers check it with errors.Is.
var ErrIllegalTransition = errors.New("convo: illegal state transition")

// ErrBusy is returned by Inquire when the conversation is mid-turn. The
// router deflects it with a "please wait" notice instead of queueing.
var ErrBusy = errors.New("convo: conversation is busy")

// legalTransitions is the conversation state machine:
//
//	greeting → answered            (listen)
//	answered → running             (inquire)
//	running  → lookup              (engine requests documentation)
//	lookup   → running             (documentation supplied)
//	running  → answered            (resolved)
//	answered → retired             (retire)
//
// StateRetired is terminal. The table is checked once at package init.
var legalTransitions = map[State][]State{
	StateGreeting: {StateAnswered},
	StateAnswered: {StateRunning, StateRetired},
	StateRunning:  {StateLookup, StateAnswered},
	StateLookup:   {StateRunning},
	StateRetired:  {},
}

func init() {
	if err := checkTransitionTable(); err != nil {
		panic(err)
	}
}

// checkTransitionTable verifies the table covers every state and that no
// transition leaves the terminal state.
func checkTransitionTable() error {
	for s := StateGreeting; s <= StateRetired; s++ {
		targets, ok := legalTransitions[s]
		if !ok {
			return fmt.Errorf("convo: transition table is missing state %s", s)
		}
		if s == StateRetired && len(targets) > 0 {
			return fmt.Errorf("convo: terminal state %s must have no outgoing transitions", s)
		}
	}
	return nil
}

// Deps bundles the collaborators a conversation drives. Engine and Notifier
// are required; Sink, Store, and Logger fall back to no-op/default values.
type Deps struct {
	Engine   engine.Engine
	Notifier Notifier
	Sink     EventSink
	Store    SessionStore
	Logger   *slog.Logger
}

// Conversation is one state machine instance bound to a chat thread. It owns
// its Memory exclusively; all mutation goes through transition handlers.
//
// Within a single conversation transitions are strictly sequential, guarded
// by mu. The answer-engine call itself runs with no locks held so distinct
// conversations proceed fully in parallel.
type Conversation struct {
	key      Key
	owner    string
	deps     Deps
	greeting string

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	memory        *Memory
	pendingPrompt string
}

const (
	answerFailedNotice = "Something went wrong while answering. Please try again."
	retiredNotice      = "This session has been retired. Mention me again to start a fresh one."
)

// NewConversation creates a conversation in the greeting state. The greeting
// text is posted when Listen opens the session.
func NewConversation(key Key, owner string, greeting string, deps Deps) *Conversation {
	return &Conversation{
		key:          key,
		owner:        owner,
		deps:         fillDeps(deps),
		greeting:     greeting,
		state:        StateGreeting,
		lastActivity: time.Now(),
		memory:       NewMemory(),
	}
}

// Rehydrate reconstructs a conversation from persisted records: imported
// memory, answered state, owner reattached. The caller posts its own
// "restored" greeting via Listen-equivalent messaging before processing the
// triggering message.
func Rehydrate(key Key, owner string, records []TurnRecord, greeting string, deps Deps) *Conversation {
	return &Conversation{
		key:          key,
		owner:        owner,
		deps:         fillDeps(deps),
		greeting:     greeting,
		state:        StateAnswered,
		lastActivity: time.Now(),
		memory:       ImportMemory(records),
	}
}

func fillDeps(deps Deps) Deps {
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "conversation")
	return deps
}

// Key returns the immutable (channel, thread) identity.
func (c *Conversation) Key() Key { return c.key }

// Owner returns the identity of the user who started the conversation.
// Messages from anyone else are ignored by the router.
func (c *Conversation) Owner() string { return c.owner }

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the time of the last state-advancing event.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Busy reports whether the conversation is mid-turn (running or lookup).
// Busy conversations are never forcibly retired.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning || c.state == StateLookup
}

// Turns returns a snapshot of the conversation memory, oldest first.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory.Turns()
}

// transitionLocked moves the state machine to next, or returns an error
// wrapping ErrIllegalTransition. Callers must hold mu.
func (c *Conversation) transitionLocked(next State) error {
	for _, allowed := range legalTransitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.state, next)
}

// Listen opens the session: greeting → answered, then a session-opened
// notice and the greeting text are posted to the thread.
func (c *Conversation) Listen(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transitionLocked(StateAnswered); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.deps.Logger.Info("session opened",
		"key", c.key.String(),
		"owner", c.owner,
		"trace_id", trace.FromContext(ctx))

	c.notify(ctx, fmt.Sprintf("New session %s, owned by %s.", c.key.Thread, c.owner))
	if c.greeting != "" {
		c.notify(ctx, c.greeting)
	}
	return nil
}

// Inquire feeds one user prompt into the conversation: answered → running,
// a blocking engine call, then back to answered. It is the only way to feed
// new input, and it is single-flight per conversation: a second Inquire while
// mid-turn returns ErrBusy without touching memory or the engine.
//
// On engine failure the conversation recovers locally: it reverts to
// answered, the failed prompt is not added to memory, and a plain error
// notice is posted so the user can retry.
func (c *Conversation) Inquire(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.state != StateAnswered {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	if err := c.transitionLocked(StateRunning); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pendingPrompt = text
	c.lastActivity = time.Now()
	history := c.memory.Turns()
	c.mu.Unlock()

	c.deps.Logger.Debug("inquiry running",
		"key", c.key.String(),
		"history_turns", len(history),
		"trace_id", trace.FromContext(ctx))

	// The engine call holds no locks: it may block for several seconds and
	// other conversations must keep moving.
	answer, askErr := c.deps.Engine.Ask(ctx, engine.AskRequest{
		Prompt:   text,
		History:  historyMessages(history),
		Observer: &toolRelay{conv: c},
	})

	now := time.Now()
	c.mu.Lock()
	// The tool relay may have left us in lookup if the engine errored
	// mid-lookup; normalize before resolving.
	if c.state == StateLookup {
		if err := c.transitionLocked(StateRunning); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if askErr != nil {
		c.pendingPrompt = ""
		err := c.transitionLocked(StateAnswered)
		c.lastActivity = now
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.deps.Logger.Warn("engine call failed; conversation recovered",
			"key", c.key.String(),
			"err", askErr,
			"trace_id", trace.FromContext(ctx))
		c.notify(ctx, answerFailedNotice)
		return fmt.Errorf("conversation %s: %w", c.key, askErr)
	}

	c.memory.Append(RoleUser, text)
	c.memory.Append(RoleAssistant, answer.Text)
	c.pendingPrompt = ""
	if err := c.transitionLocked(StateAnswered); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastActivity = now
	c.mu.Unlock()

	c.deps.Sink.AnswerReady(answer.Text)
	if err := c.deps.Notifier.PostAnswer(ctx, c.key, answer.Text); err != nil {
		c.deps.Logger.Warn("answer delivery failed",
			"key", c.key.String(),
			"err", err,
			"trace_id", trace.FromContext(ctx))
	}
	return nil
}

// Retire finishes the conversation: answered → retired, memory persisted
// (when persist is set and a store is configured), retirement notice posted.
//
// The state is claimed before the store write so a concurrent Inquire cannot
// slip in between persistence and the transition; a conversation that went
// mid-turn first wins the race and Retire reports ErrIllegalTransition.
// A failed save is logged and does not abort retirement (the in-memory
// lifecycle never blocks on persistence).
func (c *Conversation) Retire(ctx context.Context, persist bool) error {
	c.mu.Lock()
	if err := c.transitionLocked(StateRetired); err != nil {
		c.mu.Unlock()
		return err
	}
	records := c.memory.Export()
	c.mu.Unlock()

	if persist && c.deps.Store != nil && len(records) > 0 {
		if err := c.deps.Store.Save(ctx, c.key, c.owner, records); err != nil {
			c.deps.Logger.Warn("session save failed; retiring without persistence",
				"key", c.key.String(),
				"err", err)
		}
	}

	c.deps.Logger.Info("conversation retired",
		"key", c.key.String(),
		"turns", len(records),
		"persisted", persist)

	c.notify(ctx, retiredNotice)
	return nil
}

// notify posts a plain notice, logging delivery failures and moving on.
func (c *Conversation) notify(ctx context.Context, text string) {
	if err := c.deps.Notifier.Post(ctx, c.key, text); err != nil {
		c.deps.Logger.Warn("notice delivery failed",
			"key", c.key.String(),
			"err", err)
	}
}

func historyMessages(turns []Turn) []engine.HistoryMessage {
	msgs := make([]engine.HistoryMessage, len(turns))
	for i, t := range turns {
		msgs[i] = engine.HistoryMessage{Role: t.Role, Content: t.Text}
	}
	return msgs
}

// toolRelay forwards engine tool callbacks into the state machine (running ↔
// lookup) and on to the conversation's event sink.
type toolRelay struct {
	conv *Conversation
}

func (r *toolRelay) ToolStarted(tool, input string) {
	c := r.conv
	c.mu.Lock()
	if c.state == StateRunning {
		if err := c.transitionLocked(StateLookup); err == nil {
			c.lastActivity = time.Now()
		}
	}
	c.mu.Unlock()
	c.deps.Sink.ToolStarted(tool, input)
}

func (r *toolRelay) ToolFinished(tool string) {
	c := r.conv
	c.mu.Lock()
	if c.state == StateLookup {
		if err := c.transitionLocked(StateRunning); err == nil {
			c.lastActivity = time.Now()
		}
	}
	c.mu.Unlock()
	c.deps.Sink.ToolFinished(tool)
}
