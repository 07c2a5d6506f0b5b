package convo

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/docentlabs/docent/common/trace"
	"github.com/docentlabs/docent/internal/docent/engine"
)

// InboundEvent is one normalized chat-platform event handed to the router.
type InboundEvent struct {
	Channel string
	Thread  string
	// Sender is the platform identity of the message author.
	Sender string
	// Text is the message body with any bot mention already stripped.
	Text string
	// Mention marks a direct bot mention outside an existing thread, which
	// opens a new conversation rooted at Thread.
	Mention bool
}

// SinkFactory builds a thread-scoped EventSink so progress feedback lands in
// the right place (the conversation's own thread, a terminal, a widget).
type SinkFactory func(key Key) EventSink

// RouterConfig carries the router's collaborators and texts.
type RouterConfig struct {
	Registry *Registry
	Engine   engine.Engine
	Notifier Notifier
	Store    SessionStore
	// Sinks is optional; nil means conversations emit no progress feedback.
	Sinks  SinkFactory
	Logger *slog.Logger

	// Greeting opens a brand-new session; RestoredGreeting opens a
	// rehydrated one. BusyPhrases deflect messages to a mid-turn
	// conversation; one is chosen at random per deflection.
	Greeting         string
	RestoredGreeting string
	BusyPhrases      []string
}

// defaultBusyPhrases is used when the profile supplies none.
var defaultBusyPhrases = []string{
	"Still working on your last question, one moment.",
	"One thing at a time, please. I'm still thinking.",
	"Hold on, I haven't finished answering yet.",
}

const noSessionNotice = "This thread has no active or recoverable session. Mention me in a channel to start a new one."

// Router dispatches inbound chat events: it creates conversations on
// new-thread mentions, feeds in-thread messages to the owning conversation,
// deflects messages to busy conversations, and rehydrates retired sessions
// from the store. It is safe for concurrent use; the registry serializes all
// cross-conversation coordination.
type Router struct {
	cfg RouterConfig
}

// NewRouter builds a router. Registry, Engine, and Notifier are required.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "router")
	if len(cfg.BusyPhrases) == 0 {
		cfg.BusyPhrases = defaultBusyPhrases
	}
	return &Router{cfg: cfg}
}

// HandleEvent processes one inbound event to completion, including any
// blocking engine call it triggers. Callers run it in a per-event goroutine;
// the conversation's own single-flight discipline keeps concurrent events on
// the same thread safe.
func (r *Router) HandleEvent(ctx context.Context, ev InboundEvent) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	key := Key{Channel: ev.Channel, Thread: ev.Thread}

	if ev.Mention {
		r.openSession(ctx, key, ev.Sender)
		return
	}

	conv, ok := r.cfg.Registry.Find(key)
	if !ok {
		conv = r.restore(ctx, key)
		if conv == nil {
			r.post(ctx, key, noSessionNotice)
			return
		}
	}

	// Ownership invariant: drop messages from anyone but the session owner,
	// silently, so one user's session never leaks to another.
	if conv.Owner() != ev.Sender {
		r.cfg.Logger.Debug("ignoring message from non-owner",
			"key", key.String(),
			"owner", conv.Owner(),
			"sender", ev.Sender,
			"trace_id", trace.FromContext(ctx))
		return
	}

	if err := conv.Inquire(ctx, ev.Text); err != nil {
		if errors.Is(err, ErrBusy) {
			r.post(ctx, key, r.busyPhrase())
			return
		}
		// Inquire already posted a user-visible notice; just record it.
		r.cfg.Logger.Error("inquiry failed",
			"key", key.String(),
			"err", err,
			"trace_id", trace.FromContext(ctx))
	}
}

// openSession creates a fresh conversation for a new-thread mention and
// opens it. When two mention events race, the first insert wins and the
// duplicate is dropped.
func (r *Router) openSession(ctx context.Context, key Key, owner string) {
	conv := NewConversation(key, owner, r.cfg.Greeting, r.deps(key))
	if _, inserted := r.cfg.Registry.Insert(key, conv); !inserted {
		r.cfg.Logger.Debug("duplicate mention for live conversation; dropped",
			"key", key.String(),
			"trace_id", trace.FromContext(ctx))
		return
	}
	if err := conv.Listen(ctx); err != nil {
		r.cfg.Logger.Error("session open failed",
			"key", key.String(),
			"err", err,
			"trace_id", trace.FromContext(ctx))
	}
}

// restore attempts to rehydrate a conversation from the session store.
// Returns nil when no session is recoverable. Store errors are logged and
// treated as "not found" rather than crashing the event flow.
func (r *Router) restore(ctx context.Context, key Key) *Conversation {
	if r.cfg.Store == nil {
		return nil
	}
	sess, err := r.cfg.Store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			r.cfg.Logger.Warn("session restore failed",
				"key", key.String(),
				"err", err,
				"trace_id", trace.FromContext(ctx))
		}
		return nil
	}

	conv := Rehydrate(key, sess.Owner, sess.Records, r.cfg.RestoredGreeting, r.deps(key))
	if existing, inserted := r.cfg.Registry.Insert(key, conv); !inserted {
		// Another event rehydrated the thread first; use the live one.
		return existing
	}

	r.cfg.Logger.Info("session rehydrated",
		"key", key.String(),
		"owner", sess.Owner,
		"turns", len(sess.Records),
		"trace_id", trace.FromContext(ctx))

	if r.cfg.RestoredGreeting != "" {
		r.post(ctx, key, r.cfg.RestoredGreeting)
	}
	return conv
}

// RetireAll drains in-flight turns for up to grace, then retires and removes
// every remaining conversation. Used on shutdown so no session is lost.
// Returns the number of conversations removed.
func (r *Router) RetireAll(ctx context.Context, grace time.Duration) int {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		busy := false
		for _, c := range r.cfg.Registry.Snapshot() {
			if c.Busy() {
				busy = true
				break
			}
		}
		if !busy {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	removed := r.cfg.Registry.RemoveIf(func(c *Conversation) bool {
		if err := c.Retire(ctx, true); err != nil {
			r.cfg.Logger.Warn("forced removal of unretirable conversation at shutdown",
				"key", c.Key().String(),
				"state", c.State().String(),
				"err", err)
		}
		return true
	})
	return len(removed)
}

func (r *Router) deps(key Key) Deps {
	deps := Deps{
		Engine:   r.cfg.Engine,
		Notifier: r.cfg.Notifier,
		Store:    r.cfg.Store,
		Logger:   r.cfg.Logger,
	}
	if r.cfg.Sinks != nil {
		deps.Sink = r.cfg.Sinks(key)
	}
	return deps
}

func (r *Router) busyPhrase() string {
	return r.cfg.BusyPhrases[rand.IntN(len(r.cfg.BusyPhrases))]
}

func (r *Router) post(ctx context.Context, key Key, text string) {
	if err := r.cfg.Notifier.Post(ctx, key, text); err != nil {
		r.cfg.Logger.Warn("notice delivery failed",
			"key", key.String(),
			"err", err)
	}
}
