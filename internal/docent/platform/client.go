// Package platform wraps the Matrix client: the sync loop with reconnect
// backoff, channel/thread event normalization, notice and answer delivery,
// and reaction capture for answer feedback.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/docentlabs/docent/internal/docent/convo"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Channels are the room IDs where Docent listens for mentions.
	Channels []string
}

// MessageHandler receives one normalized inbound event. It is invoked on a
// dedicated goroutine per event and may block for the length of a turn.
type MessageHandler func(ctx context.Context, ev convo.InboundEvent)

// ReactionHandler receives answer feedback: +1 for a thumbs-up reaction on
// one of our answers, -1 for a thumbs-down.
type ReactionHandler func(ctx context.Context, key convo.Key, score int)

// answerMemoryCap bounds the answer-event index used for reaction feedback.
const answerMemoryCap = 1024

// Client wraps the Matrix client.
type Client struct {
	client *mautrix.Client
	cfg    Config
	logger *slog.Logger
	stopCh chan struct{}

	onMessage  MessageHandler
	onReaction ReactionHandler

	mu      sync.Mutex
	answers map[id.EventID]convo.Key
}

// New creates a Matrix client. store persists the sync position across
// restarts; nil falls back to mautrix's in-memory store and the full room
// history replays on every start.
func New(cfg Config, store mautrix.SyncStore, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "platform")

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("platform: create client: %w", err)
	}
	if store != nil {
		client.Store = store
	} else {
		logger.Warn("no sync store configured; room history will replay on restart")
	}

	return &Client{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		answers: make(map[id.EventID]convo.Key),
	}, nil
}

// Start joins the configured channels, registers the event handlers, and
// launches the sync loop with exponential backoff reconnection. Without the
// retries a transient homeserver error would silently kill the sync goroutine
// and leave the bot deaf to new messages.
func (c *Client) Start(ctx context.Context, onMessage MessageHandler, onReaction ReactionHandler) error {
	c.onMessage = onMessage
	c.onReaction = onReaction

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	for _, roomID := range c.cfg.Channels {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("platform: join channel %s: %w", roomID, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				c.logger.Error("sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil, which only happens on a clean StopSync.
			return
		}
	}()

	return nil
}

// Stop stops the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the bot's own user ID.
func (c *Client) UserID() string {
	return c.cfg.UserID
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// M_FORBIDDEN also covers "already a member" on some homeservers.
		if strings.Contains(err.Error(), "M_FORBIDDEN") {
			c.logger.Warn("join refused, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) isChannel(roomID string) bool {
	for _, ch := range c.cfg.Channels {
		if ch == roomID {
			return true
		}
	}
	return false
}

// handleMessage normalizes a room message into an InboundEvent and hands it
// to the message handler on its own goroutine.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	ev, ok := c.inboundFromEvent(evt)
	if !ok {
		return
	}
	if c.onMessage == nil {
		return
	}
	// Turns outlive the sync callback; detach from its cancellation.
	go c.onMessage(context.WithoutCancel(ctx), ev)
}

// inboundFromEvent decides whether an event is for us and, if so, normalizes
// it: own and non-text messages are dropped, unconfigured rooms are dropped,
// plain channel chatter without a mention is dropped, and a parentless
// mention opens a new thread rooted at the mention event itself.
func (c *Client) inboundFromEvent(evt *event.Event) (convo.InboundEvent, bool) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return convo.InboundEvent{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return convo.InboundEvent{}, false
	}
	if !c.isChannel(evt.RoomID.String()) {
		return convo.InboundEvent{}, false
	}

	thread := ""
	if rel := content.RelatesTo; rel != nil {
		if parent := rel.GetThreadParent(); parent != "" {
			thread = parent.String()
		}
	}
	mention := c.mentionsBot(content)
	newThread := thread == "" && mention
	if thread == "" {
		if !mention {
			return convo.InboundEvent{}, false
		}
		thread = evt.ID.String()
	}

	return convo.InboundEvent{
		Channel: evt.RoomID.String(),
		Thread:  thread,
		Sender:  evt.Sender.String(),
		Text:    c.stripMention(content.Body),
		Mention: newThread,
	}, true
}

func (c *Client) mentionsBot(content *event.MessageEventContent) bool {
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			if uid == id.UserID(c.cfg.UserID) {
				return true
			}
		}
	}
	return strings.Contains(content.Body, c.cfg.UserID)
}

// stripMention removes the bot's own user ID from a message body so the
// engine prompt does not start with an address.
func (c *Client) stripMention(body string) string {
	body = strings.ReplaceAll(body, c.cfg.UserID, "")
	body = strings.TrimLeft(body, ":, ")
	return strings.TrimSpace(body)
}

// handleReaction turns thumbs reactions on our answers into feedback scores.
func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}
	content := evt.Content.AsReaction()
	if content == nil {
		return
	}
	key, ok := c.answerKey(content.RelatesTo.EventID)
	if !ok {
		return
	}
	var score int
	switch content.RelatesTo.Key {
	case "👍", "+1":
		score = 1
	case "👎", "-1":
		score = -1
	default:
		return
	}
	if c.onReaction == nil {
		return
	}
	go c.onReaction(context.WithoutCancel(ctx), key, score)
}

// rememberAnswer indexes a delivered answer event so a later reaction can be
// attributed to its conversation. The index is bounded; when full it is
// cleared, trading old-answer feedback for a flat memory profile.
func (c *Client) rememberAnswer(eventID id.EventID, key convo.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.answers) >= answerMemoryCap {
		c.answers = make(map[id.EventID]convo.Key)
	}
	c.answers[eventID] = key
}

func (c *Client) answerKey(eventID id.EventID) (convo.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.answers[eventID]
	return key, ok
}
