package platform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/docentlabs/docent/internal/docent/convo"
)

// Notifier delivers conversation output into Matrix threads. Notices go out
// as m.notice so other bots ignore them; answers go out as m.text with the
// Markdown rendered to formatted HTML.
type Notifier struct {
	client *Client
	logger *slog.Logger
}

// NewNotifier builds a Notifier over an existing client.
func NewNotifier(client *Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client: client,
		logger: logger.With("component", "notifier"),
	}
}

// Post sends a plain notice into the conversation's thread.
func (n *Notifier) Post(ctx context.Context, key convo.Key, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	_, err := n.send(ctx, key, &content)
	return err
}

// PostAnswer sends an assistant answer, rendering the Markdown to Matrix
// formatted HTML, and indexes the sent event for reaction feedback.
func (n *Notifier) PostAnswer(ctx context.Context, key convo.Key, markdown string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    markdown,
	}
	if html, err := renderMarkdown(markdown); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	} else {
		n.logger.Warn("markdown render failed; sending plain text", "err", err)
	}

	eventID, err := n.send(ctx, key, &content)
	if err != nil {
		return err
	}
	n.client.rememberAnswer(eventID, key)
	return nil
}

// send delivers one message event into the thread identified by key.
func (n *Notifier) send(ctx context.Context, key convo.Key, content *event.MessageEventContent) (id.EventID, error) {
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelThread,
		EventID: id.EventID(key.Thread),
	}
	resp, err := n.client.client.SendMessageEvent(ctx, id.RoomID(key.Channel), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("platform: send to %s: %w", key, err)
	}
	return resp.EventID, nil
}

// renderMarkdown converts Markdown to HTML for Matrix formatted bodies.
func renderMarkdown(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var _ convo.Notifier = (*Notifier)(nil)

// ThreadSink surfaces turn progress in the thread: a typing indicator while
// the engine works and a short notice per documentation lookup. All sends are
// fire-and-forget on their own goroutines; the sink never blocks the engine.
type ThreadSink struct {
	client *Client
	key    convo.Key
	logger *slog.Logger
}

// NewThreadSink builds a sink for one conversation thread.
func NewThreadSink(client *Client, key convo.Key, logger *slog.Logger) *ThreadSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadSink{client: client, key: key, logger: logger.With("component", "sink")}
}

func (s *ThreadSink) ToolStarted(tool, input string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.client.client.UserTyping(ctx, id.RoomID(s.key.Channel), true, 30*time.Second); err != nil {
			s.logger.Debug("typing indicator failed", "err", err)
		}
		notice := fmt.Sprintf("Looking that up (%s)...", tool)
		content := event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    notice,
			RelatesTo: &event.RelatesTo{
				Type:    event.RelThread,
				EventID: id.EventID(s.key.Thread),
			},
		}
		if _, err := s.client.client.SendMessageEvent(ctx, id.RoomID(s.key.Channel), event.EventMessage, &content); err != nil {
			s.logger.Debug("lookup notice failed", "err", err)
		}
	}()
}

func (s *ThreadSink) ToolFinished(tool string) {}

func (s *ThreadSink) AnswerReady(text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.client.client.UserTyping(ctx, id.RoomID(s.key.Channel), false, 0); err != nil {
			s.logger.Debug("typing indicator failed", "err", err)
		}
	}()
}

var _ convo.EventSink = (*ThreadSink)(nil)
