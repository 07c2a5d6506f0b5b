// Package engine defines the answer-generation collaborator: given a prompt
// and the prior turns of a conversation, it produces a grounded answer plus
// incidental tool-call events. Implementations encapsulate the upstream LLM
// protocol entirely; callers only ever see a blocking Ask call.
package engine

import (
	"context"
	"errors"
)

// ErrTransient marks an upstream failure that is safe to surface to the user
// and retry on the next inquiry. The conversation that hit it reverts to its
// previous state with its memory unmodified.
var ErrTransient = errors.New("engine: transient upstream failure")

// HistoryMessage is a single prior turn handed to the engine as context.
// Role is "user" or "assistant".
type HistoryMessage struct {
	Role    string
	Content string
}

// ToolEvent records one documentation lookup performed while producing an
// answer.
type ToolEvent struct {
	// Tool is the lookup tool name, e.g. "search_component_reference".
	Tool string
	// Input is the query string the model passed to the tool.
	Input string
}

// ToolObserver receives progress callbacks while an Ask call is in flight so
// callers can surface "looking things up" feedback without blocking the
// engine. Callbacks arrive from the goroutine running Ask; implementations
// must not call back into the engine.
type ToolObserver interface {
	ToolStarted(tool, input string)
	ToolFinished(tool string)
}

// NopObserver is a ToolObserver that ignores all events.
type NopObserver struct{}

func (NopObserver) ToolStarted(tool, input string) {}
func (NopObserver) ToolFinished(tool string)       {}

// AskRequest carries one question into the engine.
type AskRequest struct {
	// Prompt is the user's question text.
	Prompt string
	// History is the prior conversation, oldest first. May be empty.
	History []HistoryMessage
	// Observer receives tool progress callbacks. Nil means no feedback.
	Observer ToolObserver
}

// Answer is the engine's result for a single Ask call.
type Answer struct {
	// Text is the answer in Markdown.
	Text string
	// ToolEvents lists the documentation lookups performed, in order.
	ToolEvents []ToolEvent
}

// DocLookup executes a documentation lookup tool on behalf of the engine.
// The tool name identifies which document collections to search; the query
// is the model-chosen search text. Implementations return plain text suitable
// for injection into the model context.
type DocLookup interface {
	Lookup(ctx context.Context, tool, query string) (string, error)
}

// Engine produces answers grounded in retrieved documentation.
//
// Implementations must be safe for concurrent use: distinct conversations
// may ask in parallel. Calls may block for several seconds; they must honor
// ctx cancellation between upstream round trips. On error, no partial state
// is retained anywhere.
type Engine interface {
	Ask(ctx context.Context, req AskRequest) (*Answer, error)
}
