package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docentlabs/docent/common/redact"
	"github.com/docentlabs/docent/common/retry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	// defaultMaxToolRounds bounds how many lookup rounds a single answer may
	// take before the engine gives up. Keeps a confused model from looping.
	defaultMaxToolRounds = 5
)

// ToolSpec declares one documentation lookup tool exposed to the model. Every
// tool takes a single "query" string argument; Name selects which document
// collections the lookup searches.
type ToolSpec struct {
	Name        string
	Description string
}

// Config configures the OpenAI-compatible answer engine.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama)
	// or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout is the per-request HTTP timeout. Defaults to 60 s.
	Timeout time.Duration

	// SystemPrompt is sent as the "system" message on every call.
	SystemPrompt string

	// Tools are the documentation lookup tools offered to the model.
	Tools []ToolSpec

	// MaxToolRounds bounds lookup rounds per answer. Defaults to 5.
	MaxToolRounds int

	// Retry overrides the backoff policy for transient upstream failures.
	// Zero value uses retry.DefaultConfig.
	Retry retry.Config

	Logger *slog.Logger
}

// openAIEngine implements Engine using the OpenAI chat completions API with
// function calling for documentation lookups.
type openAIEngine struct {
	cfg    Config
	lookup DocLookup
	client *http.Client
	tools  []oaiTool
}

// NewOpenAI returns an Engine backed by the OpenAI (or compatible) chat API.
// lookup executes the tools named in cfg.Tools; it may be nil only when no
// tools are configured. The returned engine is safe for concurrent use.
func NewOpenAI(cfg Config, lookup DocLookup) Engine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "engine")
	return &openAIEngine{
		cfg:    cfg,
		lookup: lookup,
		client: &http.Client{Timeout: cfg.Timeout},
		tools:  wireTools(cfg.Tools),
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiFunctionCall `json:"function"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Tools    []oaiTool    `json:"tools,omitempty"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// querySchema is the parameter schema shared by every lookup tool: a single
// required "query" string.
var querySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "Search text for the documentation lookup."
		}
	},
	"required": ["query"]
}`)

func wireTools(specs []ToolSpec) []oaiTool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]oaiTool, len(specs))
	for i, s := range specs {
		tools[i] = oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  querySchema,
			},
		}
	}
	return tools
}

// Ask runs the chat completion loop: prompt in, tool rounds as requested by
// the model, final answer out. Tool failures are reported back to the model
// as tool output rather than aborting the turn, so a single bad lookup does
// not cost the user their answer.
func (e *openAIEngine) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	observer := req.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	messages := make([]oaiMessage, 0, len(req.History)+2)
	if e.cfg.SystemPrompt != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: e.cfg.SystemPrompt})
	}
	for _, h := range req.History {
		messages = append(messages, oaiMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: req.Prompt})

	var events []ToolEvent
	for round := 0; round <= e.cfg.MaxToolRounds; round++ {
		choice, err := e.complete(ctx, messages)
		if err != nil {
			return nil, err
		}

		if len(choice.Message.ToolCalls) == 0 {
			return &Answer{Text: choice.Message.Content, ToolEvents: events}, nil
		}

		messages = append(messages, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			query := parseQuery(call.Function.Arguments)
			observer.ToolStarted(call.Function.Name, query)
			events = append(events, ToolEvent{Tool: call.Function.Name, Input: query})

			result, lookupErr := e.runLookup(ctx, call.Function.Name, query)
			observer.ToolFinished(call.Function.Name)
			if lookupErr != nil {
				e.cfg.Logger.Warn("documentation lookup failed",
					"tool", call.Function.Name,
					"err", lookupErr)
				result = "lookup failed: " + lookupErr.Error()
			}
			messages = append(messages, oaiMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	return nil, fmt.Errorf("engine: no answer after %d tool rounds", e.cfg.MaxToolRounds)
}

func (e *openAIEngine) runLookup(ctx context.Context, tool, query string) (string, error) {
	if e.lookup == nil {
		return "", fmt.Errorf("no lookup backend configured for tool %q", tool)
	}
	return e.lookup.Lookup(ctx, tool, query)
}

// complete performs one chat completion round trip, retrying transient
// upstream failures with exponential backoff.
func (e *openAIEngine) complete(ctx context.Context, messages []oaiMessage) (*oaiChoice, error) {
	body := oaiRequest{
		Model:    e.cfg.Model,
		Messages: messages,
		Tools:    e.tools,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal request: %w", err)
	}

	cfg := e.cfg.Retry
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, ErrTransient) }

	var choice *oaiChoice
	err = retry.Do(ctx, cfg, func() error {
		var attemptErr error
		choice, attemptErr = e.completeOnce(ctx, data)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return choice, nil
}

func (e *openAIEngine) completeOnce(ctx context.Context, data []byte) (*oaiChoice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Transport errors can echo request details; keep the key out.
		return nil, fmt.Errorf("%w: http request: %s", ErrTransient, redact.String(err.Error(), e.cfg.APIKey))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d: %.200s", ErrTransient, resp.StatusCode, redact.String(string(respBody), e.cfg.APIKey))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine: HTTP %d: %.200s", resp.StatusCode, redact.String(string(respBody), e.cfg.APIKey))
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("engine: decode API response: %w", err)
	}
	if oaiResp.Error != nil {
		return nil, fmt.Errorf("engine: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("engine: no choices returned")
	}
	return &oaiResp.Choices[0], nil
}

// parseQuery extracts the "query" argument from a tool call. Malformed
// arguments fall back to the raw string so the lookup still has something to
// search with.
func parseQuery(arguments string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Query == "" {
		return arguments
	}
	return args.Query
}
