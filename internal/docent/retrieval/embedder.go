// Package retrieval implements the documentation lookup tools offered to the
// answer engine: query embedding via the OpenAI embeddings API and vector
// search against Qdrant collections. It consumes existing collections only;
// ingestion and index maintenance live elsewhere.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docentlabs/docent/common/redact"
	"github.com/docentlabs/docent/common/retry"
	"github.com/docentlabs/docent/internal/docent/engine"
)

const (
	defaultEmbeddingBase    = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultEmbeddingTimeout = 30 * time.Second
)

// Embedder turns text into a vector suitable for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderConfig configures the OpenAI embedding client.
type EmbedderConfig struct {
	// APIKey is the bearer token for authentication.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to
	// https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the embedding model. Defaults to text-embedding-3-small.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration

	// Retry overrides the backoff policy for transient failures.
	// Zero value uses retry.DefaultConfig.
	Retry retry.Config
}

// OpenAIEmbedder implements Embedder using the OpenAI embeddings API. The
// same API key that drives the answer engine works here. Safe for concurrent
// use.
type OpenAIEmbedder struct {
	cfg    EmbedderConfig
	client *http.Client
}

// NewOpenAIEmbedder creates an Embedder backed by the OpenAI (or compatible)
// embeddings API.
func NewOpenAIEmbedder(cfg EmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI embeddings wire types ---

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed produces a vector embedding for the given text, retrying transient
// upstream failures with exponential backoff.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	body := embeddingRequest{Input: text, Model: e.cfg.Model}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	cfg := e.cfg.Retry
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, engine.ErrTransient) }

	var vector []float32
	err = retry.Do(ctx, cfg, func() error {
		var attemptErr error
		vector, attemptErr = e.embedOnce(ctx, data)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, data []byte) ([]float32, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/embeddings",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("embedder: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Transport errors can echo request details; keep the key out.
		return nil, fmt.Errorf("%w: embedder http request: %s", engine.ErrTransient, redact.String(err.Error(), e.cfg.APIKey))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: embedder read response body: %v", engine.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: embedder HTTP %d: %.200s", engine.ErrTransient, resp.StatusCode, redact.String(string(respBody), e.cfg.APIKey))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedder: HTTP %d: %.200s", resp.StatusCode, redact.String(string(respBody), e.cfg.APIKey))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("embedder: API error (%s): %s", embResp.Error.Type, embResp.Error.Message)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("embedder: no embedding data returned")
	}
	return embResp.Data[0].Embedding, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
