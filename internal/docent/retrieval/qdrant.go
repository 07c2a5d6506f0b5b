package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultQdrantURL     = "http://localhost:6333"
	defaultQdrantTimeout = 15 * time.Second
)

// ScoredPoint is one vector search hit with its payload.
type ScoredPoint struct {
	Score   float64
	Payload map[string]any
}

// VectorSearcher runs a similarity search against one named collection.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)
}

// QdrantConfig configures the Qdrant REST client.
type QdrantConfig struct {
	// URL is the Qdrant base URL. Defaults to http://localhost:6333.
	URL string

	// APIKey, when set, is sent in the api-key header (Qdrant Cloud).
	APIKey string

	// Timeout is the HTTP request timeout. Defaults to 15 s.
	Timeout time.Duration
}

// QdrantClient implements VectorSearcher over the Qdrant REST API. Safe for
// concurrent use.
type QdrantClient struct {
	cfg    QdrantConfig
	client *http.Client
}

// NewQdrantClient creates a Qdrant REST client.
func NewQdrantClient(cfg QdrantConfig) *QdrantClient {
	if cfg.URL == "" {
		cfg.URL = defaultQdrantURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultQdrantTimeout
	}
	return &QdrantClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal Qdrant wire types ---

type qdrantSearchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantHit `json:"result"`
	Status any         `json:"status"`
}

type qdrantHit struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search runs points/search against the named collection and returns the
// hits best first, as Qdrant orders them.
func (c *QdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	body := qdrantSearchRequest{
		Vector:      vector,
		Limit:       limit,
		WithPayload: true,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.cfg.URL, collection)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("qdrant: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("qdrant: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant: search %s: HTTP %d: %.200s", collection, resp.StatusCode, respBody)
	}

	var searchResp qdrantSearchResponse
	if err := json.Unmarshal(respBody, &searchResp); err != nil {
		return nil, fmt.Errorf("qdrant: decode response: %w", err)
	}

	points := make([]ScoredPoint, len(searchResp.Result))
	for i, hit := range searchResp.Result {
		points[i] = ScoredPoint{Score: hit.Score, Payload: hit.Payload}
	}
	return points, nil
}

var _ VectorSearcher = (*QdrantClient)(nil)
