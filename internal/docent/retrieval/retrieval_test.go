package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docentlabs/docent/common/retry"
	"github.com/docentlabs/docent/internal/docent/engine"
)

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

type searchFunc func(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)

func (f searchFunc) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	return f(ctx, collection, vector, limit)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// TestOpenAIEmbedder_Embed verifies request shape and vector extraction.
func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Input != "kafka consumer" || req.Model != "test-embed" {
			t.Errorf("request = %+v", req)
		}
		fmt.Fprint(w, `{"data": [{"embedding": [0.1, 0.2, 0.3], "index": 0}]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(EmbedderConfig{
		APIKey:  "k",
		BaseURL: srv.URL,
		Model:   "test-embed",
		Retry:   fastRetry(),
	})
	vector, err := e.Embed(context.Background(), "kafka consumer")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vector) != 3 || vector[0] != 0.1 {
		t.Errorf("vector = %v", vector)
	}
}

// TestOpenAIEmbedder_RetriesRateLimit verifies a 429 is retried and the
// second attempt's vector is returned.
func TestOpenAIEmbedder_RetriesRateLimit(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data": [{"embedding": [1], "index": 0}]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(EmbedderConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	vector, err := e.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("made %d attempts, want 2", attempts)
	}
	if len(vector) != 1 {
		t.Errorf("vector = %v", vector)
	}
}

// TestOpenAIEmbedder_PersistentFailureIsTransient verifies exhausted retries
// surface the transient marker for upstream classification.
func TestOpenAIEmbedder_PersistentFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(EmbedderConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := e.Embed(context.Background(), "text")
	if !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("Embed() error = %v, want ErrTransient", err)
	}
}

// TestQdrantClient_Search verifies the points/search call and hit decoding.
func TestQdrantClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/camel-docs/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("api-key"); got != "secret" {
			t.Errorf("api-key header = %q", got)
		}
		var req qdrantSearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Limit != 4 || !req.WithPayload || len(req.Vector) != 2 {
			t.Errorf("request = %+v", req)
		}
		fmt.Fprint(w, `{"result": [
			{"score": 0.91, "payload": {"text": "first chunk"}},
			{"score": 0.80, "payload": {"text": "second chunk"}}
		], "status": "ok"}`)
	}))
	defer srv.Close()

	c := NewQdrantClient(QdrantConfig{URL: srv.URL, APIKey: "secret"})
	points, err := c.Search(context.Background(), "camel-docs", []float32{0.5, 0.5}, 4)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0].Score != 0.91 || points[0].Payload["text"] != "first chunk" {
		t.Errorf("point 0 = %+v", points[0])
	}
}

// TestQdrantClient_SearchHTTPError verifies non-200 responses become errors
// that name the collection.
func TestQdrantClient_SearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status": {"error": "collection not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewQdrantClient(QdrantConfig{URL: srv.URL})
	_, err := c.Search(context.Background(), "missing", []float32{1}, 4)
	if err == nil {
		t.Fatal("Search() succeeded against 404")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error does not name the collection: %v", err)
	}
}

// TestLibraryLookup_JoinsCollections verifies one lookup embeds once,
// searches every collection the tool covers, and joins the hit texts.
func TestLibraryLookup_JoinsCollections(t *testing.T) {
	embeds := 0
	embedder := embedFunc(func(ctx context.Context, text string) ([]float32, error) {
		embeds++
		return []float32{0.1}, nil
	})
	var searched []string
	searcher := searchFunc(func(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
		searched = append(searched, collection)
		return []ScoredPoint{{Score: 0.9, Payload: map[string]any{"text": "chunk from " + collection}}}, nil
	})

	lib := NewLibrary(embedder, searcher, []Tool{{
		Name:        "search_component_reference",
		Collections: []string{"components", "eips"},
	}}, 4, nil)

	out, err := lib.Lookup(context.Background(), "search_component_reference", "kafka")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if embeds != 1 {
		t.Errorf("embedded %d times, want 1", embeds)
	}
	if len(searched) != 2 || searched[0] != "components" || searched[1] != "eips" {
		t.Errorf("searched = %v", searched)
	}
	if !strings.Contains(out, "chunk from components") || !strings.Contains(out, "chunk from eips") {
		t.Errorf("output = %q", out)
	}
}

// TestLibraryLookup_UnknownTool verifies tool names outside the profile are
// rejected.
func TestLibraryLookup_UnknownTool(t *testing.T) {
	lib := NewLibrary(
		embedFunc(func(context.Context, string) ([]float32, error) { return []float32{1}, nil }),
		searchFunc(func(context.Context, string, []float32, int) ([]ScoredPoint, error) { return nil, nil }),
		nil, 0, nil)

	if _, err := lib.Lookup(context.Background(), "made_up_tool", "q"); err == nil {
		t.Fatal("Lookup() accepted an unknown tool")
	}
}

// TestLibraryLookup_NoHits verifies the no-results case returns a usable
// message rather than an error.
func TestLibraryLookup_NoHits(t *testing.T) {
	lib := NewLibrary(
		embedFunc(func(context.Context, string) ([]float32, error) { return []float32{1}, nil }),
		searchFunc(func(context.Context, string, []float32, int) ([]ScoredPoint, error) { return nil, nil }),
		[]Tool{{Name: "search_docs", Collections: []string{"docs"}}}, 0, nil)

	out, err := lib.Lookup(context.Background(), "search_docs", "very obscure thing")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !strings.Contains(out, "no documentation found") {
		t.Errorf("output = %q", out)
	}
}
