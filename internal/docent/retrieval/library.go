package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docentlabs/docent/internal/docent/engine"
)

// defaultTopK is the number of hits fetched per collection for one lookup.
const defaultTopK = 4

// Tool maps one lookup tool name to the Qdrant collections it searches.
type Tool struct {
	Name        string
	Description string
	Collections []string
}

// Library executes documentation lookups on behalf of the answer engine:
// it embeds the query once, searches every collection the tool covers, and
// concatenates the hit texts into a single context block.
type Library struct {
	embedder Embedder
	searcher VectorSearcher
	tools    map[string]Tool
	topK     int
	logger   *slog.Logger
}

// NewLibrary builds a Library over the given tools. Zero topK falls back to
// the default.
func NewLibrary(embedder Embedder, searcher VectorSearcher, tools []Tool, topK int, logger *slog.Logger) *Library {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	return &Library{
		embedder: embedder,
		searcher: searcher,
		tools:    byName,
		topK:     topK,
		logger:   logger.With("component", "retrieval"),
	}
}

// Lookup implements engine.DocLookup. Unknown tool names are an error; a
// valid tool that finds nothing returns a plain "no documentation found"
// string so the model can answer from general knowledge.
func (l *Library) Lookup(ctx context.Context, tool, query string) (string, error) {
	spec, ok := l.tools[tool]
	if !ok {
		return "", fmt.Errorf("retrieval: unknown tool %q", tool)
	}

	vector, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vector) == 0 {
		return "", fmt.Errorf("retrieval: empty query")
	}

	var sections []string
	for _, collection := range spec.Collections {
		points, err := l.searcher.Search(ctx, collection, vector, l.topK)
		if err != nil {
			return "", fmt.Errorf("retrieval: search %s: %w", collection, err)
		}
		for _, p := range points {
			if text := payloadText(p.Payload); text != "" {
				sections = append(sections, text)
			}
		}
		l.logger.Debug("collection searched",
			"tool", tool,
			"collection", collection,
			"hits", len(points))
	}

	if len(sections) == 0 {
		return fmt.Sprintf("no documentation found for %q", query), nil
	}
	return strings.Join(sections, "\n\n---\n\n"), nil
}

var _ engine.DocLookup = (*Library)(nil)

// payloadText pulls the document text out of a hit payload. Ingested points
// carry it under "text"; older collections used "content".
func payloadText(payload map[string]any) string {
	for _, field := range []string{"text", "content"} {
		if v, ok := payload[field].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
