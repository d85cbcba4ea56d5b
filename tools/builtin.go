package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/store"
)

// SearchProvider is a pluggable web search backend.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	Name() string
}

// SearchResult is one hit returned by a SearchProvider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchExecutor runs web_search_preview calls locally against a search
// backend for providers that hand built-in calls back to the client.
type WebSearchExecutor struct {
	provider   SearchProvider
	maxResults int
	logger     *zap.Logger
	schema     llm.ToolSchema
}

// NewWebSearchExecutor wires a search backend behind the built-in schema.
func NewWebSearchExecutor(provider SearchProvider, maxResults int, logger *zap.Logger) (*WebSearchExecutor, error) {
	if provider == nil {
		return nil, fmt.Errorf("search provider is required")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := BuiltinSchema(store.ToolTypeWebSearch)
	if err != nil {
		return nil, err
	}
	return &WebSearchExecutor{
		provider:   provider,
		maxResults: maxResults,
		logger:     logger.With(zap.String("component", "web_search")),
		schema:     schema,
	}, nil
}

func (e *WebSearchExecutor) Schema() llm.ToolSchema { return e.schema }

func (e *WebSearchExecutor) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results,omitempty"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("invalid web search arguments: %w", err)
		}
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := e.maxResults
	if params.MaxResults > 0 && params.MaxResults < limit {
		limit = params.MaxResults
	}

	start := time.Now()
	results, err := e.provider.Search(ctx, params.Query, limit)
	if err != nil {
		e.logger.Error("web search failed", zap.String("query", params.Query), zap.Error(err))
		return "", fmt.Errorf("web search failed: %w", err)
	}
	e.logger.Info("web search completed",
		zap.String("query", params.Query),
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))

	encoded, err := json.Marshal(struct {
		Query   string         `json:"query"`
		Results []SearchResult `json:"results"`
	}{Query: params.Query, Results: results})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DocumentIndex is a pluggable document retrieval backend for file_search.
type DocumentIndex interface {
	Query(ctx context.Context, query string, topK int) ([]DocumentHit, error)
}

// DocumentHit is one retrieved document chunk.
type DocumentHit struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// FileSearchExecutor runs file_search calls against a local document index.
type FileSearchExecutor struct {
	index  DocumentIndex
	topK   int
	logger *zap.Logger
	schema llm.ToolSchema
}

// NewFileSearchExecutor wires a document index behind the built-in schema.
func NewFileSearchExecutor(index DocumentIndex, topK int, logger *zap.Logger) (*FileSearchExecutor, error) {
	if index == nil {
		return nil, fmt.Errorf("document index is required")
	}
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := BuiltinSchema(store.ToolTypeFileSearch)
	if err != nil {
		return nil, err
	}
	return &FileSearchExecutor{
		index:  index,
		topK:   topK,
		logger: logger.With(zap.String("component", "file_search")),
		schema: schema,
	}, nil
}

func (e *FileSearchExecutor) Schema() llm.ToolSchema { return e.schema }

func (e *FileSearchExecutor) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("invalid file search arguments: %w", err)
		}
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	hits, err := e.index.Query(ctx, params.Query, e.topK)
	if err != nil {
		e.logger.Error("file search failed", zap.String("query", params.Query), zap.Error(err))
		return "", fmt.Errorf("file search failed: %w", err)
	}

	encoded, err := json.Marshal(struct {
		Query string        `json:"query"`
		Hits  []DocumentHit `json:"hits"`
	}{Query: params.Query, Hits: hits})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
