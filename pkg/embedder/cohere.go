// Package embedder adapts Cohere's v2 embed and rerank APIs: single and
// batched embeddings with order preservation, and cross-encoder reranking.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Config configures the Cohere client.
type Config struct {
	// APIKey for the Cohere API (required).
	APIKey string

	// BaseURL for the API (default: https://api.cohere.com).
	BaseURL string

	// Model name for embeddings (default: embed-english-v3.0).
	Model string

	// RerankModel for cross-encoder scoring (default: rerank-english-v3.0).
	RerankModel string

	// Dimension of embeddings (auto-detected from model if 0).
	Dimension int

	// Timeout for API requests (default: 30s).
	Timeout time.Duration

	// BatchSize for batch embedding (default: 96, Cohere's max per request).
	BatchSize int

	// MaxRetries on 429/5xx (default: 3).
	MaxRetries int
}

// Client talks to Cohere. Safe for concurrent use.
type Client struct {
	client      *http.Client
	apiKey      string
	baseURL     string
	model       string
	rerankModel string
	dimension   int
	batchSize   int
	maxRetries  int
}

// RankedDocument is one rerank result referencing the input by position.
type RankedDocument struct {
	Index int
	Score float64
}

// NewClient creates a Cohere embed/rerank client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Cohere")
	}

	model := cfg.Model
	if model == "" {
		model = "embed-english-v3.0"
	}
	rerankModel := cfg.RerankModel
	if rerankModel == "" {
		rerankModel = "rerank-english-v3.0"
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		switch model {
		case "embed-english-light-v3.0", "embed-multilingual-light-v3.0":
			dimension = 384
		case "embed-v4.0":
			dimension = 1536
		default:
			dimension = 1024
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 96
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &Client{
		client:      &http.Client{Timeout: timeout},
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		rerankModel: rerankModel,
		dimension:   dimension,
		batchSize:   batchSize,
		maxRetries:  maxRetries,
	}, nil
}

// Dimension returns the embedding vector dimension.
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Texts          []string `json:"texts"`
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
	Truncate       string   `json:"truncate,omitempty"`
}

type embedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

type cohereErrorResponse struct {
	Message string `json:"message"`
}

// Embed converts one text to a vector, using the query-side input type.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.embedBatch(ctx, []string{text}, "search_query")
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("received empty embedding from Cohere")
	}
	return embeddings[0], nil
}

// EmbedBatch converts document texts to vectors, preserving input order.
// Batches are capped at the provider's per-request maximum.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embeddings, err := c.embedBatch(ctx, texts[i:end], "search_document")
		if err != nil {
			return nil, err
		}
		if len(embeddings) != end-i {
			return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", end-i, len(embeddings))
		}
		results = append(results, embeddings...)
	}
	return results, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	req := embedRequest{
		Texts:          texts,
		Model:          c.model,
		InputType:      inputType,
		EmbeddingTypes: []string{"float"},
		Truncate:       "END",
	}

	var response embedResponse
	if err := c.post(ctx, "/v2/embed", req, &response); err != nil {
		return nil, err
	}
	if len(response.Embeddings.Float) == 0 {
		return nil, fmt.Errorf("received empty embeddings from Cohere")
	}
	return response.Embeddings.Float, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores documents against the query with a cross-encoder and returns
// at most topK results, highest relevance first, referencing inputs by index.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RankedDocument, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(documents) {
		topK = len(documents)
	}

	req := rerankRequest{
		Model:     c.rerankModel,
		Query:     query,
		Documents: documents,
		TopN:      topK,
	}
	var response rerankResponse
	if err := c.post(ctx, "/v2/rerank", req, &response); err != nil {
		return nil, err
	}

	ranked := make([]RankedDocument, 0, len(response.Results))
	for _, r := range response.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank returned out-of-range index %d", r.Index)
		}
		ranked = append(ranked, RankedDocument{Index: r.Index, Score: r.RelevanceScore})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

// post sends a JSON request with bounded retries on 429 and 5xx.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			slog.Warn("Cohere request failed, retrying",
				"path", path, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("failed to send request to Cohere: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("Cohere API returned status %d: %s", resp.StatusCode, string(body))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			var errorResp cohereErrorResponse
			if json.Unmarshal(body, &errorResp) == nil && errorResp.Message != "" {
				return fmt.Errorf("Cohere API error: %s", errorResp.Message)
			}
			return fmt.Errorf("Cohere API returned status %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return lastErr
}
