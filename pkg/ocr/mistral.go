// Package ocr adapts the Mistral OCR API, turning PDF bytes into per-page
// Markdown for downstream block extraction.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Page is the recognized content of a single PDF page.
type Page struct {
	Index    int
	Markdown string
}

// Config configures the OCR client.
type Config struct {
	// APIKey for the Mistral API (required).
	APIKey string

	// BaseURL for the API (default: https://api.mistral.ai).
	BaseURL string

	// Model name (default: mistral-ocr-latest).
	Model string

	// Timeout per document; OCR is slow on large PDFs (default: 60s).
	Timeout time.Duration
}

// Client talks to the OCR API. Safe for concurrent use.
type Client struct {
	client  *http.Client
	apiKey  string
	baseURL string
	model   string
}

// NewClient creates an OCR client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OCR")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.mistral.ai"
	}
	model := cfg.Model
	if model == "" {
		model = "mistral-ocr-latest"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
	}, nil
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Process runs OCR over a PDF and returns its pages in order.
func (c *Client) Process(ctx context.Context, pdf []byte) ([]Page, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("empty PDF input")
	}

	req := ocrRequest{
		Model: c.model,
		Document: ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
		},
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OCR request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/ocr", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCR response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCR API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ocrResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %w", err)
	}

	pages := make([]Page, len(response.Pages))
	for i, p := range response.Pages {
		pages[i] = Page{Index: p.Index, Markdown: p.Markdown}
	}
	return pages, nil
}
