package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// Config configures the Anthropic chat client.
type Config struct {
	// APIKey for the Anthropic API (required).
	APIKey string

	// Model for agent-quality calls (default: claude-sonnet-4-20250514).
	Model string

	// FastModel for cheap auxiliary calls such as contextual chunk prefixes
	// (default: claude-3-5-haiku-20241022).
	FastModel string

	// Host for the API (default: https://api.anthropic.com).
	Host string

	// MaxTokens per response (default: 4096).
	MaxTokens int

	// Temperature (default 1.0, the provider default).
	Temperature float64

	// Timeout per HTTP request (default: 120s).
	Timeout time.Duration

	// MaxRetries on retryable statuses (default: 3).
	MaxRetries int

	// RetryDelay base for backoff (default: 2s).
	RetryDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-20250514"
	}
	if c.FastModel == "" {
		c.FastModel = "claude-3-5-haiku-20241022"
	}
	if c.Host == "" {
		c.Host = "https://api.anthropic.com"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 1.0
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// Client talks to the Anthropic Messages API. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an Anthropic chat client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	cfg.setDefaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Model returns the primary model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// FastModel returns the cheap-path model identifier.
func (c *Client) FastModel() string { return c.cfg.FastModel }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// GenerateOptions tweak a single call away from the client defaults.
type GenerateOptions struct {
	Model       string  // override model ("" keeps the default)
	MaxTokens   int     // override max tokens (0 keeps the default)
	Temperature float64 // used only when TempSet is true, so 0 is expressible
	TempSet     bool
}

// Generate makes a non-streaming call and returns text, any requested tool
// calls, and token usage.
func (c *Client) Generate(ctx context.Context, system string, messages []Message, tools []ToolDefinition, opts GenerateOptions) (string, []ToolCall, Usage, error) {
	request := c.buildRequest(system, messages, false, tools, opts)

	response, err := c.makeRequest(ctx, request)
	if err != nil {
		return "", nil, Usage{}, err
	}
	if response.Error != nil {
		return "", nil, Usage{}, fmt.Errorf("Anthropic API error: %s", response.Error.Message)
	}

	usage := Usage{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}

	var text string
	var toolCalls []ToolCall
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			text += content.Text
		case "tool_use":
			rawArgs, _ := json.Marshal(content.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: content.Input,
				RawArgs:   string(rawArgs),
			})
		}
	}
	return text, toolCalls, usage, nil
}

// GenerateStreaming makes a streaming call. The returned channel carries text
// fragments in generation order and closes after a terminal "done" or "error"
// chunk.
func (c *Client) GenerateStreaming(ctx context.Context, system string, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error) {
	request := c.buildRequest(system, messages, true, nil, opts)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := c.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()
	return outputCh, nil
}

func (c *Client) buildRequest(system string, messages []Message, stream bool, tools []ToolDefinition, opts GenerateOptions) anthropicRequest {
	anthropicMessages := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == "tool":
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			var contents []anthropicContent
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			anthropicMessages = append(anthropicMessages, anthropicMessage{Role: "assistant", Content: contents})

		case len(msg.Images) > 0:
			contents := make([]anthropicContent, 0, len(msg.Images)+1)
			for _, img := range msg.Images {
				contents = append(contents, anthropicContent{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: img.MediaType,
						Data:      img.Base64,
					},
				})
			}
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			anthropicMessages = append(anthropicMessages, anthropicMessage{Role: msg.Role, Content: contents})

		default:
			anthropicMessages = append(anthropicMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	model := c.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := c.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := c.cfg.Temperature
	if opts.TempSet {
		temperature = opts.Temperature
	}

	request := anthropicRequest{
		Model:       model,
		Messages:    anthropicMessages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
		System:      system,
	}
	if len(tools) > 0 {
		anthropicTools := make([]anthropicTool, len(tools))
		for i, tool := range tools {
			anthropicTools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		request.Tools = anthropicTools
	}
	return request
}

type retryStrategy int

const (
	noRetry retryStrategy = iota
	conservativeRetry
	smartRetry
)

func strategyForStatus(statusCode int) retryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return smartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return conservativeRetry
	default:
		return noRetry
	}
}

func (c *Client) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	maxRetries := c.cfg.MaxRetries
	baseDelay := c.cfg.RetryDelay

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		response, strategy, retryAfter, err := c.attemptRequest(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if strategy == noRetry || attempt >= maxRetries {
			return nil, err
		}
		if strategy == conservativeRetry && attempt >= 2 {
			return nil, err
		}

		var delay time.Duration
		switch strategy {
		case smartRetry:
			if retryAfter > 0 {
				delay = retryAfter
			} else {
				exponential := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
				delay = exponential + time.Duration(float64(exponential)*0.1)
			}
		case conservativeRetry:
			delay = time.Duration(2+attempt) * time.Second
		}
		slog.Warn("Anthropic request failed, retrying",
			"attempt", attempt+1, "max_retries", maxRetries, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) attemptRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, retryStrategy, time.Duration, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, noRetry, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Host+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, noRetry, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, conservativeRetry, 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	retryAfter := parseRetryAfter(resp.Header)

	if resp.StatusCode != http.StatusOK {
		return nil, strategyForStatus(resp.StatusCode),
			retryAfter, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, noRetry, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, noRetry, 0, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
}

func parseRetryAfter(headers http.Header) time.Duration {
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
			return d
		}
	}
	if resetStr := headers.Get("anthropic-ratelimit-requests-reset"); resetStr != "" {
		if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
			if d := time.Until(resetTime); d > 0 {
				return d
			}
		}
	}
	return 0
}

func (c *Client) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Host+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	toolCalls := make(map[int]*ToolCall)
	var usage Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("failed to decode streaming event: %w", err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &ToolCall{
					ID:        event.ContentBlock.ID,
					Name:      event.ContentBlock.Name,
					Arguments: make(map[string]any),
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				outputCh <- StreamChunk{Type: "text", Text: event.Delta.Text}
			}
			if event.Delta.PartialJSON != "" {
				if tc, ok := toolCalls[event.Index]; ok {
					tc.RawArgs += event.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, ok := toolCalls[event.Index]; ok {
				if tc.RawArgs != "" {
					if err := json.Unmarshal([]byte(tc.RawArgs), &tc.Arguments); err != nil {
						tc.Arguments = map[string]any{"_raw": tc.RawArgs}
					}
				}
				outputCh <- StreamChunk{Type: "tool_call", ToolCall: tc}
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: "done", Usage: usage}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}
	return nil
}
