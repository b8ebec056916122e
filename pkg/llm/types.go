// Package llm is the chat-model adapter: non-streaming generation with tool
// use, token-by-token streaming, and vision inputs, with retry and rate-limit
// handling around the provider HTTP API.
package llm

// Message is a single conversation turn in provider-neutral form.
type Message struct {
	Role       string // "user", "assistant", or "tool"
	Content    string
	ToolCalls  []ToolCall  // set on assistant turns that requested tools
	ToolCallID string      // set on tool turns, references the originating call
	Images     []ImageData // optional vision inputs on user turns
}

// ImageData is a base64-encoded inline image.
type ImageData struct {
	MediaType string // e.g. "image/png"
	Base64    string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	RawArgs   string
}

// ToolDefinition describes a callable tool in JSON Schema form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the provider's token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one unit of a streaming response.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Error    error
}
