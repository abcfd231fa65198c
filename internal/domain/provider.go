package domain

import "context"

// ModelProvider is the interface for any model backend.
type ModelProvider interface {
	// Send submits a request and returns a complete response.
	Send(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "anthropic", "openai").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming model response.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// StreamingModelProvider extends ModelProvider with streaming support.
type StreamingModelProvider interface {
	ModelProvider
	// SendStream submits a request and returns a channel of incremental deltas.
	SendStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// StreamSink receives incremental turn progress from a streaming loop.
// Implementations must be cheap; they are called inline on the loop path.
type StreamSink interface {
	// Text delivers an incremental chunk of assistant text.
	Text(chunk string)
	// ToolStart signals that a tool call is about to execute.
	ToolStart(call ToolCall)
	// ToolEnd delivers the result of a tool call, including denials and failures.
	ToolEnd(result ToolResult)
}
