package conductor

import "context"

// StreamDeltaKind distinguishes chain-of-thought deltas from visible text
// deltas within a single streamed model turn.
type StreamDeltaKind string

const (
	DeltaThinking StreamDeltaKind = "thinking"
	DeltaText     StreamDeltaKind = "text"
)

// StreamDelta is one incremental chunk from a streaming model call. The
// agent loop separates thinking from text deltas and emits each as a
// streaming StepEvent sharing a step_number (§4.3 step 3).
type StreamDelta struct {
	Kind StreamDeltaKind
	Text string
}

// Provider abstracts the LLM backend: a streaming chat-completions
// endpoint with tool-use, extended-reasoning ("thinking") blocks, and
// prompt caching (§6).
type Provider interface {
	// Chat sends a request and returns a complete response, no tools.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions and returns a
	// complete (non-streamed) response that may contain tool calls.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// ChatStream streams thinking/text deltas into ch as they arrive, then
	// returns the final response (content, thinking, tool calls, usage
	// including cache-creation/cache-read breakdown). ch is always closed
	// by the callee before returning, including on error.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamDelta) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic").
	Name() string
}
