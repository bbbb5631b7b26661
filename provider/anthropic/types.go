// Package anthropic implements conductor.Provider against Anthropic's
// Messages API: streaming, tool-use, extended-thinking blocks, and
// prompt-cache token accounting (SPEC_FULL §11).
package anthropic

// messagesRequest is the wire shape of a POST to /v1/messages.
type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
	System      []block   `json:"system,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Thinking    *thinking `json:"thinking,omitempty"`
}

// thinking requests extended reasoning, per the Messages API's
// budget_tokens knob.
type thinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type messagesResponse struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Role       string  `json:"role"`
	Content    []block `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stop_reason"`
	Usage      usage   `json:"usage"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

// block is a tagged union over every content-block shape the Messages API
// emits or accepts: text, thinking, tool_use, tool_result. cacheControl,
// when set on the last block of a cacheable prefix, marks it as a cache
// breakpoint (§4.3 "Prompt caching").
type block struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        any             `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
	Source       *imageSource    `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"input_schema"`
}

type inputSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// usage carries the prompt-cache creation/read breakdown the spec requires
// (§4.3 "Token accounting", §6 "cache-creation/cache-read breakdown").
type usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// streamEvent is one SSE frame's parsed `data:` payload from the streaming
// Messages API.
type streamEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock *block       `json:"content_block,omitempty"`
	Delta        *streamDelta `json:"delta,omitempty"`
	Usage        *usage       `json:"usage,omitempty"`
}

// streamDelta covers every delta shape: text_delta, thinking_delta,
// signature_delta, input_json_delta (partial tool-call arguments), and the
// message_delta's stop_reason.
type streamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}
