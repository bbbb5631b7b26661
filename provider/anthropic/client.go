package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arjunvale/conductor"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is Anthropic's Messages API.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens bounds a single completion when the caller doesn't
	// set GenerationParams.MaxOutputTokens.
	DefaultMaxTokens = 4096
	// DefaultThinkingBudget is the extended-reasoning token budget used
	// when a request sets EnableThinking without a caller-supplied budget.
	DefaultThinkingBudget = 2048
	// apiVersion is the Messages API's required anthropic-version header.
	apiVersion = "2023-06-01"
)

// Config configures a Client.
type Config struct {
	APIKey         string
	Model          string
	Endpoint       string
	MaxTokens      int
	ThinkingBudget int
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client implements conductor.Provider against Anthropic's Messages API.
type Client struct {
	apiKey         string
	model          string
	endpoint       string
	maxTokens      int
	thinkingBudget int
	httpClient     *http.Client
}

// NewClient builds a Client, applying defaults for every unset Config field.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.ThinkingBudget == 0 {
		cfg.ThinkingBudget = DefaultThinkingBudget
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		endpoint:       cfg.Endpoint,
		maxTokens:      cfg.MaxTokens,
		thinkingBudget: cfg.ThinkingBudget,
		httpClient:     httpClient,
	}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Chat(ctx context.Context, req conductor.ChatRequest) (conductor.ChatResponse, error) {
	return c.ChatWithTools(ctx, req, nil)
}

func (c *Client) ChatWithTools(ctx context.Context, req conductor.ChatRequest, tools []conductor.ToolDefinition) (conductor.ChatResponse, error) {
	wireReq := c.buildRequest(req, tools, false)
	resp, err := c.call(ctx, wireReq)
	if err != nil {
		return conductor.ChatResponse{}, err
	}
	return convertResponse(resp), nil
}

// ChatStream streams text and thinking deltas into ch as Anthropic emits
// them, accumulating tool_use input_json_delta fragments per block index,
// and returns the assembled final response. ch is always closed before
// returning, including on error (§6: provider contract).
func (c *Client) ChatStream(ctx context.Context, req conductor.ChatRequest, ch chan<- conductor.StreamDelta) (conductor.ChatResponse, error) {
	defer close(ch)

	wireReq := c.buildRequest(req, req.Tools, true)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("anthropic: build request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return conductor.ChatResponse{}, &conductor.ProviderError{Provider: "anthropic", Message: "request failed", Cause: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return conductor.ChatResponse{}, &conductor.ErrHTTP{Status: httpResp.StatusCode, Body: string(b)}
	}

	var (
		textBuf     strings.Builder
		thinkingBuf strings.Builder
		stopReason  string
		finalUsage  usage
		toolCalls   []conductor.ToolCall
		// partial tool_use blocks, keyed by content-block index, accumulated
		// across input_json_delta fragments.
		pendingTools = map[int]*conductor.ToolCall{}
		pendingJSON  = map[int]*strings.Builder{}
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				pendingTools[ev.Index] = &conductor.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				pendingJSON[ev.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				textBuf.WriteString(ev.Delta.Text)
				select {
				case ch <- conductor.StreamDelta{Kind: conductor.DeltaText, Text: ev.Delta.Text}:
				case <-ctx.Done():
					return conductor.ChatResponse{}, ctx.Err()
				}
			case "thinking_delta":
				thinkingBuf.WriteString(ev.Delta.Thinking)
				select {
				case ch <- conductor.StreamDelta{Kind: conductor.DeltaThinking, Text: ev.Delta.Thinking}:
				case <-ctx.Done():
					return conductor.ChatResponse{}, ctx.Err()
				}
			case "input_json_delta":
				if b, ok := pendingJSON[ev.Index]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if tc, ok := pendingTools[ev.Index]; ok {
				raw := pendingJSON[ev.Index].String()
				if raw == "" {
					raw = "{}"
				}
				tc.Args = json.RawMessage(raw)
				toolCalls = append(toolCalls, *tc)
				delete(pendingTools, ev.Index)
				delete(pendingJSON, ev.Index)
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				finalUsage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_start":
			if ev.Usage != nil {
				finalUsage.InputTokens = ev.Usage.InputTokens
				finalUsage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
				finalUsage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("anthropic: reading stream: %w", err)
	}

	return conductor.ChatResponse{
		Content:   textBuf.String(),
		Thinking:  thinkingBuf.String(),
		ToolCalls: toolCalls,
		Usage:     convertUsage(finalUsage),
	}, nil
}

func (c *Client) buildRequest(req conductor.ChatRequest, tools []conductor.ToolDefinition, stream bool) messagesRequest {
	systemBlocks, msgs := convertMessages(req.Messages)

	maxTokens := c.maxTokens
	var temperature float64
	if req.GenerationParams != nil {
		if req.GenerationParams.MaxOutputTokens > 0 {
			maxTokens = req.GenerationParams.MaxOutputTokens
		}
		if req.GenerationParams.Temperature != nil {
			temperature = *req.GenerationParams.Temperature
		}
	}

	wireReq := messagesRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      systemBlocks,
		Stream:      stream,
		Tools:       convertTools(tools),
	}
	if req.EnableThinking {
		wireReq.Thinking = &thinking{Type: "enabled", BudgetTokens: c.thinkingBudget}
		// The Messages API requires temperature 1 whenever thinking is
		// enabled; omit so Anthropic applies its own default.
		wireReq.Temperature = 0
	}
	return wireReq
}

func (c *Client) call(ctx context.Context, req messagesRequest) (*messagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &conductor.ProviderError{Provider: "anthropic", Message: "request failed", Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &conductor.ErrHTTP{Status: httpResp.StatusCode, Body: string(respBody)}
	}

	var resp messagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}
	return &resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// convertMessages splits system messages into Anthropic's separate system
// field and converts the rest into the wire message shape. A message whose
// CacheBreakpoint is set gets an ephemeral cache_control on its last block,
// implementing the "sliding prefix marked cacheable" rule (§4.3).
func convertMessages(msgs []conductor.ChatMessage) ([]block, []message) {
	var system []block
	var out []message

	for _, m := range msgs {
		switch m.Role {
		case "system":
			b := block{Type: "text", Text: m.Content}
			if m.CacheBreakpoint {
				b.CacheControl = &cacheControl{Type: "ephemeral"}
			}
			system = append(system, b)

		case "user":
			blocks := []block{{Type: "text", Text: m.Content}}
			for _, a := range m.Attachments {
				blocks = append(blocks, block{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: a.MimeType,
					Data:      a.Base64,
				}})
			}
			applyCacheBreakpoint(blocks, m.CacheBreakpoint)
			out = append(out, message{Role: "user", Content: blocks})

		case "assistant":
			var blocks []block
			if m.Thinking != "" {
				blocks = append(blocks, block{Type: "thinking", Thinking: m.Thinking})
			}
			if m.Content != "" {
				blocks = append(blocks, block{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: rawToAny(tc.Args)})
			}
			applyCacheBreakpoint(blocks, m.CacheBreakpoint)
			out = append(out, message{Role: "assistant", Content: blocks})

		case "tool":
			blk := block{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			out = append(out, message{Role: "user", Content: []block{blk}})
		}
	}

	return system, out
}

func applyCacheBreakpoint(blocks []block, set bool) {
	if !set || len(blocks) == 0 {
		return
	}
	blocks[len(blocks)-1].CacheControl = &cacheControl{Type: "ephemeral"}
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func convertTools(defs []conductor.ToolDefinition) []tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]tool, 0, len(defs))
	for _, d := range defs {
		var schema inputSchema
		if len(d.Parameters) > 0 {
			_ = json.Unmarshal(d.Parameters, &schema)
		}
		if schema.Type == "" {
			schema.Type = "object"
		}
		out = append(out, tool{Name: d.Name, Description: d.Description, InputSchema: schema})
	}
	return out
}

func convertResponse(resp *messagesResponse) conductor.ChatResponse {
	out := conductor.ChatResponse{Usage: convertUsage(resp.Usage)}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			out.Content += b.Text
		case "thinking":
			out.Thinking += b.Thinking
		case "tool_use":
			args, _ := json.Marshal(b.Input)
			out.ToolCalls = append(out.ToolCalls, conductor.ToolCall{ID: b.ID, Name: b.Name, Args: args})
		}
	}
	return out
}

func convertUsage(u usage) conductor.Usage {
	return conductor.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

var _ conductor.Provider = (*Client)(nil)
