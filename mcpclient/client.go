// Package mcpclient adapts a downstream MCP tool server into a
// conductor.Tool, so its list_tools/call_tool surface (§6 "Downstream tool
// server") is dispatched through the same ToolRegistry as every built-in
// tool. Grounded on tarsy's pkg/mcp client/transport/executor shape, using
// the official github.com/modelcontextprotocol/go-sdk.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/arjunvale/conductor"
)

// Config describes how to launch and categorize one downstream MCP server.
type Config struct {
	// Name identifies this server for client implementation metadata and
	// error messages.
	Name string
	// Command and Args launch the server over stdio (§6: "stdio or
	// WebSocket"; stdio is the transport this client supports).
	Command string
	Args    []string
	Env     map[string]string
	// Category tags every tool this server exposes, so it participates in
	// the dynamic-loading catalog (§4.4) like any other tool group.
	Category conductor.ToolCategory
	Logger   *slog.Logger
}

// Client is a conductor.Tool backed by one connected MCP server. Its
// Definitions() are fixed at Connect time from the server's list_tools
// response — the spec's catalog is process-wide and immutable after
// startup (§5), so a one-time discovery matches that contract; a server
// that changes its tool set requires a process restart.
type Client struct {
	name     string
	category conductor.ToolCategory
	logger   *slog.Logger

	client  *mcpsdk.Client
	session *mcpsdk.ClientSession

	defs   []conductor.ToolDefinition
	byName map[string]*mcpsdk.Tool
}

// Connect launches the configured server over stdio and performs the
// initial list_tools discovery.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpclient: %s: command is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	transport := &mcpsdk.CommandTransport{Command: cmd}
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "conductor", Version: "0.1.0"}, nil)

	session, err := sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: connect to %q: %w", cfg.Name, err)
	}

	c := &Client{
		name:     cfg.Name,
		category: cfg.Category,
		logger:   logger,
		client:   sdkClient,
		session:  session,
		byName:   make(map[string]*mcpsdk.Tool),
	}
	if err := c.discover(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) discover(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("mcpclient: %s: list_tools: %w", c.name, err)
	}
	c.defs = c.defs[:0]
	for _, t := range result.Tools {
		qualified := c.name + "." + t.Name
		c.byName[qualified] = t
		c.defs = append(c.defs, conductor.ToolDefinition{
			Name:        qualified,
			Category:    c.category,
			Description: t.Description,
			Parameters:  marshalSchema(t.InputSchema),
			// Downstream tools expose read_only metadata (§6); the SDK's
			// generic Tool type has no such annotation, so ReadOnly is left
			// false and every tool from this server is treated as a write
			// tool; nothing here marks a tool read-only.
		})
	}
	return nil
}

// Definitions returns every tool this server exposed at connect time.
func (c *Client) Definitions() []conductor.ToolDefinition { return c.defs }

// Execute dispatches name.call_tool against the connected session,
// converting MCP's structured result into conductor's normalized
// ToolResult (§4.4 "uniform serializer").
func (c *Client) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	tool, ok := c.byName[name]
	if !ok {
		return conductor.ToolResult{}, fmt.Errorf("mcpclient: %s: unknown tool %q", c.name, name)
	}

	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return conductor.ToolResult{}, fmt.Errorf("mcpclient: %s: bad arguments for %q: %w", c.name, name, err)
		}
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool.Name, Arguments: params})
	if err != nil {
		return conductor.ToolResult{}, &conductor.TransientDownstreamError{ToolName: name, Attempts: 1, Cause: err}
	}

	content := extractText(result)
	if result.IsError {
		return conductor.ToolResult{Content: content, Error: content}, nil
	}
	return conductor.ToolResult{Content: content}, nil
}

// Close disconnects the underlying session.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

var _ conductor.Tool = (*Client)(nil)
