// Package downstream implements conductor.EntityReader and
// conductor.EntityWriter against the downstream platform API (spec.md §3:
// "a REST surface wrapped as a tool server"), grounded on
// provider/anthropic's http.Client-plus-context-deadline request shape.
// Credentials are never configured on the Client itself — each call reads
// them from the request's context (conductor.CredentialsFromContext),
// since they are per-chat and must never be persisted (§4.1).
package downstream

import (
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

// Client reads and writes downstream entities over HTTP. One Client is
// shared process-wide; it carries no per-chat state.
type Client struct {
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New builds a Client, applying a default timeout when unset.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{httpClient: httpClient}
}

// entityPath maps an EntityRef onto the downstream REST surface's
// convention: /{entity_type}/{entity_id}.
func entityPath(ref conductor.EntityRef) string {
	return "/" + ref.Type + "/" + ref.ID
}

// ReadEntity implements conductor.EntityReader.
func (c *Client) ReadEntity(ctx context.Context, ref conductor.EntityRef) (json.RawMessage, error) {
	creds, ok := conductor.CredentialsFromContext(ctx)
	if !ok || creds.BaseURL == "" {
		return nil, fmt.Errorf("downstream: no credentials attached to context for %s/%s", ref.Type, ref.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, creds.BaseURL+entityPath(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("downstream: build read request: %w", err)
	}
	setAuth(req, creds)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &conductor.TransientDownstreamError{ToolName: "read_entity", Attempts: 1, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downstream: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &conductor.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return json.RawMessage(body), nil
}

// WriteEntity implements conductor.EntityWriter as a plain PATCH; no
// If-Match header is sent. A 412 from the downstream API surfaces as
// *conductor.ErrHTTP, which RetryOptimisticWrite retries for
// ChangeTracker.RevertCommit (§4.4).
func (c *Client) WriteEntity(ctx context.Context, ref conductor.EntityRef, patch json.RawMessage) error {
	creds, ok := conductor.CredentialsFromContext(ctx)
	if !ok || creds.BaseURL == "" {
		return fmt.Errorf("downstream: no credentials attached to context for %s/%s", ref.Type, ref.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, creds.BaseURL+entityPath(ref), bytes.NewReader(patch))
	if err != nil {
		return fmt.Errorf("downstream: build write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, creds)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &conductor.TransientDownstreamError{ToolName: "write_entity", Attempts: 1, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &conductor.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func setAuth(req *http.Request, creds conductor.Credentials) {
	if creds.Token == "" {
		return
	}
	if strings.HasPrefix(creds.Token, "Bearer ") {
		req.Header.Set("Authorization", creds.Token)
		return
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
}

var (
	_ conductor.EntityReader = (*Client)(nil)
	_ conductor.EntityWriter = (*Client)(nil)
)
