package conductor

import (
	"context"
	"log/slog"
)

// SubAgentBridge is what a sub-agent-capable tool (§4.4 "several tools...
// internally run their own bounded iteration loop") pulls out of its
// Execute context to stream its nested loop's progress back through the
// parent run's event channel, tagged with the dispatching tool call, and
// to run that nested loop against the same provider/registry/tracker the
// parent run uses.
//
// This is attached to the context for the lifetime of a single dispatch
// call only (WithSubAgentBridge is called once per tool dispatch in
// loop.go's safeDispatchOne) — it is not per-chat shared state and so does not
// fall under the ambient-context pitfall in SPEC_FULL.md §9: nothing here
// is read by a goroutine other than the one executing this one tool call.
type SubAgentBridge struct {
	Provider       Provider
	Tools          *ToolRegistry
	Tracker        *ChangeTracker
	Events         chan<- Event
	ParentToolName string
	ParentCallID   string
	Logger         *slog.Logger
	// Usage accumulates the nested loop's token usage so the dispatching
	// iteration can roll it up into UsageBreakdown.SubAgents keyed by
	// ParentToolName (§4.3 "accumulate separately ... for each sub-agent
	// tool").
	Usage *Usage
}

type subAgentBridgeCtxKey struct{}

// WithSubAgentBridge returns a child context carrying b.
func WithSubAgentBridge(ctx context.Context, b *SubAgentBridge) context.Context {
	return context.WithValue(ctx, subAgentBridgeCtxKey{}, b)
}

// SubAgentBridgeFromContext retrieves the SubAgentBridge attached by the
// dispatching loop iteration. Returns nil, false if this call was not
// dispatched by the agent loop (e.g. a direct unit-test call).
func SubAgentBridgeFromContext(ctx context.Context) (*SubAgentBridge, bool) {
	b, ok := ctx.Value(subAgentBridgeCtxKey{}).(*SubAgentBridge)
	return b, ok
}

type credentialsCtxKey struct{}

// WithCredentials attaches a chat's downstream credentials to ctx for the
// lifetime of one RunLoop call (§4.1: "never persisted ... held only in
// memory"). The gateway attaches these once, at StartRun time, before the
// run's context is handed to RunLoop — every tool dispatch, and the
// ChangeTracker's EntityReader/EntityWriter calls it wraps, inherit the
// same ctx and so can read them back.
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsCtxKey{}, creds)
}

// CredentialsFromContext retrieves the credentials attached by
// WithCredentials. Returns the zero value, false if none were attached.
func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsCtxKey{}).(Credentials)
	return c, ok
}
