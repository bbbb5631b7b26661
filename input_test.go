package conductor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubAgentBridgeFromContextMissing(t *testing.T) {
	b, ok := SubAgentBridgeFromContext(context.Background())
	require.False(t, ok)
	require.Nil(t, b)
}

func TestSubAgentBridgeContextRoundTrip(t *testing.T) {
	bridge := &SubAgentBridge{ParentToolName: "patch_schema", ParentCallID: "call-1"}
	ctx := WithSubAgentBridge(context.Background(), bridge)

	got, ok := SubAgentBridgeFromContext(ctx)
	require.True(t, ok)
	require.Same(t, bridge, got)
}

func TestSubAgentBridgeNotPropagatedToUnrelatedContext(t *testing.T) {
	bridge := &SubAgentBridge{ParentToolName: "patch_schema"}
	ctx := WithSubAgentBridge(context.Background(), bridge)

	// A context derived from a fresh Background() must not see the bridge —
	// it is scoped to the call tree it was attached to, not process-global.
	other := context.Background()
	_, ok := SubAgentBridgeFromContext(other)
	require.False(t, ok)

	// But a child of ctx still does.
	child, cancel := context.WithCancel(ctx)
	defer cancel()
	got, ok := SubAgentBridgeFromContext(child)
	require.True(t, ok)
	require.Same(t, bridge, got)
}
