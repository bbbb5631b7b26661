package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockTool struct {
	category ToolCategory
	readOnly bool
	name     string
}

func (m mockTool) Definitions() []ToolDefinition {
	name := m.name
	if name == "" {
		name = "greet"
	}
	return []ToolDefinition{{Name: name, Category: m.category, ReadOnly: m.readOnly, Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type errTool struct{}

func (e errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Category: CategoryQueues, ReadOnly: true}}
}
func (e errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

func TestToolRegistryExecuteDispatchesByName(t *testing.T) {
	reg := NewToolRegistry()
	reg.AddBuiltin(mockTool{name: "greet", readOnly: true})

	res, err := reg.Execute(context.Background(), "greet", nil, false)
	require.NoError(t, err)
	require.Equal(t, "hello from greet", res.Content)
}

func TestToolRegistryExecuteUnknownToolIsValidationError(t *testing.T) {
	reg := NewToolRegistry()
	_, err := reg.Execute(context.Background(), "nonexistent", nil, false)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestToolRegistryExecuteWrapsToolErrors(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(errTool{})

	_, err := reg.Execute(context.Background(), "fail", nil, false)
	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "fail", execErr.ToolName)
}

func TestToolRegistryAddPanicsOnDuplicateName(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{name: "dup"})
	require.Panics(t, func() { reg.Add(mockTool{name: "dup"}) })
}

func TestSchemaForBuiltinsAlwaysPresent(t *testing.T) {
	reg := NewToolRegistry()
	reg.AddBuiltin(mockTool{name: "file_output", readOnly: true})
	reg.Add(mockTool{name: "create_queue", category: CategoryQueues, readOnly: false})

	defs := reg.SchemaFor(nil, false)
	names := defNames(defs)
	require.Contains(t, names, "file_output")
	require.Contains(t, names, "load_tool_category")
	require.NotContains(t, names, "create_queue", "unloaded category must not appear")
}

func TestSchemaForLoadsOnlyRequestedCategory(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{name: "create_queue", category: CategoryQueues, readOnly: false})
	reg.Add(mockTool{name: "create_user", category: CategoryUsers, readOnly: false})

	defs := reg.SchemaFor(map[ToolCategory]bool{CategoryQueues: true}, false)
	names := defNames(defs)
	require.Contains(t, names, "create_queue")
	require.NotContains(t, names, "create_user")
}

func TestSchemaForReadOnlyModeExcludesWriteTools(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{name: "create_queue", category: CategoryQueues, readOnly: false})
	reg.Add(mockTool{name: "get_queue", category: CategoryQueues, readOnly: true})

	defs := reg.SchemaFor(map[ToolCategory]bool{CategoryQueues: true}, true)
	names := defNames(defs)
	require.NotContains(t, names, "create_queue")
	require.Contains(t, names, "get_queue")
}

func TestExecuteRefusesWriteToolInReadOnlyMode(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(mockTool{name: "create_queue", category: CategoryQueues, readOnly: false})

	_, err := reg.Execute(context.Background(), "create_queue", nil, true)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr, "read-only mode must refuse dispatch even if somehow requested")
}

func defNames(defs []ToolDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
