package conductor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool defines one or more named capabilities grouped under a category.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution, already normalized to a
// JSON string per §4.4's uniform serializer (records/objects, lists, and
// sentinel error values all collapse to Content + optional Error).
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// loadToolCategoryDef is the always-present built-in that lets the model
// pull in additional tool categories mid-conversation (§4.4).
var loadToolCategoryDef = ToolDefinition{
	Name:        "load_tool_category",
	Category:    "",
	Description: "Load one or more tool categories into the schema for the rest of this chat.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"categories": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["categories"]
	}`),
	ReadOnly: true,
}

// ToolRegistry is the process-wide, immutable-after-startup catalog of
// tools, grouped by category for dynamic loading. Per-chat loaded-category
// sets are tracked separately (in ChatRegistry), not here — the registry
// itself never mutates after construction, so it needs no lock.
type ToolRegistry struct {
	byName     map[string]Tool
	defByName  map[string]ToolDefinition
	byCategory map[ToolCategory][]string // category -> tool names
	builtins   []string                  // always-schema names regardless of category load
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName:     make(map[string]Tool),
		defByName:  make(map[string]ToolDefinition),
		byCategory: make(map[ToolCategory][]string),
	}
}

// Add registers a tool's definitions. Panics on duplicate tool names since
// that reflects a catalog-construction bug, not a runtime condition.
func (r *ToolRegistry) Add(t Tool) {
	for _, d := range t.Definitions() {
		if _, exists := r.byName[d.Name]; exists {
			panic(fmt.Sprintf("conductor: duplicate tool name %q", d.Name))
		}
		r.byName[d.Name] = t
		r.defByName[d.Name] = d
		r.byCategory[d.Category] = append(r.byCategory[d.Category], d.Name)
	}
}

// AddBuiltin registers a tool that is always present in the schema,
// independent of category loading (file output, knowledge-base lookup,
// task tracker, skill loader, catalog loader).
func (r *ToolRegistry) AddBuiltin(t Tool) {
	r.Add(t)
	for _, d := range t.Definitions() {
		r.builtins = append(r.builtins, d.Name)
	}
}

// SchemaFor returns the tool definitions visible for a chat given its set
// of loaded categories and read-only mode. Built-ins and
// load_tool_category are always present. In read-only mode, descriptors
// with ReadOnly=false are excluded (§4.3, §4.4, invariant #6).
func (r *ToolRegistry) SchemaFor(loaded map[ToolCategory]bool, readOnly bool) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.builtins)+8)
	seen := make(map[string]bool)

	add := func(name string) {
		if seen[name] {
			return
		}
		d := r.defByName[name]
		if readOnly && !d.ReadOnly {
			return
		}
		defs = append(defs, d)
		seen[name] = true
	}

	for _, name := range r.builtins {
		add(name)
	}
	for cat, want := range loaded {
		if !want {
			continue
		}
		for _, name := range r.byCategory[cat] {
			add(name)
		}
	}
	defs = append(defs, loadToolCategoryDef)
	return defs
}

// Categories returns every category name known to the registry, used for
// keyword-based pre-loading from the user's first message.
func (r *ToolRegistry) Categories() []ToolCategory {
	cats := make([]ToolCategory, 0, len(r.byCategory))
	for c := range r.byCategory {
		if c == "" {
			continue
		}
		cats = append(cats, c)
	}
	return cats
}

// Lookup returns a tool definition by name, for schema validation before
// dispatch.
func (r *ToolRegistry) Lookup(name string) (ToolDefinition, bool) {
	d, ok := r.defByName[name]
	return d, ok
}

// Execute dispatches a tool call by name. Read-only gating is enforced
// here too (defense in depth, per §4.4: "refuses dispatch if one is
// somehow requested") even though SchemaFor already hides the descriptor.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, readOnly bool) (ToolResult, error) {
	d, ok := r.defByName[name]
	if !ok {
		return ToolResult{}, &ValidationError{Message: "unknown tool: " + name}
	}
	if readOnly && !d.ReadOnly {
		return ToolResult{}, &ValidationError{Message: "write tool " + name + " refused in read-only mode"}
	}
	t := r.byName[name]
	result, err := t.Execute(ctx, name, args)
	if err != nil {
		return result, &ToolExecutionError{ToolName: name, Cause: err}
	}
	return result, nil
}
