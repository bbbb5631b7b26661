package conductor

import (
	"context"
	"errors"
	"fmt"
)

// DefaultSubAgentMaxIterations bounds a nested sub-agent loop (§4.4:
// "several tools ... internally run their own bounded iteration loop,
// typically 3-5 iterations").
const DefaultSubAgentMaxIterations = 5

// SubAgentTask describes one delegated sub-agent invocation: a focused
// system prompt distinct from the parent run's, the instruction being
// delegated, and the restricted tool subset the dispatching tool wants
// pre-opened so the nested loop never needs its own load_tool_category
// round-trip.
type SubAgentTask struct {
	SystemPrompt  string
	Instruction   string
	Categories    []ToolCategory
	MaxIterations int
	ReadOnly      bool
}

// RunSubAgent drives a bounded nested agent loop on behalf of a sub-agent
// tool's Execute call (§4.4 "Sub-agents"). Callers must invoke it with the
// same ctx their Execute received — that ctx is where safeDispatchOne
// attached the SubAgentBridge this function pulls the parent run's
// provider, tool registry, tracker, and event channel from.
//
// Progress streams back through the parent run's channel as
// sub_agent_progress/sub_agent_text events tagged with the dispatching
// tool call (§6), so the gateway can attribute nested output to the right
// parent without the client needing to understand recursion. Token usage
// rolls up into the bridge's Usage accumulator, which the dispatching
// iteration folds into UsageBreakdown.SubAgents keyed by tool name (§4.3).
//
// The nested loop never persists to a MessageStore (its transcript exists
// only to drive the delegated instruction to completion) and never
// confirms writes requiring suspension — a tool that needs a confirmation
// round-trip is not safe to expose to a sub-agent, and RunSubAgent returns
// an error rather than silently skipping the suspend.
func RunSubAgent(ctx context.Context, task SubAgentTask) (string, error) {
	bridge, ok := SubAgentBridgeFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("conductor: RunSubAgent called outside a tool dispatch context")
	}

	maxIter := task.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultSubAgentMaxIterations
	}

	cfg := LoopConfig{
		Provider:      bridge.Provider,
		Tools:         bridge.Tools,
		Tracker:       bridge.Tracker,
		Logger:        bridge.Logger,
		MaxIterations: maxIter,
	}.withDefaults()

	loaded := make(map[ToolCategory]bool, len(task.Categories))
	for _, c := range task.Categories {
		loaded[c] = true
	}

	em := &emitter{
		events:       bridge.Events,
		subAgent:     true,
		parentTool:   bridge.ParentToolName,
		parentCallID: bridge.ParentCallID,
	}

	history := []Message{{
		ID:        NewID(),
		Role:      RoleUser,
		Blocks:    []ContentBlock{{Kind: BlockText, Text: task.Instruction}},
		Timestamp: NowUnix(),
	}}

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		result, done, err := runIteration(ctx, cfg, iterationInput{
			stepNumber:   iteration,
			history:      history,
			systemPrompt: task.SystemPrompt,
			tools:        cfg.Tools.SchemaFor(loaded, task.ReadOnly),
			readOnly:     task.ReadOnly,
			em:           em,
		})
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return "", ErrCancelled
			}
			var sus *errSuspend
			if errors.As(err, &sus) {
				return "", fmt.Errorf("conductor: sub-agent %q called a tool requiring user confirmation, which sub-agents cannot request", bridge.ParentToolName)
			}
			var halt *ErrHalt
			if errors.As(err, &halt) {
				return halt.Response, nil
			}
			return "", err
		}

		if bridge.Usage != nil {
			bridge.Usage.Add(result.usage)
		}
		for _, cat := range result.newlyLoaded {
			loaded[cat] = true
		}
		history = append(history, result.appended...)

		if done {
			return lastAssistantText(result.appended), nil
		}
	}

	return "", fmt.Errorf("conductor: sub-agent %q exhausted %d iterations without a final answer", bridge.ParentToolName, cfg.MaxIterations)
}

func lastAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i].TextOf()
		}
	}
	return ""
}
