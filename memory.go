package conductor

import (
	"fmt"
	"strings"
)

// Fold compresses a chat's raw message log into the memory sent to the
// model on the next iteration (§3 Memory, §4.3 step 1, §8 invariant #10).
//
// Rules applied:
//   - Thinking blocks are kept in-turn only: a Thinking block accompanies
//     only the assistant turn that produced it and is never replayed into a
//     later iteration's prompt, so folding drops every Thinking block.
//   - Collapsible tool results: when the same tool name produced more than
//     one ToolResult block across the history, only the most recent is
//     kept in full; earlier ones collapse to a one-line descriptor. A tool
//     called only once is left untouched — it is trivially "the latest".
//   - Images are retained in full regardless of position in history.
//   - The most recent assistant message, if it carries no tool calls, is
//     the final-answer anchor for the prior turn and is never collapsed
//     (it has no ToolResult blocks to begin with, so this falls out of the
//     rule above rather than needing special-casing).
func Fold(history []Message) FoldedMemory {
	latest := latestToolResultMessageIndex(history)
	counts := toolResultCounts(history)

	out := make([]ChatMessage, 0, len(history))
	for i, msg := range history {
		cm := ChatMessage{Role: string(msg.Role)}
		var textParts []string

		for _, b := range msg.Blocks {
			switch b.Kind {
			case BlockThinking:
				continue // in-turn only, never folded forward
			case BlockText:
				if b.Text != "" {
					textParts = append(textParts, b.Text)
				}
			case BlockImage:
				cm.Attachments = append(cm.Attachments, Attachment{MimeType: b.ImageMime, Base64: b.ImageData})
			case BlockToolCall:
				cm.ToolCalls = append(cm.ToolCalls, ToolCall{ID: b.ToolCallID, Name: b.ToolName, Args: b.ToolArgs})
			case BlockToolResult:
				if b.ToolCallID != "" {
					cm.ToolCallID = b.ToolCallID
				}
				if counts[b.ToolName] > 1 && i != latest[b.ToolName] {
					textParts = append(textParts, collapsedDescriptor(b))
				} else {
					textParts = append(textParts, b.Text)
				}
			}
		}

		cm.Content = strings.Join(textParts, "\n")
		out = append(out, cm)
	}
	return FoldedMemory{Messages: out}
}

// collapsedDescriptor renders a single-line stand-in for an older,
// superseded tool result, preserving whether it errored but dropping the
// body.
func collapsedDescriptor(b ContentBlock) string {
	status := "ok"
	if b.IsError {
		status = "error"
	}
	return fmt.Sprintf("[%s result collapsed, superseded by a later call: %s]", b.ToolName, status)
}

// latestToolResultMessageIndex maps each tool name to the index of the
// last message in history containing one of its ToolResult blocks.
func latestToolResultMessageIndex(history []Message) map[string]int {
	latest := make(map[string]int)
	for i, msg := range history {
		for _, b := range msg.Blocks {
			if b.Kind == BlockToolResult && b.ToolName != "" {
				latest[b.ToolName] = i
			}
		}
	}
	return latest
}

// toolResultCounts counts how many ToolResult blocks exist per tool name
// across the whole history, used to decide whether a tool's results are
// eligible for collapsing at all (a tool called once is never collapsed).
func toolResultCounts(history []Message) map[string]int {
	counts := make(map[string]int)
	for _, msg := range history {
		for _, b := range msg.Blocks {
			if b.Kind == BlockToolResult && b.ToolName != "" {
				counts[b.ToolName]++
			}
		}
	}
	return counts
}
