package conductor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFoldDropsThinkingBlocks(t *testing.T) {
	history := []Message{
		{Role: RoleAssistant, Blocks: []ContentBlock{
			{Kind: BlockThinking, Text: "let me consider the queue state"},
			{Kind: BlockText, Text: "the inbox queue has 3 items"},
		}},
	}
	folded := Fold(history)
	require.Len(t, folded.Messages, 1)
	require.Equal(t, "the inbox queue has 3 items", folded.Messages[0].Content)
	require.Empty(t, folded.Messages[0].Thinking)
}

func TestFoldCollapsesRepeatedToolResultsKeepingLatestFull(t *testing.T) {
	history := []Message{
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_queue", Text: "stale: 1 item"}}},
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_user", Text: "alice"}}},
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_queue", Text: "fresh: 3 items"}}},
	}
	folded := Fold(history)
	require.Contains(t, folded.Messages[0].Content, "collapsed")
	require.Equal(t, "alice", folded.Messages[1].Content, "single-occurrence tool must never collapse")
	require.Equal(t, "fresh: 3 items", folded.Messages[2].Content, "latest occurrence stays in full")
}

func TestFoldCollapsedDescriptorPreservesErrorFlag(t *testing.T) {
	history := []Message{
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "patch_schema", Text: "denied", IsError: true}}},
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "patch_schema", Text: "applied"}}},
	}
	folded := Fold(history)
	require.Contains(t, folded.Messages[0].Content, "error")
	require.Equal(t, "applied", folded.Messages[1].Content)
}

func TestFoldRetainsImagesFullyEvenWhenOld(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Blocks: []ContentBlock{
			{Kind: BlockText, Text: "what's in this screenshot"},
			{Kind: BlockImage, ImageMime: "image/png", ImageData: "Zm9v"},
		}},
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_queue", Text: "a"}}},
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_queue", Text: "b"}}},
	}
	folded := Fold(history)
	require.Len(t, folded.Messages[0].Attachments, 1)
	require.Equal(t, "image/png", folded.Messages[0].Attachments[0].MimeType)
	require.Equal(t, "Zm9v", folded.Messages[0].Attachments[0].Base64)
}

func TestFoldFinalAnswerAnchorUncollapsed(t *testing.T) {
	history := []Message{
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_queue", Text: "a"}}},
		{Role: RoleTool, Blocks: []ContentBlock{{Kind: BlockToolResult, ToolName: "get_queue", Text: "b"}}},
		{Role: RoleAssistant, Blocks: []ContentBlock{{Kind: BlockText, Text: "Queue 'inbox' currently has 3 items."}}},
	}
	folded := Fold(history)
	last := folded.Messages[len(folded.Messages)-1]
	require.Equal(t, "Queue 'inbox' currently has 3 items.", last.Content)
	require.Empty(t, last.ToolCalls)
}

func TestFoldPreservesToolCallsAndCallID(t *testing.T) {
	history := []Message{
		{Role: RoleAssistant, Blocks: []ContentBlock{
			{Kind: BlockToolCall, ToolName: "get_queue", ToolCallID: "call-1", ToolArgs: []byte(`{"id":"inbox"}`)},
		}},
		{Role: RoleTool, Blocks: []ContentBlock{
			{Kind: BlockToolResult, ToolName: "get_queue", ToolCallID: "call-1", Text: "3 items"},
		}},
	}
	folded := Fold(history)
	require.Len(t, folded.Messages[0].ToolCalls, 1)
	require.Equal(t, "call-1", folded.Messages[0].ToolCalls[0].ID)
	require.Equal(t, "call-1", folded.Messages[1].ToolCallID)
}
