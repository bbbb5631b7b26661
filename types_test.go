package conductor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChatMessageConstructors(t *testing.T) {
	msg := UserMessage("hello")
	require.Equal(t, "user", msg.Role)
	require.Equal(t, "hello", msg.Content)
	require.Empty(t, msg.ToolCallID)
	require.Empty(t, msg.ToolCalls)

	require.Equal(t, "system", SystemMessage("you are helpful").Role)
	require.Equal(t, "assistant", AssistantMessage("sure thing").Role)
}

func TestToolResultMessageFields(t *testing.T) {
	callID := "call-abc"
	content := "tool output"
	msg := ToolResultMessage(callID, content)

	require.Equal(t, "tool", msg.Role)
	require.Equal(t, callID, msg.ToolCallID)
	require.Equal(t, content, msg.Content)
	require.NotEqual(t, msg.Content, msg.ToolCallID)
}

func TestMessageConstructorsEmpty(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
		role string
	}{
		{"UserMessage", UserMessage(""), "user"},
		{"SystemMessage", SystemMessage(""), "system"},
		{"AssistantMessage", AssistantMessage(""), "assistant"},
		{"ToolResultMessage", ToolResultMessage("", ""), "tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.role, tt.msg.Role)
		})
	}
}

func TestMessageTextOfConcatenatesTextBlocksOnly(t *testing.T) {
	m := Message{
		Blocks: []ContentBlock{
			{Kind: BlockThinking, Text: "let me think"},
			{Kind: BlockText, Text: "Hello, "},
			{Kind: BlockToolCall, ToolName: "get_queue"},
			{Kind: BlockText, Text: "world."},
		},
	}
	require.Equal(t, "Hello, world.", m.TextOf())
}

func TestTruncatePreview(t *testing.T) {
	short := "hi there"
	require.Equal(t, short, TruncatePreview(short))

	long := strings.Repeat("a", previewMaxLen+50)
	truncated := TruncatePreview(long)
	require.Len(t, []rune(truncated), previewMaxLen+1) // +1 for ellipsis marker
	require.True(t, strings.HasSuffix(truncated, "…"))
}

func TestRunStatusIsTerminal(t *testing.T) {
	require.False(t, RunPending.IsTerminal())
	require.False(t, RunRunning.IsTerminal())
	require.True(t, RunCompleted.IsTerminal())
	require.True(t, RunFailed.IsTerminal())
	require.True(t, RunCancelled.IsTerminal())
}

func TestUsageAddAccumulates(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 2}
	u.Add(Usage{InputTokens: 3, OutputTokens: 1, CacheCreationTokens: 4})

	require.Equal(t, Usage{InputTokens: 13, OutputTokens: 6, CacheCreationTokens: 4, CacheReadTokens: 2}, u)
}

func TestUsageBreakdownTotalRollsUpSubAgents(t *testing.T) {
	b := UsageBreakdown{
		Main: Usage{InputTokens: 100, OutputTokens: 50},
		SubAgents: map[string]Usage{
			"knowledge_search": {InputTokens: 20, OutputTokens: 10},
			"schema_patch":     {InputTokens: 5, OutputTokens: 5},
		},
	}
	total := b.Total()
	require.Equal(t, 125, total.InputTokens)
	require.Equal(t, 65, total.OutputTokens)
}
