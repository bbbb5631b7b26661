package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithRateLimitRPMAllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(stub, RPM(60))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "a", resp.Content)
}

func TestWithRateLimitRPMBlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a"}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(stub, RPM(1))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Chat(ctx, ChatRequest{})
	require.Error(t, err, "second request within the same minute must block until timeout")
}

func TestWithRateLimitName(t *testing.T) {
	stub := &stubProvider{}
	p := WithRateLimit(stub, RPM(10))
	require.Equal(t, "stub", p.Name())
}

func TestWithRateLimitTPMAllowsWithinLimit(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 100, OutputTokens: 50}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{InputTokens: 100, OutputTokens: 50}}},
	}}
	p := WithRateLimit(stub, TPM(1000))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestWithRateLimitTPMBlocksWhenExceeded(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 500, OutputTokens: 500}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{InputTokens: 100, OutputTokens: 100}}},
	}}
	p := WithRateLimit(stub, TPM(1000))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Chat(ctx, ChatRequest{})
	require.Error(t, err, "budget already exhausted for this minute")
}

func TestWithRateLimitRPMAndTPMTogether(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 10, OutputTokens: 10}}},
		{resp: ChatResponse{Content: "b", Usage: Usage{InputTokens: 10, OutputTokens: 10}}},
	}}
	p := WithRateLimit(stub, RPM(100), TPM(20))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Chat(ctx, ChatRequest{})
	require.Error(t, err, "TPM is the tighter budget here, should block even though RPM has headroom")
}

func TestWithRateLimitChatWithTools(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "ok", Usage: Usage{InputTokens: 50, OutputTokens: 50}}},
	}}
	p := WithRateLimit(stub, RPM(60))

	resp, err := p.ChatWithTools(context.Background(), ChatRequest{}, []ToolDefinition{{Name: "test"}})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
}

func TestWithRateLimitChatStream(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{deltas: []string{"hel", "lo"}, resp: ChatResponse{Content: "hello", Usage: Usage{InputTokens: 30, OutputTokens: 20}}},
	}}
	p := WithRateLimit(stub, RPM(60), TPM(1000))

	ch := make(chan StreamDelta, 8)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)

	var got string
	for d := range ch {
		got += d.Text
	}
	require.Equal(t, "hello", got)
}

func TestWithRateLimitRecordsUsageOnlyWhenTPMConfigured(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "a", Usage: Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}}},
		{resp: ChatResponse{Content: "b"}},
	}}
	p := WithRateLimit(stub, RPM(100))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err, "no TPM budget configured, huge usage must never block")
}
