package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubProvider returns pre-configured results in order, shared across all
// three Provider methods via one call counter.
type stubProvider struct {
	calls   int
	results []stubResult
}

type stubResult struct {
	resp   ChatResponse
	deltas []string
	err    error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) next() stubResult {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{}
}

func (s *stubProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	r := s.next()
	return r.resp, r.err
}

func (s *stubProvider) ChatWithTools(_ context.Context, _ ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	r := s.next()
	return r.resp, r.err
}

func (s *stubProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- StreamDelta) (ChatResponse, error) {
	defer close(ch)
	r := s.next()
	for _, d := range r.deltas {
		ch <- StreamDelta{Kind: DeltaText, Text: d}
	}
	return r.resp, r.err
}

var _ Provider = (*stubProvider)(nil)

func TestWithRetryChatSucceedsFirstAttempt(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "hello"}}}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, 1, stub.calls)
}

func TestWithRetryChatRetriesOn503(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503, Body: "unavailable"}},
		{resp: ChatResponse{Content: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, 2, stub.calls)
}

func TestWithRetryChatRetriesOn429(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{resp: ChatResponse{Content: "ok"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestWithRetryChatRetriesOn412(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 412, Body: "precondition failed"}},
		{resp: ChatResponse{Content: "ok"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestWithRetryChatDoesNotRetryNonTransient(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{err: &ErrHTTP{Status: 401, Body: "unauthorized"}}}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	require.Equal(t, 1, stub.calls, "no retry for non-transient status")
}

func TestWithRetryChatExhaustsMaxAttempts(t *testing.T) {
	transient := stubResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &stubProvider{results: []stubResult{transient, transient, transient, transient}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	require.Equal(t, 3, stub.calls)
}

func TestWithRetryChatWithToolsRetriesOn429(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429}},
		{resp: ChatResponse{Content: "done"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.ChatWithTools(context.Background(), ChatRequest{}, []ToolDefinition{{Name: "test"}})
	require.NoError(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestWithRetryChatStreamRetriesOn503(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{deltas: []string{"hel", "lo"}, resp: ChatResponse{Content: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan StreamDelta, 8)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)

	var got string
	for d := range ch {
		got += d.Text
	}
	require.Equal(t, "hello", got)
	require.Equal(t, 2, stub.calls)
}

func TestWithRetryChatStreamNoRetryAfterDeltasSent(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{deltas: []string{"partial"}, err: &ErrHTTP{Status: 503}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan StreamDelta, 8)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	require.Error(t, err)
	require.Equal(t, 1, stub.calls, "no retry once a delta has already been forwarded")
}

func TestWithRetryChatTimeoutExceeded(t *testing.T) {
	transient := stubResult{err: &ErrHTTP{Status: 503}}
	stub := &stubProvider{results: []stubResult{transient, transient, transient}}
	p := WithRetry(stub, RetryBaseDelay(40*time.Millisecond), RetryTimeout(20*time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
}

func TestWithRetryChatTimeoutAllowsSuccess(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{resp: ChatResponse{Content: "ok"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(5*time.Second))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, 2, stub.calls)
}

func TestRetryOptimisticWriteSucceedsAfterPreconditionFailures(t *testing.T) {
	attempts := 0
	err := RetryOptimisticWrite(context.Background(), DefaultOptimisticRetryAttempts, 0, func(attempt int) error {
		attempts++
		if attempt < 2 {
			return &ErrHTTP{Status: 412, Body: "precondition failed"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryOptimisticWriteStopsOnNonPreconditionError(t *testing.T) {
	attempts := 0
	err := RetryOptimisticWrite(context.Background(), DefaultOptimisticRetryAttempts, 0, func(int) error {
		attempts++
		return &ErrHTTP{Status: 500, Body: "internal"}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryOptimisticWriteExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := RetryOptimisticWrite(context.Background(), 3, 0, func(int) error {
		attempts++
		return &ErrHTTP{Status: 412}
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}
