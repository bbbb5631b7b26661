package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	conductor "github.com/arjunvale/conductor"
)

// writeSSEEvent serializes one Event per the spec's exact wire format
// (§6: "event: <name>\ndata: <single-line JSON>\n\n").
func writeSSEEvent(c echo.Context, ev conductor.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

func writeSSEComment(c echo.Context, comment string) error {
	_, err := fmt.Fprintf(c.Response(), ": %s\n\n", comment)
	return err
}

func writeSSEKeepalive(c echo.Context) error {
	_, err := c.Response().Write([]byte(":ka\n\n"))
	return err
}

func openSSE(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable nginx buffering, per teradata-labs/loom's SSE handler
	c.Response().WriteHeader(200)
	_ = writeSSEComment(c, "stream-open")
	c.Response().Flush()
}

// streamRun pumps events from a running agent-loop RunHandle onto the SSE
// response until the run terminates, is suspended, or the client
// disconnects (§4.2 steps 3-8). It closes events, through finishRun, only
// after writing the run's done event. On "suspended" the channel is parked
// so confirmHandler can resume writing into it later (SPEC_FULL §12); on a
// client disconnect or a failed write the run is cancelled and events is
// left open.
func (s *Server) streamRun(c echo.Context, chatID string, events chan conductor.Event, handle *conductor.RunHandle) error {
	openSSE(c)

	ctx := c.Request().Context()
	keepalive := time.NewTicker(s.deps.keepalive())
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(c, ev); err != nil {
				s.deps.Registry.CancelRun(chatID)
				return nil
			}
			c.Response().Flush()
			keepalive.Reset(s.deps.keepalive())

			if ev.Name == conductor.SSEStep {
				if step, ok := ev.Payload.(conductor.StepEvent); ok && step.Type == conductor.StepSuspended {
					s.parkSuspended(chatID, events, handle)
					return nil
				}
			}
			if ev.Name == conductor.SSEDone {
				s.finishRun(chatID, events, handle)
				return nil
			}

		case <-keepalive.C:
			if err := writeSSEKeepalive(c); err != nil {
				s.deps.Registry.CancelRun(chatID)
				return nil
			}
			c.Response().Flush()

		case <-ctx.Done():
			s.deps.Registry.CancelRun(chatID)
			return nil
		}
	}
}

// finishRun awaits the run's settled result, closes events, and updates the
// chat's message count/preview (§4.1's TouchMessageCount contract).
// finishRun is only reached after observing a `done` event, so the
// underlying goroutine is finishing (or already finished) — Await with a
// background context rather than the (possibly already-cancelled) request
// context, since the result is needed regardless of client disconnect.
func (s *Server) finishRun(chatID string, events chan conductor.Event, handle *conductor.RunHandle) {
	result, _ := handle.Await(context.Background())
	close(events)
	s.touchChat(context.Background(), chatID, result)
}

// parkSuspended stashes the suspended run's ErrSuspended and its (still
// open) event channel for a later confirmHandler call, instead of closing
// events the way finishRun does.
func (s *Server) parkSuspended(chatID string, events chan conductor.Event, handle *conductor.RunHandle) {
	result, _ := handle.Await(context.Background())
	if result.Suspended == nil {
		// Tool suspended but the loop's bookkeeping didn't carry it through
		// to RunResult — nothing to park, fall through to the normal
		// completion path so the channel isn't leaked.
		s.finishRun(chatID, events, handle)
		return
	}
	s.pendingMu.Lock()
	s.pending[chatID] = &pendingSuspend{suspended: result.Suspended, events: events}
	s.pendingMu.Unlock()
}

func (s *Server) touchChat(ctx context.Context, chatID string, result conductor.RunResult) {
	if len(result.Memory.Messages) == 0 {
		return
	}
	var preview string
	for _, m := range result.Memory.Messages {
		if m.Role == "user" {
			preview = m.Content
		}
	}
	chat, err := s.deps.Registry.GetChat(ctx, chatID)
	if err != nil {
		return
	}
	_ = s.deps.Registry.TouchMessageCount(ctx, chatID, chat.MessageCount+1, preview)
}

// preloadCategories marks categories whose name appears in the user's
// first message as loaded, per §4.4 "keyword-based pre-loading from the
// user's first message".
func preloadCategories(registry *conductor.ChatRegistry, tools *conductor.ToolRegistry, chatID, userText string) {
	lower := strings.ToLower(userText)
	var hit []conductor.ToolCategory
	for _, cat := range tools.Categories() {
		if strings.Contains(lower, strings.ReplaceAll(string(cat), "_", " ")) || strings.Contains(lower, string(cat)) {
			hit = append(hit, cat)
		}
	}
	if len(hit) > 0 {
		registry.MarkCategoriesLoaded(chatID, hit...)
	}
}
