package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v5"

	conductor "github.com/arjunvale/conductor"
)

type postMessageRequest struct {
	Content     string                  `json:"content"`
	Mode        *conductor.Mode         `json:"mode,omitempty"`
	Persona     *conductor.Persona      `json:"persona,omitempty"`
	Attachments []conductor.Attachment  `json:"attachments,omitempty"`
}

func (s *Server) loopConfig() conductor.LoopConfig {
	return conductor.LoopConfig{
		Provider:          s.deps.Provider,
		Tools:             s.deps.Tools,
		Tracker:           s.deps.Tracker,
		Messages:          s.deps.Messages,
		SystemPrompt:      s.deps.SystemPrompt,
		WriteIntent:       s.deps.WriteIntent,
		MaxIterations:     s.deps.MaxIterations,
		StaggerDelay:      s.deps.StaggerDelay,
		CompressThreshold: s.deps.CompressThreshold,
		Logger:            s.deps.logger(),
		Tracer:            s.deps.Tracer,
	}
}

// postMessageHandler implements POST /chats/{id}/messages: the Streaming
// Gateway's core endpoint (§4.2). It resolves the chat, supersedes any
// in-flight run, and streams the agent loop's events back as SSE.
func (s *Server) postMessageHandler(c echo.Context) error {
	chatID := c.Param("id")
	ctx := c.Request().Context()

	chat, err := s.deps.Registry.GetChat(ctx, chatID)
	if err != nil {
		return writeErr(c, err)
	}

	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "content is required"})
	}

	mode := chat.Mode
	if req.Mode != nil {
		mode = *req.Mode
	}
	persona := chat.Persona
	if req.Persona != nil {
		persona = *req.Persona
	}

	history, err := s.deps.Messages.ListMessages(ctx, chatID)
	if err != nil {
		return writeErr(c, err)
	}
	if len(history) == 0 {
		preloadCategories(s.deps.Registry, s.deps.Tools, chatID, req.Content)
	}

	task := conductor.Task{
		ChatID:      chatID,
		History:     history,
		UserText:    req.Content,
		Attachments: req.Attachments,
		Mode:        mode,
		Persona:     persona,
		Loaded:      s.deps.Registry.LoadedCategories(chatID),
	}

	events := make(chan conductor.Event, 16)
	cfg := s.loopConfig()
	if creds, ok := s.deps.Registry.Credentials(chatID); ok {
		ctx = conductor.WithCredentials(ctx, creds)
	}
	handle, cancel := s.deps.Registry.StartRun(ctx, chatID, func(runCtx context.Context) (conductor.RunResult, error) {
		return conductor.RunLoop(runCtx, cfg, task, events)
	})
	defer cancel()

	return s.streamRun(c, chatID, events, handle)
}

// cancelHandler implements POST /chats/{id}/cancel (§6): explicit
// out-of-band cancellation of the chat's active run.
func (s *Server) cancelHandler(c echo.Context) error {
	chatID := c.Param("id")
	cancelled := s.deps.Registry.CancelRun(chatID)
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type confirmRequest struct {
	Data map[string]any `json:"data"`
}

// confirmHandler resumes a run that suspended awaiting human confirmation
// of a pending write (SPEC_FULL §12, grounded on suspend.go's
// ErrSuspended.Resume). Not one of spec.md's original 10 endpoints — an
// enrichment exposing the suspend/resume mechanism already wired into the
// Agent Loop, so a tool that calls conductor.Suspend has somewhere to send
// the human's answer back to.
func (s *Server) confirmHandler(c echo.Context) error {
	chatID := c.Param("id")
	ctx := c.Request().Context()

	s.pendingMu.Lock()
	pending, ok := s.pending[chatID]
	if ok {
		delete(s.pending, chatID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "no suspended run awaiting confirmation for this chat"})
	}

	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	data, err := json.Marshal(req.Data)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}

	if creds, ok := s.deps.Registry.Credentials(chatID); ok {
		ctx = conductor.WithCredentials(ctx, creds)
	}
	handle, cancel := s.deps.Registry.StartRun(ctx, chatID, func(runCtx context.Context) (conductor.RunResult, error) {
		return pending.suspended.Resume(runCtx, data)
	})
	defer cancel()

	return s.streamRun(c, chatID, pending.events, handle)
}
