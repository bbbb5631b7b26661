package gateway

import (
	"net/http"

	"github.com/labstack/echo/v5"

	conductor "github.com/arjunvale/conductor"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps the typed error taxonomy (errors.go, SPEC_FULL §10.2) onto
// an HTTP status: validation/not-found errors are 4xx, everything else the
// persistence/tool layer can return is an opaque 500.
func statusFor(err error) int {
	switch err.(type) {
	case *conductor.ValidationError:
		return http.StatusBadRequest
	case *conductor.AuthorizationError:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorBody{Error: err.Error()})
}

type createChatRequest struct {
	Mode    conductor.Mode    `json:"mode,omitempty"`
	Persona conductor.Persona `json:"persona,omitempty"`
}

type createChatResponse struct {
	ChatID    string `json:"chat_id"`
	CreatedAt int64  `json:"created_at"`
}

// createChatHandler implements POST /chats (§6). Credentials are forwarded
// via X-API-Token/X-API-Base-URL and held only in the registry's in-memory
// map, never persisted (§3, §4.1).
func (s *Server) createChatHandler(c echo.Context) error {
	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	if req.Mode == "" {
		req.Mode = conductor.ModeReadOnly
	}
	if req.Persona == "" {
		req.Persona = conductor.PersonaDefault
	}

	creds := conductor.Credentials{
		Token:   c.Request().Header.Get("X-API-Token"),
		BaseURL: c.Request().Header.Get("X-API-Base-URL"),
	}

	chat, err := s.deps.Registry.CreateChat(c.Request().Context(), creds, req.Mode, req.Persona)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, createChatResponse{ChatID: chat.ID, CreatedAt: chat.CreatedAt})
}

type listChatsResponse struct {
	Chats  []conductor.Chat `json:"chats"`
	Total  int              `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// listChatsHandler implements GET /chats?limit&offset (§6).
func (s *Server) listChatsHandler(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	chats, err := s.deps.Registry.ListChats(c.Request().Context(), limit, offset)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, listChatsResponse{Chats: chats, Total: len(chats), Limit: limit, Offset: offset})
}

type chatDetailResponse struct {
	conductor.Chat
	Messages []conductor.Message `json:"messages"`
}

// getChatHandler implements GET /chats/{id}: metadata plus the full
// transcript (§6 "Get chat details + messages").
func (s *Server) getChatHandler(c echo.Context) error {
	chatID := c.Param("id")
	chat, err := s.deps.Registry.GetChat(c.Request().Context(), chatID)
	if err != nil {
		return writeErr(c, err)
	}
	msgs, err := s.deps.Messages.ListMessages(c.Request().Context(), chatID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, chatDetailResponse{Chat: chat, Messages: msgs})
}

// deleteChatHandler implements DELETE /chats/{id}: cancels any active run
// before removing persisted metadata (§6, §4.1).
func (s *Server) deleteChatHandler(c echo.Context) error {
	chatID := c.Param("id")
	if err := s.deps.Registry.DeleteChat(c.Request().Context(), chatID); err != nil {
		return writeErr(c, err)
	}
	s.pendingMu.Lock()
	delete(s.pending, chatID)
	s.pendingMu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func queryInt(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}
