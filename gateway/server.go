// Package gateway implements the Streaming Gateway (spec.md §4.2) and its
// HTTP API surface (§6) over github.com/labstack/echo/v5: a thin wrapper
// bundling every long-lived dependency, one setupRoutes call, one handler
// per endpoint — the same shape codeready-toolchain/tarsy's pkg/api
// server.go uses around gin, adapted here to Echo v5's router and
// middleware chain.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	conductor "github.com/arjunvale/conductor"
)

// DefaultKeepaliveInterval is shorter than any reverse-proxy idle timeout
// (spec.md §5: "default 15s").
const DefaultKeepaliveInterval = 15 * time.Second

// Command describes one slash-command surfaced by GET /commands for UI
// auto-complete (§6).
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Healther is implemented by a persistence backend that can report
// liveness; store/redis.Store satisfies it via its Ping method.
type Healther interface {
	Ping(ctx context.Context) error
}

// Dependencies bundles everything the gateway needs to serve one process's
// worth of chats. Built once at startup by cmd/conductord and handed to
// New.
type Dependencies struct {
	Registry *conductor.ChatRegistry
	Tools    *conductor.ToolRegistry
	Provider conductor.Provider
	Tracker  *conductor.ChangeTracker // nil disables change-tracking interception
	Messages conductor.MessageStore
	Commits  conductor.CommitStore

	SystemPrompt conductor.SystemPromptFunc
	WriteIntent  conductor.WriteIntentDetector

	// FilesDir is the base directory output files are written under, one
	// subdirectory per chat id (§6 GET /chats/{id}/files[/{name}]).
	FilesDir string

	Commands []Command
	Health   Healther // optional; nil skips the backing-store ping in /health

	MaxIterations     int
	StaggerDelay      time.Duration
	CompressThreshold int
	KeepaliveInterval time.Duration

	Logger *slog.Logger
	Tracer conductor.Tracer
}

func (d Dependencies) keepalive() time.Duration {
	if d.KeepaliveInterval > 0 {
		return d.KeepaliveInterval
	}
	return DefaultKeepaliveInterval
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Server is the Streaming Gateway: an Echo v5 app plus the in-flight
// suspend/resume bookkeeping a chat's confirm round-trip needs (§4.2, and
// SPEC_FULL §12's suspend/resume enrichment).
type Server struct {
	echo *echo.Echo
	deps Dependencies

	pendingMu sync.Mutex
	pending   map[string]*pendingSuspend // chatID -> awaiting confirmation
}

// pendingSuspend pairs a suspended run's ErrSuspended with the event
// channel its resume closure will keep writing into, so the confirm
// handler can stream the continuation on the same wire contract as the
// original message dispatch.
type pendingSuspend struct {
	suspended *conductor.ErrSuspended
	events    chan conductor.Event
}

// New builds a Server and registers its routes.
func New(deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true

	s := &Server{
		echo:    e,
		deps:    deps,
		pending: make(map[string]*pendingSuspend),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))

	s.setupRoutes()
	return s
}

// Handler returns the http.Handler the caller binds to a listener.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/commands", s.commandsHandler)

	chats := s.echo.Group("/chats")
	chats.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:               middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{Rate: 0.5, Burst: 30, ExpiresIn: time.Minute}),
		IdentifierExtractor: credentialKey,
	}))
	chats.POST("", s.createChatHandler)
	chats.GET("", s.listChatsHandler)
	chats.GET("/:id", s.getChatHandler)
	chats.DELETE("/:id", s.deleteChatHandler)

	messages := chats.Group("/:id/messages")
	messages.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:               middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{Rate: 1.0 / 6, Burst: 10, ExpiresIn: time.Minute}),
		IdentifierExtractor: credentialKey,
	}))
	messages.POST("", s.postMessageHandler)

	chats.POST("/:id/cancel", s.cancelHandler)
	chats.POST("/:id/confirm", s.confirmHandler)
	chats.GET("/:id/files", s.listFilesHandler)
	chats.GET("/:id/files/:name", s.downloadFileHandler)
}

// credentialKey extracts the rate-limit identity: the forwarded downstream
// bearer token (§6 "X-API-Token"), falling back to the caller's remote
// address so an unauthenticated request still gets bucketed rather than
// erroring.
func credentialKey(c echo.Context) (string, error) {
	if tok := c.Request().Header.Get("X-API-Token"); tok != "" {
		return tok, nil
	}
	return c.RealIP(), nil
}
