// Command conductord is the conversational agent runtime's HTTP server
// entrypoint: it wires the LLM provider, tool registry, change tracker,
// Redis-backed persistence, and the Streaming Gateway together and serves
// spec.md's HTTP API. Grounded on the teacher's cmd/oasis/main.go wiring
// shape — flat main, env-driven config, signal.NotifyContext shutdown —
// generalized from a single fixed agent to the gateway's per-request loop
// construction.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	conductor "github.com/arjunvale/conductor"
	"github.com/arjunvale/conductor/downstream"
	"github.com/arjunvale/conductor/gateway"
	"github.com/arjunvale/conductor/internal/config"
	"github.com/arjunvale/conductor/mcpclient"
	"github.com/arjunvale/conductor/observer"
	"github.com/arjunvale/conductor/provider/anthropic"
	"github.com/arjunvale/conductor/store/redis"
)

func main() {
	cfgPath := os.Getenv("CONDUCTOR_CONFIG")
	cfg := config.Load(cfgPath)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.Provider.APIKey == "" {
		log.Fatal("conductord: CONDUCTOR_PROVIDER_API_KEY (or provider.api_key in config) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store := redis.New(redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("conductord: redis ping failed: %v", err)
	}

	baseProvider := anthropic.NewClient(anthropic.Config{
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		Endpoint: cfg.Provider.BaseURL,
		Timeout:  cfg.Provider.RequestTimeout,
	})
	provider := conductor.WithRateLimit(
		conductor.WithRetry(baseProvider, conductor.RetryMaxAttempts(cfg.Provider.MaxRetries), conductor.RetryLogger(logger)),
		conductor.RPM(cfg.Provider.RequestsPerMin),
	)

	tools := conductor.NewToolRegistry()
	var mcpClients []*mcpclient.Client
	for _, sc := range cfg.MCP.Servers {
		mc, err := mcpclient.Connect(ctx, mcpclient.Config{
			Name:     sc.Name,
			Command:  sc.Command,
			Args:     sc.Args,
			Category: conductor.ToolCategory(sc.Category),
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf("conductord: connect mcp server %q: %v", sc.Name, err)
		}
		tools.Add(mc)
		mcpClients = append(mcpClients, mc)
	}
	defer func() {
		for _, mc := range mcpClients {
			_ = mc.Close()
		}
	}()

	downstreamClient := downstream.New(downstream.Config{})
	tracker := conductor.NewChangeTracker(downstreamClient, downstreamClient, store, store, commitSummarizer(provider))

	registry := conductor.NewChatRegistry(store, conductor.WithRegistryLogger(logger))

	var tracer conductor.Tracer
	if cfg.Tracing.Enabled {
		otelTracer, shutdown, err := observer.Init(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			log.Fatalf("conductord: init tracing: %v", err)
		}
		defer shutdown(context.Background())
		tracer = otelTracer
	}

	deps := gateway.Dependencies{
		Registry:          registry,
		Tools:             tools,
		Provider:          provider,
		Tracker:           tracker,
		Messages:          store,
		Commits:           store,
		WriteIntent:       detectWriteIntent,
		FilesDir:          cfg.Server.FilesDir,
		Commands:          defaultCommands(),
		Health:            store,
		MaxIterations:     cfg.Server.MaxIterations,
		CompressThreshold: cfg.Server.CompressThreshold,
		KeepaliveInterval: cfg.Server.KeepaliveInterval,
		Logger:            logger,
		Tracer:            tracer,
	}

	srv := gateway.New(deps)
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("conductord listening", "addr", cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("conductord: %v", err)
	}
}

// detectWriteIntent flags user text that plans a write action before the
// model is ever called, so read-only mode can refuse immediately (§4.3).
// A keyword heuristic errs toward over-detection: a false positive costs
// one clarifying turn, a false negative costs a failed downstream call.
func detectWriteIntent(userText string) (bool, string) {
	lower := strings.ToLower(userText)
	for _, kw := range []string{"create", "delete", "update", "patch", "modify", "remove", "set up", "configure", "change"} {
		if strings.Contains(lower, kw) {
			return true, fmt.Sprintf("user text contains write-intent keyword %q", kw)
		}
	}
	return false, ""
}

func defaultCommands() []gateway.Command {
	return []gateway.Command{
		{Name: "/help", Description: "Show available commands"},
		{Name: "/mode", Description: "Switch between read-only and read-write mode"},
		{Name: "/persona", Description: "Switch persona (default, cautious)"},
		{Name: "/revert", Description: "Revert the chat's most recent commit"},
	}
}
