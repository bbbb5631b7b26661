// Package conductor is a conversational agent runtime: a long-lived service
// that accepts user messages over HTTP, drives an LLM tool-use loop, and
// streams progress and results back to clients over Server-Sent Events.
//
// The runtime is organized as five cooperating components:
//
//	ChatRegistry      owns per-chat RunState, supersession, cancellation
//	Streaming Gateway  HTTP + SSE surface (see package gateway)
//	Agent Loop        model <-> tool iteration, memory folding, sub-agents
//	Tool Runtime      catalog, dynamic category loading, dispatch, change tracking
//	Persistence       chat/message/commit/snapshot stores (see package store/redis)
//
// # Quick Start
//
//	reg := conductor.NewChatRegistry(store, conductor.WithRegistryLogger(logger))
//	chat, err := reg.CreateChat(ctx, creds, conductor.ModeReadWrite, conductor.PersonaDefault)
//	run, cancel := reg.StartRun(ctx, chat.ID, func(runCtx context.Context) (conductor.RunResult, error) {
//		return conductor.RunLoop(runCtx, loopCfg, task, events)
//	})
//	result, err := run.Await(ctx)
//
// # Core Interfaces
//
//   - [Provider] — LLM backend (chat, tool calling, streaming, thinking blocks)
//   - [Tool] — pluggable capability for LLM tool-use, grouped into categories
//   - [ChatStore], [MessageStore], [CommitStore], [SnapshotStore] — persistence
//
// # State isolation
//
// A chat's runtime state (output directory, last memory snapshot,
// cancellation token, in-flight tool set) is never held in ambient
// (context-value) storage — it lives in a RunState keyed by chat id inside
// the ChatRegistry's shared, mutex-guarded map, so a detached keepalive
// goroutine and the loop goroutine always observe the same state. See
// registry.go and the design note on the ambient-context pitfall in
// SPEC_FULL.md.
//
// # Included implementations
//
// Providers: provider/anthropic. Persistence: store/redis. Tool transport:
// mcpclient (MCP client over stdio). HTTP surface: gateway
// (Echo-based SSE server). See cmd/conductord for a complete reference
// application.
package conductor
