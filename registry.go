package conductor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSupersessionGrace is how long StartRun waits for a superseded
// predecessor to observe cancellation and exit before returning control to
// the caller (§9 open question (c)).
const DefaultSupersessionGrace = 2 * time.Second

// RegistryOption configures a ChatRegistry.
type RegistryOption func(*ChatRegistry)

// WithSupersessionGrace overrides DefaultSupersessionGrace.
func WithSupersessionGrace(d time.Duration) RegistryOption {
	return func(r *ChatRegistry) { r.grace = d }
}

// WithRegistryLogger sets the structured logger used for lifecycle events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ChatRegistry) { r.logger = l }
}

// ChatRegistry is the single shared, synchronized home for every chat's
// in-process, non-persisted state: its current RunHandle (if any), its
// credentials, and its set of dynamically loaded tool categories. This is
// the one place that state is allowed to live — per §9, per-chat state
// must never be carried implicitly via ambient context on a detached
// goroutine (the keepalive ticker included), because that state would not
// be visible to the next request for the same chat. Everything here is
// instead keyed by chat id in maps guarded by a single mutex.
type ChatRegistry struct {
	mu    sync.Mutex
	runs  map[string]*RunHandle
	creds map[string]Credentials
	cats  map[string]map[ToolCategory]bool

	chats  ChatStore
	grace  time.Duration
	logger *slog.Logger
}

// NewChatRegistry creates a registry backed by the given ChatStore for
// durable chat metadata.
func NewChatRegistry(chats ChatStore, opts ...RegistryOption) *ChatRegistry {
	r := &ChatRegistry{
		runs:  make(map[string]*RunHandle),
		creds: make(map[string]Credentials),
		cats:  make(map[string]map[ToolCategory]bool),
		chats: chats,
		grace: DefaultSupersessionGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// CreateChat registers a new chat and returns its metadata. Credentials are
// held only in the registry's in-memory map — never written to the
// ChatStore (§3: "creator credentials in-memory-only").
func (r *ChatRegistry) CreateChat(ctx context.Context, creds Credentials, mode Mode, persona Persona) (Chat, error) {
	chat := Chat{
		ID:        NewID(),
		CreatedAt: NowUnix(),
		Mode:      mode,
		Persona:   persona,
	}
	if err := r.chats.CreateChat(ctx, chat); err != nil {
		return Chat{}, err
	}

	r.mu.Lock()
	r.creds[chat.ID] = creds
	r.cats[chat.ID] = make(map[ToolCategory]bool)
	r.mu.Unlock()

	r.logger.Info("chat created", "chat_id", chat.ID, "mode", mode, "persona", persona)
	return chat, nil
}

// Credentials returns the stored credentials for a chat, if any.
func (r *ChatRegistry) Credentials(chatID string) (Credentials, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[chatID]
	return c, ok
}

// LoadedCategories returns the set of tool categories this chat has loaded
// so far. The returned map is a snapshot copy, safe to range over without
// holding the registry lock.
func (r *ChatRegistry) LoadedCategories(chatID string) map[ToolCategory]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.cats[chatID]
	out := make(map[ToolCategory]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// MarkCategoriesLoaded adds categories to a chat's loaded set. Once loaded,
// a category stays loaded for the life of the chat (§4.4); the set itself
// is never persisted to durable storage (§9 open question (b)) — a process
// restart simply re-loads lazily on the next load_tool_category call.
func (r *ChatRegistry) MarkCategoriesLoaded(chatID string, categories ...ToolCategory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.cats[chatID]
	if !ok {
		set = make(map[ToolCategory]bool)
		r.cats[chatID] = set
	}
	for _, c := range categories {
		set[c] = true
	}
}

// GetRunState returns the chat's current RunHandle, or nil if no run is
// in flight.
func (r *ChatRegistry) GetRunState(chatID string) *RunHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[chatID]
}

// StartRun launches fn as the chat's new active run. If a predecessor run
// is still active, it is cancelled (supersession) and StartRun waits up to
// the registry's grace period for it to exit before starting the new one,
// so the two runs never concurrently mutate RunState for this chat.
//
// The returned cancel func lets the caller (the streaming gateway) tie the
// run's lifetime to the HTTP request's own cancellation, in addition to
// whatever later StartRun/CancelRun calls do.
func (r *ChatRegistry) StartRun(parent context.Context, chatID string, fn RunFunc) (*RunHandle, context.CancelFunc) {
	r.mu.Lock()
	predecessor := r.runs[chatID]
	r.mu.Unlock()

	if predecessor != nil && !predecessor.Status().IsTerminal() {
		predecessor.Cancel()
		select {
		case <-predecessor.Done():
		case <-time.After(r.grace):
			r.logger.Warn("supersession grace period elapsed before predecessor exited",
				"chat_id", chatID, "run_id", predecessor.ID())
		}
	}

	ctx, cancel := context.WithCancel(parent)
	handle := Spawn(ctx, chatID, fn, SpawnLogger(r.logger))

	r.mu.Lock()
	r.runs[chatID] = handle
	r.mu.Unlock()

	return handle, cancel
}

// CancelRun cancels the chat's active run, if any. Returns false if there
// is no active run to cancel.
func (r *ChatRegistry) CancelRun(chatID string) bool {
	r.mu.Lock()
	handle := r.runs[chatID]
	r.mu.Unlock()
	if handle == nil || handle.Status().IsTerminal() {
		return false
	}
	handle.Cancel()
	return true
}

// GetChat fetches chat metadata from the ChatStore.
func (r *ChatRegistry) GetChat(ctx context.Context, chatID string) (Chat, error) {
	return r.chats.GetChat(ctx, chatID)
}

// ListChats returns chats ordered most-recent-first.
func (r *ChatRegistry) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	return r.chats.ListChats(ctx, limit, offset)
}

// TouchMessageCount persists an updated message counter and preview after
// an iteration appends new messages.
func (r *ChatRegistry) TouchMessageCount(ctx context.Context, chatID string, count int, preview string) error {
	chat, err := r.chats.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	chat.MessageCount = count
	if preview != "" {
		chat.Preview = TruncatePreview(preview)
	}
	return r.chats.UpdateChat(ctx, chat)
}

// DeleteChat cancels any active run and removes the chat from the
// registry and its ChatStore.
func (r *ChatRegistry) DeleteChat(ctx context.Context, chatID string) error {
	r.CancelRun(chatID)

	r.mu.Lock()
	delete(r.runs, chatID)
	delete(r.creds, chatID)
	delete(r.cats, chatID)
	r.mu.Unlock()

	return r.chats.DeleteChat(ctx, chatID)
}
