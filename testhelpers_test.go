package conductor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// memStore is an in-memory ChatStore+MessageStore+CommitStore+SnapshotStore
// fake shared across registry_test.go, loop_test.go, and changetrack_test.go.
// It is not a substitute for store/redis's TTL semantics — tests that need
// expiry behavior use miniredis directly.
type memStore struct {
	mu        sync.Mutex
	chats     map[string]Chat
	messages  map[string][]Message
	commits   map[string][]string
	commitObj map[string]ConfigCommit
	snapshots map[string]EntitySnapshot // key: type/id/hash
	latest    map[string]EntitySnapshot // key: type/id
}

func newMemStore() *memStore {
	return &memStore{
		chats:     make(map[string]Chat),
		messages:  make(map[string][]Message),
		commits:   make(map[string][]string),
		commitObj: make(map[string]ConfigCommit),
		snapshots: make(map[string]EntitySnapshot),
		latest:    make(map[string]EntitySnapshot),
	}
}

func (s *memStore) CreateChat(_ context.Context, chat Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return nil
}

func (s *memStore) GetChat(_ context.Context, id string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, &ValidationError{Message: "chat not found: " + id}
	}
	return c, nil
}

func (s *memStore) ListChats(_ context.Context, limit, offset int) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *memStore) UpdateChat(_ context.Context, chat Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return nil
}

func (s *memStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	delete(s.messages, id)
	delete(s.commits, id)
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[chatID]...), nil
}

func (s *memStore) DeleteMessages(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, chatID)
	return nil
}

func (s *memStore) AppendCommit(_ context.Context, commit ConfigCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits[commit.ChatID] = append(s.commits[commit.ChatID], commit.Hash)
	s.commitObj[commit.Hash] = commit
	return nil
}

func (s *memStore) GetCommit(_ context.Context, hash string) (ConfigCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitObj[hash]
	if !ok {
		return ConfigCommit{}, &ValidationError{Message: "commit not found: " + hash}
	}
	return c, nil
}

func (s *memStore) ListCommits(_ context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits[chatID]...), nil
}

func (s *memStore) CommitRange(ctx context.Context, chatID, fromHash, toHash string) ([]ConfigCommit, error) {
	hashes, _ := s.ListCommits(ctx, chatID)
	var out []ConfigCommit
	inRange := false
	for _, h := range hashes {
		if h == fromHash {
			inRange = true
		}
		if inRange {
			c, err := s.GetCommit(ctx, h)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		if h == toHash {
			break
		}
	}
	return out, nil
}

func snapKey(entityType, entityID, hash string) string {
	return entityType + "/" + entityID + "/" + hash
}

func latestKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (s *memStore) PutSnapshot(_ context.Context, snap EntitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapKey(snap.EntityType, snap.EntityID, snap.CommitHash)] = snap
	s.latest[latestKey(snap.EntityType, snap.EntityID)] = snap
	return nil
}

func (s *memStore) GetSnapshot(_ context.Context, entityType, entityID, commitHash string) (EntitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[snapKey(entityType, entityID, commitHash)]
	if !ok {
		return EntitySnapshot{}, &ValidationError{Message: "snapshot not found"}
	}
	return snap, nil
}

func (s *memStore) LatestSnapshot(_ context.Context, entityType, entityID string) (EntitySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.latest[latestKey(entityType, entityID)]
	return snap, ok, nil
}

// callbackProvider captures each ChatRequest via onChat for assertions, and
// streams response.Thinking/Content as two deltas when used with
// ChatStream.
type callbackProvider struct {
	name     string
	response ChatResponse
	err      error
	onChat   func(ChatRequest)
}

func (c *callbackProvider) Name() string { return c.name }

func (c *callbackProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, c.err
}

func (c *callbackProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(req)
	}
	return c.response, c.err
}

func (c *callbackProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamDelta) (ChatResponse, error) {
	defer close(ch)
	if c.onChat != nil {
		c.onChat(req)
	}
	if c.err != nil {
		return ChatResponse{}, c.err
	}
	if c.response.Thinking != "" {
		ch <- StreamDelta{Kind: DeltaThinking, Text: c.response.Thinking}
	}
	if c.response.Content != "" {
		ch <- StreamDelta{Kind: DeltaText, Text: c.response.Content}
	}
	return c.response, nil
}

// contextReadingTool captures context in Execute for cancellation-propagation tests.
type contextReadingTool struct {
	category  ToolCategory
	readOnly  bool
	onExecute func(ctx context.Context)
}

func (t *contextReadingTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "ctx_reader", Category: t.category, ReadOnly: t.readOnly, Description: "Reads context"}}
}

func (t *contextReadingTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	if t.onExecute != nil {
		t.onExecute(ctx)
	}
	return ToolResult{Content: "ok"}, nil
}
