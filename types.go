package conductor

import "encoding/json"

// --- Chat ---

// Mode is a hard gate on which tools are offered in the schema.
type Mode string

const (
	ModeReadOnly  Mode = "read-only"
	ModeReadWrite Mode = "read-write"
)

// Persona adjusts prompt sections (caution in writes, clarifying questions)
// without changing the tool schema.
type Persona string

const (
	PersonaDefault  Persona = "default"
	PersonaCautious Persona = "cautious"
)

// Credentials are the downstream API bearer token and base URL, forwarded
// from the client and held only in-memory — never persisted.
type Credentials struct {
	Token   string
	BaseURL string
}

// Chat is the persisted metadata record for one conversation.
type Chat struct {
	ID        string  `json:"id"`
	CreatedAt int64   `json:"created_at"`
	Preview   string  `json:"preview"`
	Mode      Mode    `json:"mode"`
	Persona   Persona `json:"persona"`
	// MessageCount is monotonically increasing, bumped on each dispatched message.
	MessageCount int `json:"message_count"`
}

const previewMaxLen = 200

// TruncatePreview clips s to the preview length, appending an ellipsis
// marker when truncated.
func TruncatePreview(s string) string {
	r := []rune(s)
	if len(r) <= previewMaxLen {
		return s
	}
	return string(r[:previewMaxLen]) + "…"
}

// --- Message & content blocks ---

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind enumerates the content-block shapes a Message may carry.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockThinking   BlockKind = "thinking"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockImage      BlockKind = "image"
)

// ContentBlock is one piece of a Message. Tool-call and tool-result blocks
// share a ToolCallID; a tool-result block MUST reference a tool-call id
// emitted earlier in the same chat (invariant, §3).
type ContentBlock struct {
	Kind       BlockKind       `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	ImageMime  string          `json:"image_mime,omitempty"`
	ImageData  string          `json:"image_data,omitempty"` // base64
}

// Message is one ordered entry in a chat's transcript.
type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Timestamp int64          `json:"timestamp"`
	Usage     Usage          `json:"usage"`
	Sequence  int64          `json:"sequence"`
}

// TextOf concatenates the text blocks of a message, used for previews and
// for collapsing tool-result content into a single string for the wire
// protocol's ChatMessage.Content field.
func (m Message) TextOf() string {
	var out string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// --- RunState (per-chat, in-process, never persisted) ---

// RunStatus is the lifecycle state of one in-flight message dispatch.
type RunStatus int32

const (
	RunPending RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
	RunCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the run has finished (successfully or not).
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// --- Memory fold ---

// FoldedMemory is the compacted prompt state sent to the model on each
// iteration, derived from the raw Message transcript per §3's fold rules.
type FoldedMemory struct {
	Messages []ChatMessage
}

// --- Tool catalog ---

// ToolCategory names one of the enumerated dynamic-loading groups.
type ToolCategory string

const (
	CategoryAnnotations     ToolCategory = "annotations"
	CategoryQueues          ToolCategory = "queues"
	CategorySchemas         ToolCategory = "schemas"
	CategoryHooks           ToolCategory = "hooks"
	CategoryUsers           ToolCategory = "users"
	CategoryRules           ToolCategory = "rules"
	CategoryWorkspaces      ToolCategory = "workspaces"
	CategoryEngines         ToolCategory = "engines"
	CategoryEmailTemplates  ToolCategory = "email_templates"
	CategoryDocumentRelations ToolCategory = "document_relations"
	CategoryRelations       ToolCategory = "relations"
)

// --- ConfigCommit / EntitySnapshot ---

// EntityChange is one entity-level mutation within a ConfigCommit.
type EntityChange struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
}

// ConfigCommit is an atomic record of one or more entity writes produced in
// a single agent-loop iteration. Never mutated after creation; reverted by
// producing a new forward commit.
type ConfigCommit struct {
	Hash      string         `json:"hash"`
	ChatID    string         `json:"chat_id"`
	Timestamp int64          `json:"timestamp"`
	Author    string         `json:"author"` // sorted, comma-joined names of the tools that produced the mutations; "revert_commit" for reverts
	Message   string         `json:"message"`
	Changes   []EntityChange `json:"changes"`
	// RevertOf is set when this commit was produced by revert_commit,
	// naming the commit it reverts.
	RevertOf string `json:"revert_of,omitempty"`
}

// EntitySnapshot stores the full post-write state of one entity, indexed
// by (entity_type, entity_id, commit_hash). 7-day TTL.
type EntitySnapshot struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	CommitHash string          `json:"commit_hash"`
	State      json.RawMessage `json:"state"`
}

// --- TaskItem ---

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// TaskItem is a per-chat, ephemeral task-tracker entry. Broadcast on every
// mutation via a task_snapshot event.
type TaskItem struct {
	ID      string     `json:"id"`
	Subject string     `json:"subject"`
	Status  TaskStatus `json:"status"`
	Order   int        `json:"order"`
}

// --- LLM wire protocol ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	Thinking   string          `json:"thinking,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	CacheBreakpoint bool       `json:"cache_breakpoint,omitempty"` // marks this message as a cacheable prefix boundary
}

// Attachment represents binary content (image, document) sent inline to a
// multimodal LLM.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ResponseSchema tells the provider to enforce structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// GenerationParams carries provider-agnostic sampling knobs.
type GenerationParams struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

type ChatRequest struct {
	Messages         []ChatMessage     `json:"messages"`
	Tools            []ToolDefinition  `json:"tools,omitempty"`
	ResponseSchema   *ResponseSchema   `json:"response_schema,omitempty"`
	GenerationParams *GenerationParams `json:"generation_params,omitempty"`
	// EnableThinking requests extended-reasoning ("thinking") blocks.
	EnableThinking bool `json:"enable_thinking,omitempty"`
}

// ChatResponse is one LLM turn's result. Content is the visible assistant
// text; Thinking is the chain-of-thought, kept in-turn only per the fold
// rules and never replayed across turns.
type ChatResponse struct {
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage reports token accounting for one model call, including the
// prompt-cache creation/read breakdown required by §4.3/§6.
type Usage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// Add accumulates another Usage into this one, used to build the per-agent
// and per-sub-agent rollups reported in the done event.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationTokens += o.CacheCreationTokens
	u.CacheReadTokens += o.CacheReadTokens
}

// UsageBreakdown is the done event's full token-usage report: the main
// agent's usage plus each sub-agent tool's usage, tracked separately.
type UsageBreakdown struct {
	Main      Usage            `json:"main"`
	SubAgents map[string]Usage `json:"sub_agents,omitempty"`
}

// Total sums Main and every sub-agent's usage.
func (b UsageBreakdown) Total() Usage {
	total := b.Main
	for _, u := range b.SubAgents {
		total.Add(u)
	}
	return total
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Category    ToolCategory    `json:"category"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	ReadOnly    bool            `json:"read_only"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
