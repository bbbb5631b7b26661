package conductor

import "encoding/json"

// SSEEventName is the SSE `event:` field value — the top-level taxonomy of
// §4.2. Payload shape depends on the name.
type SSEEventName string

const (
	SSEStep              SSEEventName = "step"
	SSESubAgentProgress  SSEEventName = "sub_agent_progress"
	SSESubAgentText      SSEEventName = "sub_agent_text"
	SSETaskSnapshot      SSEEventName = "task_snapshot"
	SSEFileCreated       SSEEventName = "file_created"
	SSEDone              SSEEventName = "done"
)

// StepType is the `type` field of a StepEvent.
type StepType string

const (
	StepThinking     StepType = "thinking"
	StepIntermediate StepType = "intermediate"
	StepToolStart    StepType = "tool_start"
	StepToolResult   StepType = "tool_result"
	StepFinalAnswer  StepType = "final_answer"
	StepError        StepType = "error"
	// StepSuspended marks a run paused mid-loop to await human confirmation
	// of a pending write (SPEC_FULL §12). IsFinal=true; no done event follows
	// until Resume() re-enters the loop.
	StepSuspended StepType = "suspended"
)

// ToolProgress is a nullable current/total pair for long-running tools
// (sub-agent iterations in particular).
type ToolProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// StepEvent is the payload of the `step` SSE event (§4.2).
//
// Streaming lifecycle: for StepThinking, StepIntermediate, and
// StepFinalAnswer, multiple events may share the same (StepNumber, Type)
// with IsStreaming=true; consumers must treat later ones as replacing
// earlier ones ("commit on tuple change" — see SPEC_FULL §9). StepToolResult
// is always emitted once with IsStreaming=false. StepError is terminal
// with IsFinal=true.
type StepEvent struct {
	Type          StepType        `json:"type"`
	StepNumber    int             `json:"step_number"`
	Content       string          `json:"content,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolArguments json.RawMessage `json:"tool_arguments,omitempty"`
	ToolProgress  *ToolProgress   `json:"tool_progress,omitempty"`
	Result        string          `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	IsStreaming   bool            `json:"is_streaming"`
	IsFinal       bool            `json:"is_final,omitempty"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
}

// SubAgentProgressEvent is the payload of sub_agent_progress.
type SubAgentProgressEvent struct {
	ParentToolName string       `json:"parent_tool_name"`
	ParentCallID   string       `json:"parent_call_id"`
	Iteration      int          `json:"iteration"`
	Progress       ToolProgress `json:"progress"`
	Content        string       `json:"content,omitempty"`
}

// SubAgentTextEvent is the payload of sub_agent_text: a streamed text delta
// tagged with the owning parent tool name.
type SubAgentTextEvent struct {
	ParentToolName string `json:"parent_tool_name"`
	ParentCallID   string `json:"parent_call_id"`
	Delta          string `json:"delta"`
	IsStreaming    bool   `json:"is_streaming"`
}

// TaskSnapshotEvent is the payload of task_snapshot: the full current task
// list, broadcast on every mutation.
type TaskSnapshotEvent struct {
	Tasks []TaskItem `json:"tasks"`
}

// FileCreatedEvent is the payload of file_created.
type FileCreatedEvent struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// DoneEvent is the terminal payload: total token usage and, if a write
// occurred, the committed config-change summary.
type DoneEvent struct {
	Usage        UsageBreakdown `json:"usage"`
	CommitHash   string         `json:"commit_hash,omitempty"`
	CommitMessage string        `json:"commit_message,omitempty"`
	ChangeCount  int            `json:"change_count,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
}

// Event is one SSE frame: a name plus its typed payload, ready for
// json.Marshal into the `data:` line.
type Event struct {
	Name    SSEEventName
	Payload any
}

func StepEv(p StepEvent) Event              { return Event{Name: SSEStep, Payload: p} }
func SubAgentProgressEv(p SubAgentProgressEvent) Event { return Event{Name: SSESubAgentProgress, Payload: p} }
func SubAgentTextEv(p SubAgentTextEvent) Event { return Event{Name: SSESubAgentText, Payload: p} }
func TaskSnapshotEv(p TaskSnapshotEvent) Event { return Event{Name: SSETaskSnapshot, Payload: p} }
func FileCreatedEv(p FileCreatedEvent) Event { return Event{Name: SSEFileCreated, Payload: p} }
func DoneEv(p DoneEvent) Event               { return Event{Name: SSEDone, Payload: p} }
