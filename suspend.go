package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// defaultSuspendTTL bounds how long a suspended run's captured history stays
// in memory without a Resume() call. When it elapses the closure is
// released automatically, so an abandoned confirmation prompt doesn't leak
// the whole chat transcript forever.
const defaultSuspendTTL = 30 * time.Minute

// errSuspend is the sentinel a tool's Execute returns to pause the
// enclosing run for human confirmation before an irreversible write
// (SPEC_FULL §12, answering §9 Open Question (a)).
type errSuspend struct {
	payload json.RawMessage
}

func (e *errSuspend) Error() string { return "suspend" }

// Suspend returns an error a tool can return from Execute to pause the
// run and hand control back to a human. payload carries whatever context
// the human needs to decide (the pending diff, a confirmation prompt).
func Suspend(payload json.RawMessage) error {
	return &errSuspend{payload: payload}
}

// suspendSignal is runIteration's internal carrier for a detected suspend:
// it names the tool call that triggered it so RunLoop can build the resume
// closure around exactly that call.
type suspendSignal struct {
	toolName   string
	toolCallID string
	payload    json.RawMessage
}

func (s *suspendSignal) Error() string {
	return fmt.Sprintf("tool %q suspended awaiting confirmation", s.toolName)
}

// ErrSuspended is carried on RunResult.Suspended (not returned as an error —
// the run ended cleanly, just incomplete) when a tool suspends the loop.
// Inspect Payload for what to show the human, then call Resume() with their
// response to re-enter the loop from the suspended point, or Release() if
// the confirmation window passed without a response.
type ErrSuspended struct {
	// Step is the name of the tool that suspended.
	Step string
	// Payload carries context for the human (what to show, what to decide).
	Payload json.RawMessage

	// resume is guarded by mu since the TTL timer releases it from a
	// separate goroutine.
	mu           sync.Mutex
	resume       func(ctx context.Context, data json.RawMessage) (RunResult, error)
	ttlTimer     *time.Timer
	snapshotSize int64
}

func (e *ErrSuspended) Error() string {
	return fmt.Sprintf("suspended awaiting confirmation for %q", e.Step)
}

// Resume re-enters the agent loop with the human's response substituted as
// the suspended tool call's result. Single-use: the captured history is
// freed after the first call. Returns an error if called on an already
// resumed, released, or expired ErrSuspended.
func (e *ErrSuspended) Resume(ctx context.Context, data json.RawMessage) (RunResult, error) {
	e.mu.Lock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	fn := e.resume
	e.resume = nil
	e.mu.Unlock()

	if fn == nil {
		return RunResult{}, errors.New("conductor: ErrSuspended already resumed, released, or expired")
	}
	return fn(ctx, data)
}

// Release frees the captured history without resuming. Call this when the
// confirmation will never come (timeout, user navigated away). Safe to call
// multiple times.
func (e *ErrSuspended) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	e.resume = nil
}

// WithSuspendTTL overrides the default 30-minute auto-release window.
func (e *ErrSuspended) WithSuspendTTL(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ttlTimer != nil {
		e.ttlTimer.Stop()
	}
	e.ttlTimer = time.AfterFunc(d, e.Release)
}

// estimateSnapshotSize returns a rough byte count for a captured history
// snapshot, for callers that want to cap how much suspended state they let
// accumulate across concurrently-suspended chats.
func estimateSnapshotSize(messages []Message) int64 {
	var size int64
	for _, m := range messages {
		for _, b := range m.Blocks {
			size += int64(len(b.Text)) + int64(len(b.ToolArgs))
		}
	}
	return size
}

// buildSuspended turns a suspendSignal caught mid-iteration into a fully
// wired ErrSuspended. The resume closure re-enters RunLoop with the human's
// response injected as the pending tool call's result, continuing the same
// chat without replaying the user turn that triggered this run (SkipUserTurn).
func buildSuspended(cfg LoopConfig, task Task, events chan<- Event, loaded map[ToolCategory]bool, sig *suspendSignal, snapshot []Message) *ErrSuspended {
	snap := append([]Message(nil), snapshot...)
	suspended := &ErrSuspended{
		Step:         sig.toolName,
		Payload:      sig.payload,
		snapshotSize: estimateSnapshotSize(snap),
		resume: func(ctx context.Context, data json.RawMessage) (RunResult, error) {
			resumed := append([]Message(nil), snap...)
			resumed = append(resumed, toolResultMessage(ToolCall{ID: sig.toolCallID, Name: sig.toolName}, string(data), false, int64(len(resumed))))
			resumeTask := Task{
				ChatID:       task.ChatID,
				History:      resumed,
				Mode:         task.Mode,
				Persona:      task.Persona,
				Loaded:       loaded,
				SkipUserTurn: true,
			}
			return RunLoop(ctx, cfg, resumeTask, events)
		},
	}
	suspended.WithSuspendTTL(defaultSuspendTTL)
	return suspended
}
