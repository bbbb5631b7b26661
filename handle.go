package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunResult is what one agent-loop execution produces: the folded memory to
// carry into the next message on this chat, and the accumulated token
// usage breakdown (§4.3).
type RunResult struct {
	Memory FoldedMemory
	Usage  UsageBreakdown
	// Suspended is set when the run paused mid-loop awaiting human
	// confirmation of a pending write (SPEC_FULL §12). Callers that receive
	// a non-nil Suspended should surface Payload to the human and later call
	// Resume() or Release(); err is nil in this case — the run ended
	// cleanly, just incomplete.
	Suspended *ErrSuspended
}

// RunFunc is the agent loop entry point a RunHandle executes in the
// background. It must honor ctx cancellation at every suspension point
// (§5).
type RunFunc func(ctx context.Context) (RunResult, error)

// SpawnOption configures a Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger *slog.Logger
}

// SpawnLogger sets the structured logger for spawn lifecycle events.
func SpawnLogger(l *slog.Logger) SpawnOption {
	return func(c *spawnConfig) { c.logger = l }
}

// RunHandle tracks one chat's in-flight message dispatch — the in-process
// analogue of spec's RunState lifecycle. All methods are safe for
// concurrent use. A RunHandle is owned by exactly one ChatRegistry entry;
// the keepalive timer reads the SAME handle, never a copy (§9 ambient
// context pitfall).
type RunHandle struct {
	id     string
	chatID string
	status atomic.Int32
	result RunResult
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Spawn launches fn in a background goroutine bound to ctx, returning
// immediately with a handle for tracking, awaiting, and cancelling.
// Cancelling ctx (directly, or via the returned cancel from StartRun)
// cancels the run.
func Spawn(ctx context.Context, chatID string, fn RunFunc, opts ...SpawnOption) *RunHandle {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	logger := cfg.logger

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     NewID(),
		chatID: chatID,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.status.Store(int32(RunPending))

	logger.Info("run spawned", "chat_id", chatID, "run_id", h.id)

	go func() {
		defer cancel() // release context resources once the run finishes
		defer func() {
			if p := recover(); p != nil {
				logger.Error("run panic", "chat_id", chatID, "run_id", h.id, "panic", fmt.Sprintf("%v", p))
				h.result = RunResult{}
				h.err = fmt.Errorf("run panic: %v", p)
				h.status.Store(int32(RunFailed))
				close(h.done)
			}
		}()
		h.status.Store(int32(RunRunning))
		start := time.Now()
		result, err := fn(ctx)

		// Write result/err before close(done). The channel close is the
		// happens-before barrier: all readers (<-h.done in Await, Status,
		// Result) are guaranteed to see these writes after the close.
		h.result = result
		h.err = err
		switch {
		case ctx.Err() != nil && err != nil:
			h.status.Store(int32(RunCancelled))
			logger.Info("run cancelled", "chat_id", chatID, "run_id", h.id, "duration", time.Since(start))
		case err != nil:
			h.status.Store(int32(RunFailed))
			logger.Error("run failed", "chat_id", chatID, "run_id", h.id, "error", err, "duration", time.Since(start))
		default:
			h.status.Store(int32(RunCompleted))
			total := result.Usage.Total()
			logger.Info("run completed", "chat_id", chatID, "run_id", h.id,
				"duration", time.Since(start),
				"tokens.input", total.InputTokens,
				"tokens.output", total.OutputTokens)
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique run identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// ChatID returns the chat this run belongs to.
func (h *RunHandle) ChatID() string { return h.chatID }

// Status returns the current run status. If terminal, Status blocks until
// Done() is closed (nanoseconds) so that Result() is guaranteed valid once
// Status().IsTerminal() is observed true.
func (h *RunHandle) Status() RunStatus {
	s := RunStatus(h.status.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run finishes (any terminal status).
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Result returns the result and error. Only meaningful after Done() closes;
// before completion it returns a zero RunResult and nil error.
func (h *RunHandle) Result() (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return RunResult{}, nil
	}
}

// Cancel requests cancellation. Non-blocking. The run receives a cancelled
// context; Status transitions to RunCancelled once fn returns.
func (h *RunHandle) Cancel() { h.cancel() }
