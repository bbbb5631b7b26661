package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxIterations is the default hard iteration cap (§4.3).
const DefaultMaxIterations = 30

// DefaultWriteStaggerDelay is the minimum spacing between dispatches of two
// write calls that touch the same entity category within one iteration
// (§4.4: "staggered by a small delay (≈0.5s between dispatch)").
const DefaultWriteStaggerDelay = 500 * time.Millisecond

// maxToolResultMessageLen caps a single tool result's length in the folded
// transcript so one verbose tool cannot blow out the prompt budget; the
// full result is still emitted in the tool_result event untruncated.
const maxToolResultMessageLen = 100_000

// maxParallelDispatch bounds the worker pool used for one iteration's
// concurrent tool dispatch (§4.4 "dispatched concurrently").
const maxParallelDispatch = 10

// defaultCompressThreshold is the folded-history rune count at which
// context compression runs between iterations (SPEC_FULL §12, supplemented
// from teacher's loop.go compressMessages).
const defaultCompressThreshold = 200_000

// Task is one agent-loop invocation's input (§4.3 Inputs).
type Task struct {
	ChatID      string
	History     []Message // prior transcript already persisted for this chat
	UserText    string
	Attachments []Attachment
	Mode        Mode
	Persona     Persona
	Loaded      map[ToolCategory]bool // categories already loaded for this chat
	// SkipUserTurn is set by ErrSuspended's resume closure: the history it
	// carries already ends with the human's confirmation response folded in
	// as a tool result, so RunLoop must not append another user turn on top
	// of it (SPEC_FULL §12).
	SkipUserTurn bool
}

// SystemPromptFunc composes the system prompt from persona, mode, and the
// chat's loaded tool categories (§4.3 step 1: "persona, mode, loaded
// skills, URL context, active SoW/plan artifacts").
type SystemPromptFunc func(task Task) string

// WriteIntentDetector flags user text that plans a write action, so
// read-only mode can refuse before ever calling the model (§4.3:
// "write intents detected in planning cause an immediate user-facing stop
// ... the agent must not attempt and fail").
type WriteIntentDetector func(userText string) (detected bool, reason string)

// LoopConfig holds everything RunLoop needs for one chat message dispatch.
// Built once per run by the streaming gateway from its long-lived
// dependencies (provider, registry, tracker, stores) plus the per-run Task.
type LoopConfig struct {
	Provider   Provider
	Tools      *ToolRegistry
	Tracker    *ChangeTracker // nil disables change-tracking interception entirely
	Processors *ProcessorChain
	Messages   MessageStore // nil disables persistence (used by subagent.go's nested loops)

	SystemPrompt     SystemPromptFunc
	WriteIntent      WriteIntentDetector
	GenerationParams *GenerationParams

	MaxIterations     int
	StaggerDelay      time.Duration
	CompressThreshold int // 0 = default, negative = disabled

	Logger *slog.Logger
	Tracer Tracer
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Processors == nil {
		c.Processors = NewProcessorChain()
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = DefaultWriteStaggerDelay
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = defaultCompressThreshold
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
	if c.SystemPrompt == nil {
		c.SystemPrompt = defaultSystemPrompt
	}
	return c
}

func defaultSystemPrompt(task Task) string {
	var b strings.Builder
	b.WriteString("You are a conversational agent operating against a downstream configuration API.\n")
	fmt.Fprintf(&b, "Mode: %s. Persona: %s.\n", task.Mode, task.Persona)
	if task.Persona == PersonaCautious {
		b.WriteString("Be cautious with writes: confirm intent and ask clarifying questions before mutating state.\n")
	}
	if task.Mode == ModeReadOnly {
		b.WriteString("This chat is read-only: you have no write tools available and must not attempt one.\n")
	}
	return b.String()
}

// RunLoop drives one chat message through the agent loop: builds the
// prompt, streams the model, dispatches tool calls (with change-tracking
// interception and entity-category write staggering), folds memory, and
// repeats until a final answer, the iteration cap, cancellation, or an
// unrecoverable error (§4.3). events receives every StepEvent/DoneEvent for
// this run; it may be nil (e.g. a detached replay with no SSE consumer).
func RunLoop(ctx context.Context, cfg LoopConfig, task Task, events chan<- Event) (RunResult, error) {
	cfg = cfg.withDefaults()
	em := &emitter{events: events}

	if task.Mode == ModeReadOnly && cfg.WriteIntent != nil {
		if detected, reason := cfg.WriteIntent(task.UserText); detected {
			em.step(ctx, StepEvent{Type: StepError, StepNumber: 0, Content: "write action requested in read-only mode: " + reason, IsFinal: true})
			em.done(ctx, DoneEvent{})
			return RunResult{Memory: Fold(task.History)}, nil
		}
	}

	history := append([]Message(nil), task.History...)
	if !task.SkipUserTurn {
		history = append(history, Message{
			ID:        NewID(),
			ChatID:    task.ChatID,
			Role:      RoleUser,
			Blocks:    userBlocks(task),
			Timestamp: NowUnix(),
			Sequence:  int64(len(history)),
		})
		cfg.persist(ctx, history[len(history)-1])
	}

	readOnly := task.Mode == ModeReadOnly
	loaded := task.Loaded
	if loaded == nil {
		loaded = map[ToolCategory]bool{}
	}

	var usage UsageBreakdown
	var lastCommit ConfigCommit
	var totalChanges int
	systemPrompt := cfg.SystemPrompt(task)

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		iterCtx := ctx
		var span Span
		if cfg.Tracer != nil {
			iterCtx, span = cfg.Tracer.Start(ctx, "agent.loop.iteration", IntAttr("iteration", iteration))
		}

		result, done, err := runIteration(iterCtx, cfg, iterationInput{
			stepNumber:   iteration,
			history:      history,
			systemPrompt: systemPrompt,
			tools:        cfg.Tools.SchemaFor(loaded, readOnly),
			readOnly:     readOnly,
			em:           em,
		})
		if span != nil {
			span.End()
		}

		if err != nil {
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				em.done(ctx, DoneEvent{Usage: usage, Cancelled: true})
				return RunResult{Memory: Fold(history), Usage: usage}, nil
			}
			var sig *suspendSignal
			if errors.As(err, &sig) {
				snapshot := append(append([]Message(nil), history...), result.appended...)
				suspended := buildSuspended(cfg, task, events, loaded, sig, snapshot)
				em.step(ctx, StepEvent{Type: StepSuspended, StepNumber: iteration, ToolName: sig.toolName, ToolCallID: sig.toolCallID, Content: "awaiting confirmation", IsFinal: true})
				return RunResult{Memory: Fold(snapshot), Usage: usage, Suspended: suspended}, nil
			}
			var halt *ErrHalt
			if errors.As(err, &halt) {
				history = append(history, assistantTextMessage(halt.Response, len(history)))
				cfg.persist(ctx, history[len(history)-1])
				em.step(ctx, StepEvent{Type: StepFinalAnswer, StepNumber: iteration, Content: halt.Response, IsFinal: true})
				em.done(ctx, DoneEvent{Usage: usage})
				return RunResult{Memory: Fold(history), Usage: usage}, nil
			}
			em.step(ctx, StepEvent{Type: StepError, StepNumber: iteration, Content: err.Error(), IsFinal: true})
			em.done(ctx, DoneEvent{Usage: usage})
			return RunResult{Memory: Fold(history), Usage: usage}, err
		}

		usage.Main.Add(result.usage)
		for name, u := range result.subAgentUsage {
			if usage.SubAgents == nil {
				usage.SubAgents = map[string]Usage{}
			}
			su := usage.SubAgents[name]
			su.Add(u)
			usage.SubAgents[name] = su
		}

		for _, cat := range result.newlyLoaded {
			loaded[cat] = true
		}

		history = append(history, result.appended...)
		for _, m := range result.appended {
			cfg.persist(ctx, m)
		}

		if len(result.changes) > 0 && cfg.Tracker != nil {
			author := commitAuthor(result.changes)
			commit, err := cfg.Tracker.Commit(ctx, task.ChatID, author, entityChangesOf(result.changes))
			if err != nil {
				cfg.Logger.Warn("commit failed", "chat_id", task.ChatID, "error", err)
			} else {
				lastCommit = commit
				totalChanges += len(commit.Changes)
			}
		}

		if done {
			em.done(ctx, DoneEvent{
				Usage:         usage,
				CommitHash:    lastCommit.Hash,
				CommitMessage: lastCommit.Message,
				ChangeCount:   totalChanges,
			})
			return RunResult{Memory: Fold(history), Usage: usage}, nil
		}

		if cfg.CompressThreshold > 0 {
			folded := Fold(history)
			if runeCount(folded.Messages) > cfg.CompressThreshold {
				history = compressHistory(ctx, cfg, history, 2)
			}
		}
	}

	cfg.Logger.Warn("max iterations reached, forcing synthesis", "chat_id", task.ChatID, "max", cfg.MaxIterations)
	history = append(history, Message{
		ID: NewID(), ChatID: task.ChatID, Role: RoleUser,
		Blocks:    []ContentBlock{{Kind: BlockText, Text: "You have used all available tool calls. Summarize what you found and respond now."}},
		Timestamp: NowUnix(), Sequence: int64(len(history)),
	})

	synthReq := ChatRequest{Messages: Fold(history).Messages, GenerationParams: cfg.GenerationParams}
	resp, err := cfg.Provider.Chat(ctx, synthReq)
	if err != nil {
		em.step(ctx, StepEvent{Type: StepError, StepNumber: cfg.MaxIterations, Content: err.Error(), IsFinal: true})
		em.done(ctx, DoneEvent{Usage: usage})
		return RunResult{Memory: Fold(history), Usage: usage}, err
	}
	usage.Main.Add(resp.Usage)
	history = append(history, assistantTextMessage(resp.Content, len(history)))
	cfg.persist(ctx, history[len(history)-1])
	em.step(ctx, StepEvent{Type: StepFinalAnswer, StepNumber: cfg.MaxIterations, Content: resp.Content, IsFinal: true})
	em.done(ctx, DoneEvent{Usage: usage, CommitHash: lastCommit.Hash, CommitMessage: lastCommit.Message, ChangeCount: totalChanges})
	return RunResult{Memory: Fold(history), Usage: usage}, nil
}

func (c LoopConfig) persist(ctx context.Context, m Message) {
	if c.Messages == nil {
		return
	}
	if err := c.Messages.AppendMessage(ctx, m); err != nil {
		c.Logger.Warn("append message failed", "chat_id", m.ChatID, "error", err)
	}
}

func userBlocks(task Task) []ContentBlock {
	blocks := []ContentBlock{{Kind: BlockText, Text: task.UserText}}
	for _, a := range task.Attachments {
		blocks = append(blocks, ContentBlock{Kind: BlockImage, ImageMime: a.MimeType, ImageData: a.Base64})
	}
	return blocks
}

func assistantTextMessage(text string, seq int) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleAssistant,
		Blocks:    []ContentBlock{{Kind: BlockText, Text: text}},
		Timestamp: NowUnix(),
		Sequence:  int64(seq),
	}
}

func runeCount(msgs []ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len([]rune(m.Content))
	}
	return n
}

// --- emitter: routes StepEvents either as top-level events or, when tagged,
// as sub_agent_progress/sub_agent_text events for a nested loop (§4.4
// Sub-agents, §9 "sub-agent isolation"). ---

type emitter struct {
	events       chan<- Event
	subAgent     bool
	parentTool   string
	parentCallID string
}

func (e *emitter) step(ctx context.Context, se StepEvent) {
	if e.events == nil {
		return
	}
	var ev Event
	if e.subAgent {
		switch se.Type {
		case StepThinking, StepIntermediate, StepFinalAnswer:
			ev = SubAgentTextEv(SubAgentTextEvent{
				ParentToolName: e.parentTool, ParentCallID: e.parentCallID,
				Delta: se.Content, IsStreaming: se.IsStreaming,
			})
		case StepToolStart, StepToolResult:
			ev = SubAgentProgressEv(SubAgentProgressEvent{
				ParentToolName: e.parentTool, ParentCallID: e.parentCallID,
				Iteration: se.StepNumber, Content: se.Content,
			})
		default:
			return
		}
	} else {
		ev = StepEv(se)
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *emitter) done(ctx context.Context, de DoneEvent) {
	if e.events == nil || e.subAgent {
		return
	}
	select {
	case e.events <- DoneEv(de):
	case <-ctx.Done():
	}
}

// --- single-iteration execution (§4.3 steps 1-8) ---

// taggedChange pairs an EntityChange with the tool name that produced it,
// so commitAuthor can describe who made the change.
type taggedChange struct {
	tool   string
	change EntityChange
}

type iterationOutput struct {
	usage         Usage
	subAgentUsage map[string]Usage
	appended      []Message
	changes       []taggedChange
	newlyLoaded   []ToolCategory
}

type iterationInput struct {
	stepNumber   int
	history      []Message
	systemPrompt string
	tools        []ToolDefinition
	readOnly     bool
	em           *emitter
}

// runIteration executes exactly one pass of §4.3's 8-step contract and
// reports whether the run is finished (model returned no tool calls).
func runIteration(ctx context.Context, cfg LoopConfig, in iterationInput) (iterationOutput, bool, error) {
	var out iterationOutput

	folded := Fold(in.history)
	messages := make([]ChatMessage, 0, len(folded.Messages)+1)
	messages = append(messages, SystemMessage(in.systemPrompt))
	messages = append(messages, folded.Messages...)

	req := ChatRequest{Messages: messages, GenerationParams: cfg.GenerationParams, EnableThinking: true}
	if err := cfg.Processors.RunPreLLM(ctx, &req); err != nil {
		return out, false, err
	}
	req.Tools = in.tools

	deltaCh := make(chan StreamDelta, 16)
	var accThinking, accText strings.Builder
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for d := range deltaCh {
			switch d.Kind {
			case DeltaThinking:
				accThinking.WriteString(d.Text)
				in.em.step(ctx, StepEvent{Type: StepThinking, StepNumber: in.stepNumber, Content: accThinking.String(), IsStreaming: true})
			case DeltaText:
				accText.WriteString(d.Text)
				in.em.step(ctx, StepEvent{Type: StepIntermediate, StepNumber: in.stepNumber, Content: accText.String(), IsStreaming: true})
			}
		}
	}()

	resp, err := cfg.Provider.ChatStream(ctx, req, deltaCh)
	<-streamDone
	if err != nil {
		return out, false, err
	}
	out.usage = resp.Usage

	if err := cfg.Processors.RunPostLLM(ctx, &resp); err != nil {
		return out, false, err
	}

	assistantBlocks := []ContentBlock{}
	if resp.Thinking != "" {
		assistantBlocks = append(assistantBlocks, ContentBlock{Kind: BlockThinking, Text: resp.Thinking})
		in.em.step(ctx, StepEvent{Type: StepThinking, StepNumber: in.stepNumber, Content: resp.Thinking, IsStreaming: false})
	}
	if resp.Content != "" {
		assistantBlocks = append(assistantBlocks, ContentBlock{Kind: BlockText, Text: resp.Content})
	}

	if len(resp.ToolCalls) == 0 {
		out.appended = []Message{{
			ID: NewID(), Role: RoleAssistant, Blocks: assistantBlocks,
			Timestamp: NowUnix(), Sequence: int64(len(in.history)), Usage: resp.Usage,
		}}
		in.em.step(ctx, StepEvent{Type: StepFinalAnswer, StepNumber: in.stepNumber, Content: resp.Content, IsStreaming: false, IsFinal: true})
		return out, true, nil
	}

	for _, tc := range resp.ToolCalls {
		assistantBlocks = append(assistantBlocks, ContentBlock{
			Kind: BlockToolCall, ToolName: tc.Name, ToolArgs: tc.Args, ToolCallID: tc.ID,
		})
	}
	assistantMsg := Message{
		ID: NewID(), Role: RoleAssistant, Blocks: assistantBlocks,
		Timestamp: NowUnix(), Sequence: int64(len(in.history)), Usage: resp.Usage,
	}
	out.appended = append(out.appended, assistantMsg)

	// dispatchIdx maps a position in resp.ToolCalls to its position in
	// dispatchCalls; load_tool_category calls are handled inline instead and
	// have no entry.
	dispatchIdx := make(map[int]int, len(resp.ToolCalls))
	var newlyLoaded []ToolCategory
	var dispatchCalls []ToolCall
	for i, tc := range resp.ToolCalls {
		if tc.Name == "load_tool_category" {
			var parsed struct {
				Categories []ToolCategory `json:"categories"`
			}
			_ = json.Unmarshal(tc.Args, &parsed)
			newlyLoaded = append(newlyLoaded, parsed.Categories...)
			continue
		}
		dispatchIdx[i] = len(dispatchCalls)
		dispatchCalls = append(dispatchCalls, tc)
	}
	out.newlyLoaded = newlyLoaded

	results := dispatchToolsParallel(ctx, cfg, in, dispatchCalls)

	// Results are collected in input order for memory folding (§4.4), even
	// though dispatchToolsParallel may complete them out of order.
	seq := int64(len(in.history) + 1)
	for i, tc := range resp.ToolCalls {
		if tc.Name == "load_tool_category" {
			out.appended = append(out.appended, toolResultMessage(tc, "loaded", false, seq))
			seq++
			continue
		}

		r := results[dispatchIdx[i]]
		if r.suspend != nil {
			return out, false, &suspendSignal{toolName: tc.Name, toolCallID: tc.ID, payload: r.suspend.payload}
		}
		out.usage.Add(r.usage)
		if r.subAgentUsage != (Usage{}) {
			if out.subAgentUsage == nil {
				out.subAgentUsage = map[string]Usage{}
			}
			su := out.subAgentUsage[tc.Name]
			su.Add(r.subAgentUsage)
			out.subAgentUsage[tc.Name] = su
		}
		if r.change != nil {
			out.changes = append(out.changes, taggedChange{tool: tc.Name, change: *r.change})
		}

		content := r.content
		if len([]rune(content)) > maxToolResultMessageLen {
			content = string([]rune(content)[:maxToolResultMessageLen]) + "\n\n[output truncated]"
		}
		result := ToolResult{Content: content}
		if r.isError {
			result.Error = content
		}
		if err := cfg.Processors.RunPostTool(ctx, tc, &result); err != nil {
			return out, false, err
		}
		out.appended = append(out.appended, toolResultMessage(tc, result.Content, r.isError, seq))
		seq++
	}

	return out, false, nil
}

func toolResultMessage(tc ToolCall, content string, isError bool, seq int64) Message {
	return Message{
		ID:   NewID(),
		Role: RoleTool,
		Blocks: []ContentBlock{{
			Kind: BlockToolResult, ToolName: tc.Name, ToolCallID: tc.ID,
			Text: content, IsError: isError,
		}},
		Timestamp: NowUnix(),
		Sequence:  seq,
	}
}

func commitAuthor(changes []taggedChange) string {
	seen := map[string]bool{}
	var names []string
	for _, c := range changes {
		if !seen[c.tool] {
			seen[c.tool] = true
			names = append(names, c.tool)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func entityChangesOf(changes []taggedChange) []EntityChange {
	out := make([]EntityChange, len(changes))
	for i, c := range changes {
		out[i] = c.change
	}
	return out
}

// --- parallel tool dispatch with entity-category write staggering (§4.4, §5) ---

type toolDispatchResult struct {
	content       string
	isError       bool
	usage         Usage
	subAgentUsage Usage
	change        *EntityChange
	duration      time.Duration
	// suspend is set instead of content/isError when the tool returned
	// Suspend(...) — runIteration turns this into a suspendSignal once it
	// reaches this call in input order (SPEC_FULL §12).
	suspend *errSuspend
}

// dispatchToolsParallel runs calls concurrently via a fixed worker pool,
// returning results in input order. Write calls sharing the same tool
// category are staggered: the k-th write in a category waits k*StaggerDelay
// before actually executing, avoiding concurrent-modification conflicts at
// the downstream API while still running in parallel with other categories.
func dispatchToolsParallel(ctx context.Context, cfg LoopConfig, in iterationInput, calls []ToolCall) []toolDispatchResult {
	results := make([]toolDispatchResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	startDelay := staggerDelays(cfg, calls)

	for _, tc := range calls {
		in.em.step(ctx, StepEvent{Type: StepToolStart, StepNumber: in.stepNumber, ToolName: tc.Name, ToolArguments: tc.Args, ToolCallID: tc.ID})
	}

	type indexed struct {
		idx int
		res toolDispatchResult
	}
	resultCh := make(chan indexed, len(calls))

	numWorkers := len(calls)
	if numWorkers > maxParallelDispatch {
		numWorkers = maxParallelDispatch
	}
	workCh := make(chan int, len(calls))
	for i := range calls {
		workCh <- i
	}
	close(workCh)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for idx := range workCh {
				res := safeDispatchOne(ctx, cfg, in, calls[idx], startDelay[idx])
				resultCh <- indexed{idx: idx, res: res}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	seen := make([]bool, len(calls))
	for n := 0; n < len(calls); n++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				n = len(calls)
				continue
			}
			results[r.idx] = r.res
			seen[r.idx] = true
			tc := calls[r.idx]
			in.em.step(ctx, StepEvent{
				Type: StepToolResult, StepNumber: in.stepNumber, ToolName: tc.Name,
				ToolCallID: tc.ID, Result: r.res.content, IsError: r.res.isError, IsStreaming: false,
			})
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = toolDispatchResult{content: "error: " + ctx.Err().Error(), isError: true}
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = toolDispatchResult{content: "error: result not received", isError: true}
		}
	}
	return results
}

// staggerDelays assigns each write call an index-within-category delay so
// same-category writes don't land on the downstream API simultaneously.
func staggerDelays(cfg LoopConfig, calls []ToolCall) []time.Duration {
	delays := make([]time.Duration, len(calls))
	counts := map[ToolCategory]int{}
	for i, tc := range calls {
		def, ok := cfg.Tools.Lookup(tc.Name)
		if !ok || def.ReadOnly {
			continue
		}
		n := counts[def.Category]
		counts[def.Category] = n + 1
		delays[i] = time.Duration(n) * cfg.StaggerDelay
	}
	return delays
}

func safeDispatchOne(ctx context.Context, cfg LoopConfig, in iterationInput, tc ToolCall, delay time.Duration) (res toolDispatchResult) {
	defer func() {
		if p := recover(); p != nil {
			res = toolDispatchResult{content: fmt.Sprintf("error: tool %q panic: %v", tc.Name, p), isError: true}
		}
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return toolDispatchResult{content: "error: " + ctx.Err().Error(), isError: true}
		}
	}

	subUsage := &Usage{}
	ctx = WithSubAgentBridge(ctx, &SubAgentBridge{
		Provider: cfg.Provider, Tools: cfg.Tools, Tracker: cfg.Tracker,
		Events: in.em.events, ParentToolName: tc.Name, ParentCallID: tc.ID,
		Logger: cfg.Logger, Usage: subUsage,
	})

	start := time.Now()
	var result ToolResult
	var change *EntityChange
	var err error
	if cfg.Tracker != nil {
		result, change, err = cfg.Tracker.Dispatch(ctx, cfg.Tools, tc, in.readOnly)
	} else {
		result, err = cfg.Tools.Execute(ctx, tc.Name, tc.Args, in.readOnly)
	}
	duration := time.Since(start)

	if err != nil {
		var sus *errSuspend
		if errors.As(err, &sus) {
			return toolDispatchResult{suspend: sus, duration: duration, subAgentUsage: *subUsage}
		}
		return toolDispatchResult{content: "error: " + err.Error(), isError: true, duration: duration, subAgentUsage: *subUsage}
	}
	if result.Error != "" {
		return toolDispatchResult{content: "error: " + result.Error, isError: true, duration: duration, subAgentUsage: *subUsage}
	}
	return toolDispatchResult{content: result.Content, change: change, duration: duration, subAgentUsage: *subUsage}
}

// --- context compression (SPEC_FULL §12, grounded on teacher's compressMessages) ---

// compressHistory summarizes old tool-result messages via an LLM call once
// the folded history exceeds the configured rune budget, preserving the
// last preserveIters iterations verbatim. Falls back to the original
// history on any compression failure (degrade, don't die).
func compressHistory(ctx context.Context, cfg LoopConfig, history []Message, preserveIters int) []Message {
	iterCount := 0
	preserveFrom := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleAssistant && hasToolCall(history[i]) {
			iterCount++
			if iterCount >= preserveIters {
				preserveFrom = i
				break
			}
		}
	}

	var old strings.Builder
	var toRemove []int
	for i := 0; i < preserveFrom; i++ {
		if history[i].Role == RoleTool {
			old.WriteString(toolResultTextOf(history[i]))
			old.WriteString("\n---\n")
			toRemove = append(toRemove, i)
		}
	}
	if len(toRemove) == 0 {
		return history
	}

	resp, err := cfg.Provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage("Summarize the following tool execution results concisely. Preserve key facts, data values, decisions, and errors. Omit redundant details."),
		UserMessage(old.String()),
	}})
	if err != nil {
		cfg.Logger.Warn("context compression failed, continuing uncompressed", "error", err)
		return history
	}

	removeSet := make(map[int]bool, len(toRemove))
	for _, idx := range toRemove {
		removeSet[idx] = true
	}
	compressed := make([]Message, 0, len(history))
	inserted := false
	for i, m := range history {
		if removeSet[i] {
			if !inserted {
				compressed = append(compressed, Message{
					ID: NewID(), ChatID: m.ChatID, Role: RoleUser,
					Blocks:    []ContentBlock{{Kind: BlockText, Text: "[Summary of earlier tool results]\n" + resp.Content}},
					Timestamp: NowUnix(), Sequence: m.Sequence,
				})
				inserted = true
			}
			continue
		}
		compressed = append(compressed, m)
	}
	return compressed
}

// toolResultTextOf concatenates a tool message's result blocks; Message.TextOf
// only looks at BlockText, which a tool-result message never carries.
func toolResultTextOf(m Message) string {
	var out strings.Builder
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			out.WriteString(b.Text)
		}
	}
	return out.String()
}

func hasToolCall(m Message) bool {
	for _, b := range m.Blocks {
		if b.Kind == BlockToolCall {
			return true
		}
	}
	return false
}
