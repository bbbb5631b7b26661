package conductor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// EntityRef names the downstream entity a tool call touches — the unit
// that change tracking pre/post-reads and snapshots (§3 ConfigCommit,
// §4.4 "change-tracking interception").
type EntityRef struct {
	Type string
	ID   string
}

// EntityAwareTool is implemented by tools whose write calls touch a single
// trackable downstream entity. Tools that don't implement it (read-only
// tools, or writes with no trackable entity) are dispatched without
// change-tracking interception.
type EntityAwareTool interface {
	Tool
	EntityRefFor(name string, args json.RawMessage) (EntityRef, bool)
}

// EntityReader reads the current state of an entity from the downstream
// API, used for the pre-read/post-read pair and for revert's
// re-read-then-patch step.
type EntityReader interface {
	ReadEntity(ctx context.Context, ref EntityRef) (json.RawMessage, error)
}

// EntityWriter applies a patch to an entity. Implementations must surface
// *ErrHTTP with Status 412 when the downstream API's conditional write is
// rejected, so RetryOptimisticWrite can retry.
type EntityWriter interface {
	WriteEntity(ctx context.Context, ref EntityRef, patch json.RawMessage) error
}

// CommitSummarizer produces the LLM-generated human-readable commit
// message from the set of entity changes in one iteration (§4.3 step 8,
// §4.4 "generated by a short LLM call that summarizes the diff").
type CommitSummarizer func(ctx context.Context, changes []EntityChange) (string, error)

// ChangeTracker wraps tool dispatch with pre-read/execute/post-read
// interception (§4.4) and turns the accumulated changes from one
// iteration into a ConfigCommit (§3, §4.5), grounded on teacher
// processor.go's PostToolProcessor hook point but implemented as its own
// wrapper since the pre-read must happen strictly before execution, which
// a post-hook alone cannot express.
type ChangeTracker struct {
	reader     EntityReader
	writer     EntityWriter
	commits    CommitStore
	snapshots  SnapshotStore
	summarize  CommitSummarizer
	retryAttempts int
	retryBase     time.Duration
}

// ChangeTrackerOption configures a ChangeTracker.
type ChangeTrackerOption func(*ChangeTracker)

// WithOptimisticRetry overrides the default 412-retry attempts/backoff.
func WithOptimisticRetry(attempts int, base time.Duration) ChangeTrackerOption {
	return func(c *ChangeTracker) {
		c.retryAttempts = attempts
		c.retryBase = base
	}
}

// NewChangeTracker builds a ChangeTracker. summarize may be nil, in which
// case commit messages fall back to a generic description of the change
// count.
func NewChangeTracker(reader EntityReader, writer EntityWriter, commits CommitStore, snapshots SnapshotStore, summarize CommitSummarizer, opts ...ChangeTrackerOption) *ChangeTracker {
	c := &ChangeTracker{
		reader:        reader,
		writer:        writer,
		commits:       commits,
		snapshots:     snapshots,
		summarize:     summarize,
		retryAttempts: DefaultOptimisticRetryAttempts,
		retryBase:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch wraps a single tool execution with change-tracking interception.
// For read-only tools, or write tools with no EntityRefFor match, it simply
// calls through to reg.Execute. For a matched write, it pre-reads the
// entity, executes the write via reg.Execute (which itself calls through to
// the tool), then post-reads, returning the recorded EntityChange alongside
// the tool result.
func (c *ChangeTracker) Dispatch(ctx context.Context, reg *ToolRegistry, call ToolCall, readOnlyMode bool) (ToolResult, *EntityChange, error) {
	def, ok := reg.Lookup(call.Name)
	if !ok {
		result, err := reg.Execute(ctx, call.Name, call.Args, readOnlyMode)
		return result, nil, err
	}

	if def.ReadOnly {
		result, err := reg.Execute(ctx, call.Name, call.Args, readOnlyMode)
		return result, nil, err
	}

	t, trackable := reg.byName[call.Name].(EntityAwareTool)
	var ref EntityRef
	if trackable {
		ref, trackable = t.EntityRefFor(call.Name, call.Args)
	}

	if !trackable || c.reader == nil {
		result, err := reg.Execute(ctx, call.Name, call.Args, readOnlyMode)
		return result, nil, err
	}

	before, err := c.reader.ReadEntity(ctx, ref)
	if err != nil {
		return ToolResult{}, nil, fmt.Errorf("change tracking pre-read of %s/%s: %w", ref.Type, ref.ID, err)
	}

	result, execErr := reg.Execute(ctx, call.Name, call.Args, readOnlyMode)
	if execErr != nil {
		return result, nil, execErr
	}

	after, err := c.reader.ReadEntity(ctx, ref)
	if err != nil {
		return result, nil, fmt.Errorf("change tracking post-read of %s/%s: %w", ref.Type, ref.ID, err)
	}

	change := EntityChange{EntityType: ref.Type, EntityID: ref.ID, Before: before, After: after}
	return result, &change, nil
}

// Commit turns the accumulated changes from one agent-loop iteration into a
// persisted ConfigCommit: computes the content-addressed hash, generates
// the commit message, appends to the commit log, and writes per-entity
// snapshots (§4.4, §4.5). Returns the zero ConfigCommit and nil error if
// changes is empty — callers should only invoke Commit when at least one
// write occurred.
func (c *ChangeTracker) Commit(ctx context.Context, chatID, author string, changes []EntityChange) (ConfigCommit, error) {
	if len(changes) == 0 {
		return ConfigCommit{}, nil
	}

	hash := CommitHash(changes)
	message := fmt.Sprintf("%d entity change(s) by %s", len(changes), author)
	if c.summarize != nil {
		if msg, err := c.summarize(ctx, changes); err == nil && msg != "" {
			message = msg
		}
	}

	commit := ConfigCommit{
		Hash:      hash,
		ChatID:    chatID,
		Timestamp: NowUnix(),
		Author:    author,
		Message:   message,
		Changes:   changes,
	}

	if err := c.commits.AppendCommit(ctx, commit); err != nil {
		return ConfigCommit{}, fmt.Errorf("append commit: %w", err)
	}

	if err := c.writeSnapshots(ctx, commit); err != nil {
		return commit, fmt.Errorf("write snapshots: %w", err)
	}
	return commit, nil
}

// writeSnapshots fans out one SnapshotStore.PutSnapshot per changed entity,
// using an errgroup since the writes are independent (§11 DOMAIN STACK:
// golang.org/x/sync/errgroup). Dispatch's pre-read and post-read run
// sequentially and do not use it.
func (c *ChangeTracker) writeSnapshots(ctx context.Context, commit ConfigCommit) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, change := range commit.Changes {
		change := change
		g.Go(func() error {
			return c.snapshots.PutSnapshot(gctx, EntitySnapshot{
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				CommitHash: commit.Hash,
				State:      change.After,
			})
		})
	}
	return g.Wait()
}

// RevertCommit produces a new forward commit whose after-state equals the
// target commit's before-state, for every entity it touched (§4.5 revert
// semantics, §9 open question (a): not blocked by out-of-band
// modification — current remote state is always re-read first). Each
// entity write goes through RetryOptimisticWrite so a 412 from a
// concurrent modification is retried by re-reading and re-patching.
func (c *ChangeTracker) RevertCommit(ctx context.Context, chatID, hash string) (ConfigCommit, error) {
	target, err := c.commits.GetCommit(ctx, hash)
	if err != nil {
		return ConfigCommit{}, fmt.Errorf("fetch commit %s: %w", hash, err)
	}

	reverted := make([]EntityChange, len(target.Changes))
	for i, change := range target.Changes {
		ref := EntityRef{Type: change.EntityType, ID: change.EntityID}

		var before json.RawMessage
		err := RetryOptimisticWrite(ctx, c.retryAttempts, c.retryBase, func(int) error {
			cur, readErr := c.reader.ReadEntity(ctx, ref)
			if readErr != nil {
				return readErr
			}
			before = cur
			return c.writer.WriteEntity(ctx, ref, change.Before)
		})
		if err != nil {
			return ConfigCommit{}, fmt.Errorf("revert %s/%s: %w", ref.Type, ref.ID, err)
		}

		after, err := c.reader.ReadEntity(ctx, ref)
		if err != nil {
			return ConfigCommit{}, fmt.Errorf("revert post-read %s/%s: %w", ref.Type, ref.ID, err)
		}

		reverted[i] = EntityChange{EntityType: ref.Type, EntityID: ref.ID, Before: before, After: after}
	}

	revertHash := CommitHash(reverted)
	message := fmt.Sprintf("revert of %s", hash)
	if c.summarize != nil {
		if msg, err := c.summarize(ctx, reverted); err == nil && msg != "" {
			message = msg
		}
	}

	commit := ConfigCommit{
		Hash:      revertHash,
		ChatID:    chatID,
		Timestamp: NowUnix(),
		Author:    "revert_commit",
		Message:   message,
		Changes:   reverted,
		RevertOf:  hash,
	}

	if err := c.commits.AppendCommit(ctx, commit); err != nil {
		return ConfigCommit{}, fmt.Errorf("append revert commit: %w", err)
	}
	if err := c.writeSnapshots(ctx, commit); err != nil {
		return commit, fmt.Errorf("write revert snapshots: %w", err)
	}
	return commit, nil
}

// CommitHash computes the content-addressed hash of a list of entity
// changes: the (entity_type, entity_id, before, after) tuples are sorted by
// entity type, then entity id, and written into one sha256, so the order
// in which the changes were passed does not affect the hash
// (§3 ConfigCommit: "commit hash = content-hash of the ordered tuples").
func CommitHash(changes []EntityChange) string {
	ordered := make([]EntityChange, len(changes))
	copy(ordered, changes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].EntityType != ordered[j].EntityType {
			return ordered[i].EntityType < ordered[j].EntityType
		}
		return ordered[i].EntityID < ordered[j].EntityID
	})

	h := sha256.New()
	for _, c := range ordered {
		fmt.Fprintf(h, "%s\x00%s\x00", c.EntityType, c.EntityID)
		h.Write(c.Before)
		h.Write([]byte{0})
		h.Write(c.After)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
