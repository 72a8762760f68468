package worker

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/durability"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/oplog"
)

// ContextOptions configures a worker execution context.
type ContextOptions struct {
	Store    oplog.Store
	Statuses *StatusService
	Hooks    hooks.HookManager
	WorkerID core.WorkerID

	// AssumeIdempotence disables the remote-write bracket; see
	// durability.ManagerOptions.
	AssumeIdempotence bool

	Logger *slog.Logger

	HostCallsObserved *expvar.Int
}

// CreateParams is the initial configuration recorded by the Create entry.
type CreateParams struct {
	ComponentRevision     core.ComponentRevision
	Args                  []string
	Env                   map[string]string
	ConfigVars            map[string]string
	Parent                *core.WorkerID
	ComponentSize         uint64
	InitialLinearMemDelta uint64
	InitialActivePlugins  []core.PluginPriority
}

// Context is the per-worker execution context. It owns the durability
// manager (and through it the replay cursor), the pending invocation queue
// and a mirror of the derived status record. The guest body executes on a
// single goroutine; the status mirror is guarded so other goroutines
// (the HTTP API, the queue) can observe it.
type Context struct {
	workerID core.WorkerID
	store    oplog.Store
	statuses *StatusService
	hooks    hooks.HookManager
	logger   *slog.Logger

	durability *durability.Manager
	queue      *InvocationQueue

	mu     sync.RWMutex
	record core.WorkerStatusRecord

	// nextResourceID is the id the next CreateResource call hands out.
	// Replay bumps it past every recorded id so live allocations after
	// replay never collide with recorded ones.
	nextResourceID core.WorkerResourceID
}

// CreateWorker appends the Create entry for a new worker and opens its
// context. It fails if the worker's oplog already exists.
func CreateWorker(ctx context.Context, opts ContextOptions, params CreateParams) (*Context, error) {
	exists, err := opts.Store.Exists(opts.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("checking oplog for %s: %w", opts.WorkerID, err)
	}
	if exists {
		return nil, fmt.Errorf("worker %s already exists", opts.WorkerID)
	}

	entry := &oplog.CreateEntry{
		Timestamp:                    core.Now(),
		WorkerID:                     opts.WorkerID,
		ComponentRevision:            params.ComponentRevision,
		Args:                         params.Args,
		Env:                          params.Env,
		ConfigVars:                   params.ConfigVars,
		Parent:                       params.Parent,
		ComponentSize:                params.ComponentSize,
		InitialTotalLinearMemorySize: params.InitialLinearMemDelta,
		InitialActivePlugins:         params.InitialActivePlugins,
	}
	if _, err := opts.Store.Append(opts.WorkerID, entry); err != nil {
		return nil, fmt.Errorf("recording create entry for %s: %w", opts.WorkerID, err)
	}

	c, _, err := RecoverContext(ctx, opts)
	return c, err
}

// RecoverContext opens the context of an existing worker: it derives the
// current status record, seeds the invocation queue, positions the replay
// cursor and decides whether replay should start.
func RecoverContext(ctx context.Context, opts ContextOptions) (*Context, RetryDecision, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With("component", "Worker", "worker_id", opts.WorkerID)

	record, err := opts.Statuses.GetStatus(ctx, opts.WorkerID)
	if err != nil {
		return nil, RetryDecision{}, err
	}

	manager, err := durability.NewManager(durability.ManagerOptions{
		Store:             opts.Store,
		WorkerID:          opts.WorkerID,
		SkippedRegions:    record.SkippedRegions.Clone(),
		AssumeIdempotence: opts.AssumeIdempotence,
		Logger:            opts.Logger,
		HostCallsObserved: opts.HostCallsObserved,
	})
	if err != nil {
		return nil, RetryDecision{}, err
	}

	c := &Context{
		workerID:   opts.WorkerID,
		store:      opts.Store,
		statuses:   opts.Statuses,
		hooks:      opts.Hooks,
		logger:     logger,
		durability: manager,
		queue:      NewInvocationQueue(opts.Store, opts.WorkerID, opts.Hooks, record.PendingInvocations),
		record:     record,
	}
	c.nextResourceID = core.InitialWorkerResourceID
	for id := range record.OwnedResources {
		if id >= c.nextResourceID {
			c.nextResourceID = id.Next()
		}
	}

	lastError, err := LastErrorAndRetryCount(opts.Store, opts.WorkerID, &record)
	if err != nil {
		return nil, RetryDecision{}, err
	}
	decision := DecideOnStartup(c.retryConfig(), lastError)
	if lastError != nil {
		logger.Info("Recovered worker with recorded failure",
			"error", lastError.Error.Error(),
			"retry_count", lastError.RetryCount,
			"decision", decision.String())
	}

	if decision.Kind != RetryNone {
		if err := opts.Statuses.MarkRunning(opts.WorkerID); err != nil {
			logger.Warn("Failed to register worker in running set", "error", err)
		}
	}
	return c, decision, nil
}

// WorkerID returns the worker this context belongs to.
func (c *Context) WorkerID() core.WorkerID {
	return c.workerID
}

// Durability returns the worker's durability manager. Host function
// implementations build their Durability values on it.
func (c *Context) Durability() *durability.Manager {
	return c.durability
}

// Queue returns the worker's pending invocation queue.
func (c *Context) Queue() *InvocationQueue {
	return c.queue
}

// Status returns the current mirror of the derived status record.
func (c *Context) Status() core.WorkerStatusRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Clone()
}

// ExecutionStatus returns the worker's lifecycle state.
func (c *Context) ExecutionStatus() core.WorkerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Status
}

// IsLive reports whether the worker finished replaying its history.
func (c *Context) IsLive() bool {
	return c.durability.IsLive()
}

// LookupInvocationResult returns the oplog index holding the outcome of a
// previously completed invocation, for idempotent retries of requests.
func (c *Context) LookupInvocationResult(key core.IdempotencyKey) (core.OplogIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.record.InvocationResults[key.Value]
	return idx, ok
}

// StartInvocation records the beginning of an exported function invocation.
// The request payload is uploaded through the store so oversized inputs do
// not bloat the entry.
func (c *Context) StartInvocation(ctx context.Context, functionName string, request []byte, key core.IdempotencyKey) error {
	if !c.durability.IsLive() {
		recorded, err := c.durability.PersistStatusEntry(&oplog.AgentInvocationStartedEntry{})
		if err != nil {
			return fmt.Errorf("replaying invocation start for %s: %w", c.workerID, err)
		}
		started := recorded.(*oplog.AgentInvocationStartedEntry)
		if started.FunctionName != functionName || started.IdempotencyKey != key {
			return &core.DivergenceError{
				Expected: fmt.Sprintf("invocation of %s with key %s", started.FunctionName, started.IdempotencyKey),
				Actual:   fmt.Sprintf("invocation of %s with key %s", functionName, key),
			}
		}
		return nil
	}
	payload, err := c.store.UploadPayload(c.workerID, request)
	if err != nil {
		return fmt.Errorf("storing invocation request for %s: %w", c.workerID, err)
	}
	entry := &oplog.AgentInvocationStartedEntry{
		Timestamp:      core.Now(),
		FunctionName:   functionName,
		Request:        payload,
		IdempotencyKey: key,
	}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording invocation start for %s: %w", c.workerID, err)
	}
	return c.refreshStatus(ctx)
}

// CompleteInvocation records the successful completion of the current
// invocation with its response and consumed fuel.
func (c *Context) CompleteInvocation(ctx context.Context, response []byte, consumedFuel int64) error {
	if !c.durability.IsLive() {
		if _, err := c.durability.PersistStatusEntry(&oplog.AgentInvocationFinishedEntry{}); err != nil {
			return fmt.Errorf("replaying invocation completion for %s: %w", c.workerID, err)
		}
		return nil
	}
	payload, err := c.store.UploadPayload(c.workerID, response)
	if err != nil {
		return fmt.Errorf("storing invocation response for %s: %w", c.workerID, err)
	}
	c.mu.RLock()
	revision := c.record.ComponentRevision
	c.mu.RUnlock()

	entry := &oplog.AgentInvocationFinishedEntry{
		Timestamp:         core.Now(),
		Response:          payload,
		ConsumedFuel:      consumedFuel,
		ComponentRevision: revision,
	}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording invocation completion for %s: %w", c.workerID, err)
	}
	return c.refreshStatus(ctx)
}

// RecordTrap records the abnormal end of an execution attempt and returns
// the recovery decision. retryFrom is the index replay resumes from when the
// failure is retried; consecutive failures with the same retryFrom count
// against one retry budget.
func (c *Context) RecordTrap(ctx context.Context, trap TrapType, retryFrom core.OplogIndex) (RetryDecision, error) {
	var entry oplog.Entry
	switch trap.Kind {
	case TrapInterrupt:
		entry = &oplog.InterruptedEntry{Timestamp: core.Now()}
	case TrapSuspend:
		entry = &oplog.SuspendEntry{Timestamp: core.Now()}
	case TrapRestart:
		entry = &oplog.RestartEntry{Timestamp: core.Now()}
	case TrapExit:
		entry = &oplog.ExitedEntry{Timestamp: core.Now()}
	case TrapError:
		entry = &oplog.ErrorEntry{Timestamp: core.Now(), Error: trap.Error, RetryFrom: retryFrom}
	case TrapJump:
		// The jump entry itself is written by the durability layer.
	}
	if entry != nil {
		if _, err := c.durability.Append(entry); err != nil {
			return RetryDecision{}, fmt.Errorf("recording trap for %s: %w", c.workerID, err)
		}
	}
	if err := c.refreshStatus(ctx); err != nil {
		return RetryDecision{}, err
	}

	c.mu.RLock()
	previousTries := c.record.CurrentRetryCount[retryFrom]
	config := c.retryConfigLocked()
	c.mu.RUnlock()

	decision := DecideOnTrap(config, previousTries, trap)
	if trap.Kind == TrapError {
		c.logger.Warn("Worker execution failed",
			"error", trap.Error.Error(),
			"retry_from", retryFrom,
			"attempts", previousTries,
			"decision", decision.String())
	}
	if decision.Kind == RetryNone {
		if err := c.statuses.MarkStopped(c.workerID); err != nil {
			c.logger.Warn("Failed to remove worker from running set", "error", err)
		}
	}
	return decision, nil
}

// ChangeRetryPolicy overrides the worker's retry budget from this point
// forward.
func (c *Context) ChangeRetryPolicy(ctx context.Context, policy core.RetryConfig) error {
	if !c.durability.IsLive() {
		recorded, err := c.durability.PersistStatusEntry(&oplog.ChangeRetryPolicyEntry{})
		if err != nil {
			return fmt.Errorf("replaying retry policy change for %s: %w", c.workerID, err)
		}
		if got := recorded.(*oplog.ChangeRetryPolicyEntry).NewPolicy; got != policy {
			return &core.DivergenceError{
				Expected: fmt.Sprintf("retry policy change to %+v", got),
				Actual:   fmt.Sprintf("retry policy change to %+v", policy),
			}
		}
		return nil
	}
	entry := &oplog.ChangeRetryPolicyEntry{Timestamp: core.Now(), NewPolicy: policy}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording retry policy change for %s: %w", c.workerID, err)
	}
	return c.refreshStatus(ctx)
}

// Revert drops every entry after the given index from replay. The worker's
// derived state is recomputed from scratch on the next status read.
func (c *Context) Revert(ctx context.Context, lastKeptIndex core.OplogIndex) error {
	lastIndex, err := c.store.GetLastIndex(c.workerID)
	if err != nil {
		return fmt.Errorf("reading last oplog index for %s: %w", c.workerID, err)
	}
	if lastKeptIndex >= lastIndex {
		return fmt.Errorf("revert target %d is not before the oplog end %d", lastKeptIndex, lastIndex)
	}
	entry := &oplog.RevertEntry{
		Timestamp:     core.Now(),
		DroppedRegion: core.OplogRegion{Start: lastKeptIndex.Next(), End: lastIndex},
	}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording revert for %s: %w", c.workerID, err)
	}
	return c.refreshStatus(ctx)
}

// GrowMemory records a linear memory growth. During replay the recorded
// growth is consumed from the cursor and checked against delta.
func (c *Context) GrowMemory(ctx context.Context, delta uint64) error {
	if !c.durability.IsLive() {
		recorded, err := c.durability.PersistStatusEntry(&oplog.GrowMemoryEntry{})
		if err != nil {
			return fmt.Errorf("replaying memory growth for %s: %w", c.workerID, err)
		}
		if got := recorded.(*oplog.GrowMemoryEntry).Delta; got != delta {
			return &core.DivergenceError{
				Expected: fmt.Sprintf("memory growth by %d", got),
				Actual:   fmt.Sprintf("memory growth by %d", delta),
			}
		}
		return nil
	}
	if _, err := c.durability.Append(&oplog.GrowMemoryEntry{Timestamp: core.Now(), Delta: delta}); err != nil {
		return fmt.Errorf("recording memory growth for %s: %w", c.workerID, err)
	}
	return c.refreshStatus(ctx)
}

// CreateResource allocates the next worker-scoped resource id and records
// the creation. On replay the recorded id is returned instead, so resource
// handles stay stable across recoveries.
func (c *Context) CreateResource(ctx context.Context, resourceType core.ResourceTypeID) (core.WorkerResourceID, error) {
	if !c.durability.IsLive() {
		recorded, err := c.durability.PersistStatusEntry(&oplog.CreateResourceEntry{})
		if err != nil {
			return 0, fmt.Errorf("replaying resource creation for %s: %w", c.workerID, err)
		}
		created := recorded.(*oplog.CreateResourceEntry)
		if created.ResourceType != resourceType {
			return 0, &core.DivergenceError{
				Expected: fmt.Sprintf("creation of %s/%s", created.ResourceType.Owner, created.ResourceType.Name),
				Actual:   fmt.Sprintf("creation of %s/%s", resourceType.Owner, resourceType.Name),
			}
		}
		c.mu.Lock()
		if created.ID >= c.nextResourceID {
			c.nextResourceID = created.ID.Next()
		}
		c.mu.Unlock()
		return created.ID, nil
	}

	c.mu.Lock()
	id := c.nextResourceID
	c.nextResourceID = id.Next()
	c.mu.Unlock()
	entry := &oplog.CreateResourceEntry{Timestamp: core.Now(), ID: id, ResourceType: resourceType}
	if _, err := c.durability.Append(entry); err != nil {
		return 0, fmt.Errorf("recording resource creation for %s: %w", c.workerID, err)
	}
	return id, c.refreshStatus(ctx)
}

// DropResource records the destruction of a worker-owned resource.
func (c *Context) DropResource(ctx context.Context, id core.WorkerResourceID) error {
	if !c.durability.IsLive() {
		recorded, err := c.durability.PersistStatusEntry(&oplog.DropResourceEntry{})
		if err != nil {
			return fmt.Errorf("replaying resource drop for %s: %w", c.workerID, err)
		}
		if got := recorded.(*oplog.DropResourceEntry).ID; got != id {
			return &core.DivergenceError{
				Expected: fmt.Sprintf("drop of resource %d", got),
				Actual:   fmt.Sprintf("drop of resource %d", id),
			}
		}
		return nil
	}
	entry := &oplog.DropResourceEntry{Timestamp: core.Now(), ID: id}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording resource drop for %s: %w", c.workerID, err)
	}
	return c.refreshStatus(ctx)
}

// WriteLog records a guest log line.
func (c *Context) WriteLog(level core.LogLevel, logContext, message string) error {
	if !c.durability.IsLive() {
		return nil
	}
	entry := &oplog.LogEntry{Timestamp: core.Now(), Level: level, Context: logContext, Message: message}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording log for %s: %w", c.workerID, err)
	}
	return nil
}

// Close removes the worker from the running set. The oplog and derived
// records remain for later recovery.
func (c *Context) Close() error {
	return c.statuses.MarkStopped(c.workerID)
}

// refreshStatus re-derives the status mirror after an append.
func (c *Context) refreshStatus(ctx context.Context) error {
	c.statuses.Invalidate(c.workerID)
	record, err := c.statuses.GetStatus(ctx, c.workerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.record = record
	c.mu.Unlock()
	return nil
}

func (c *Context) retryConfig() core.RetryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryConfigLocked()
}

func (c *Context) retryConfigLocked() core.RetryConfig {
	if c.record.OverriddenRetryConfig != nil {
		return *c.record.OverriddenRetryConfig
	}
	return c.statuses.DefaultRetry()
}
