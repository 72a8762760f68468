package worker

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/oplog"
)

// RequestAutomaticUpdate records the intent to move the worker to a new
// revision by replaying its existing history on the new component. The
// returned decision asks the caller to interrupt and restart the worker
// immediately; the restart replays on the target revision.
func (c *Context) RequestAutomaticUpdate(ctx context.Context, target core.ComponentRevision) (RetryDecision, error) {
	entry := &oplog.PendingUpdateEntry{
		Timestamp: core.Now(),
		Description: core.UpdateDescription{
			Kind:           core.UpdateAutomatic,
			TargetRevision: target,
		},
	}
	if _, err := c.durability.Append(entry); err != nil {
		return RetryDecision{}, fmt.Errorf("recording pending update for %s: %w", c.workerID, err)
	}
	if _, err := c.durability.Append(&oplog.InterruptedEntry{Timestamp: core.Now()}); err != nil {
		return RetryDecision{}, fmt.Errorf("recording update interrupt for %s: %w", c.workerID, err)
	}
	if err := c.refreshStatus(ctx); err != nil {
		return RetryDecision{}, err
	}
	return RetryDecision{Kind: RetryImmediate}, nil
}

// RequestManualUpdate queues a snapshot-based update. It is applied the next
// time the worker is idle, through BeginSnapshotBasedUpdate.
func (c *Context) RequestManualUpdate(ctx context.Context, target core.ComponentRevision) error {
	return c.queue.Enqueue(ctx, core.Invocation{
		Kind:           core.InvocationManualUpdate,
		TargetRevision: target,
	})
}

// BeginSnapshotBasedUpdate records the worker's saved state and marks the
// snapshot-based update pending. From this entry on, replay skips the whole
// pre-update history; if the update later fails the override is dropped and
// the old history replays unchanged.
func (c *Context) BeginSnapshotBasedUpdate(ctx context.Context, target core.ComponentRevision, snapshot []byte, mimeType string) error {
	payload, err := c.store.UploadPayload(c.workerID, snapshot)
	if err != nil {
		return fmt.Errorf("storing update snapshot for %s: %w", c.workerID, err)
	}
	snapshotEntry := &oplog.SnapshotEntry{
		Timestamp: core.Now(),
		Data:      payload,
		MIMEType:  mimeType,
	}
	pendingEntry := &oplog.PendingUpdateEntry{
		Timestamp: core.Now(),
		Description: core.UpdateDescription{
			Kind:            core.UpdateSnapshotBased,
			TargetRevision:  target,
			SnapshotPayload: snapshot,
		},
	}
	if _, err := c.durability.Append(snapshotEntry, pendingEntry); err != nil {
		return fmt.Errorf("recording snapshot update for %s: %w", c.workerID, err)
	}
	c.queue.removeManualUpdate(target)
	return c.refreshStatus(ctx)
}

// CompleteUpdate records a successful update: the worker now runs the target
// revision with the given component size and plugin set.
func (c *Context) CompleteUpdate(ctx context.Context, target core.ComponentRevision, newComponentSize uint64, newActivePlugins []core.PluginPriority) error {
	entry := &oplog.SuccessfulUpdateEntry{
		Timestamp:        core.Now(),
		TargetRevision:   target,
		NewComponentSize: newComponentSize,
		NewActivePlugins: newActivePlugins,
	}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording successful update for %s: %w", c.workerID, err)
	}
	if err := c.refreshStatus(ctx); err != nil {
		return err
	}
	c.triggerUpdateApplied(ctx, target, true, "")
	return nil
}

// FailUpdate records a failed update attempt. The worker keeps running on
// its prior revision; a queued manual update for the same target is dropped.
func (c *Context) FailUpdate(ctx context.Context, target core.ComponentRevision, details string) error {
	entry := &oplog.FailedUpdateEntry{
		Timestamp:      core.Now(),
		TargetRevision: target,
		Details:        details,
	}
	if _, err := c.durability.Append(entry); err != nil {
		return fmt.Errorf("recording failed update for %s: %w", c.workerID, err)
	}
	c.queue.removeManualUpdate(target)
	if err := c.refreshStatus(ctx); err != nil {
		return err
	}
	c.triggerUpdateApplied(ctx, target, false, details)
	return nil
}

// PendingUpdate returns the oldest not-yet-applied update, if any.
func (c *Context) PendingUpdate() (core.TimestampedUpdateDescription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.record.PendingUpdates) == 0 {
		return core.TimestampedUpdateDescription{}, false
	}
	return c.record.PendingUpdates[0], true
}

func (c *Context) triggerUpdateApplied(ctx context.Context, target core.ComponentRevision, success bool, details string) {
	if c.hooks == nil {
		return
	}
	_ = c.hooks.Trigger(ctx, hooks.NewPostUpdateAppliedEvent(hooks.PostUpdateAppliedPayload{
		WorkerID:       c.workerID,
		TargetRevision: target,
		Success:        success,
		Details:        details,
	}))
}
