package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/oplog"
)

// InvocationQueue is the durable invocation queue of one worker. Every
// request is recorded as a PendingAgentInvocation entry before it is
// acknowledged, so the queue survives a crash; the in-memory copy exists only
// to serve the next invocation without re-reading the oplog. On recovery it
// is seeded from the status projection's pending invocations.
type InvocationQueue struct {
	store    oplog.Store
	workerID core.WorkerID
	hooks    hooks.HookManager

	mu      sync.Mutex
	pending []core.TimestampedInvocation
}

// NewInvocationQueue creates a queue seeded from the recovered pending
// invocations.
func NewInvocationQueue(store oplog.Store, workerID core.WorkerID, hookManager hooks.HookManager, recovered []core.TimestampedInvocation) *InvocationQueue {
	return &InvocationQueue{
		store:    store,
		workerID: workerID,
		hooks:    hookManager,
		pending:  append([]core.TimestampedInvocation(nil), recovered...),
	}
}

// Enqueue durably records an invocation request. The PreInvocationQueue hook
// runs first and may reject the request.
func (q *InvocationQueue) Enqueue(ctx context.Context, invocation core.Invocation) error {
	if q.hooks != nil {
		err := q.hooks.Trigger(ctx, hooks.NewPreInvocationQueueEvent(hooks.PreInvocationQueuePayload{
			WorkerID:   q.workerID,
			Invocation: &invocation,
		}))
		if err != nil {
			return fmt.Errorf("invocation rejected: %w", err)
		}
	}

	entry := &oplog.PendingAgentInvocationEntry{
		Timestamp:  core.Now(),
		Invocation: invocation,
	}
	if _, err := q.store.Append(q.workerID, entry); err != nil {
		return fmt.Errorf("recording pending invocation for %s: %w", q.workerID, err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, core.TimestampedInvocation{
		Timestamp:  entry.Timestamp,
		Invocation: invocation,
	})
	q.mu.Unlock()
	return nil
}

// Cancel removes a not-yet-started exported-function invocation, recording
// the cancellation durably. It reports whether the key was pending.
func (q *InvocationQueue) Cancel(idempotencyKey core.IdempotencyKey) (bool, error) {
	q.mu.Lock()
	found := false
	kept := q.pending[:0]
	for _, inv := range q.pending {
		if inv.Invocation.Kind == core.InvocationExportedFunction &&
			inv.Invocation.IdempotencyKey == idempotencyKey {
			found = true
			continue
		}
		kept = append(kept, inv)
	}
	q.pending = kept
	q.mu.Unlock()

	if !found {
		return false, nil
	}
	entry := &oplog.CancelPendingInvocationEntry{
		Timestamp:      core.Now(),
		IdempotencyKey: idempotencyKey,
	}
	if _, err := q.store.Append(q.workerID, entry); err != nil {
		return false, fmt.Errorf("recording invocation cancellation for %s: %w", q.workerID, err)
	}
	return true, nil
}

// Dequeue pops the oldest pending invocation. The durable removal happens
// when the invocation's start entry is appended, not here.
func (q *InvocationQueue) Dequeue() (core.TimestampedInvocation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return core.TimestampedInvocation{}, false
	}
	head := q.pending[0]
	q.pending = q.pending[1:]
	return head, true
}

// removeManualUpdate drops a queued manual update once its PendingUpdate
// entry is written (or its update failed).
func (q *InvocationQueue) removeManualUpdate(target core.ComponentRevision) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	for _, inv := range q.pending {
		if inv.Invocation.Kind == core.InvocationManualUpdate && inv.Invocation.TargetRevision == target {
			continue
		}
		kept = append(kept, inv)
	}
	q.pending = kept
}

// Len returns the number of pending invocations.
func (q *InvocationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the queue in arrival order.
func (q *InvocationQueue) Pending() []core.TimestampedInvocation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.TimestampedInvocation(nil), q.pending...)
}
