package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusflow/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Oplog lifecycle events
	EventPreOplogAppend    EventType = "PreOplogAppend"
	EventPostOplogAppend   EventType = "PostOplogAppend"
	EventPostOplogRotate   EventType = "PostOplogRotate"
	EventPostOplogRecovery EventType = "PostOplogRecovery"

	// Worker lifecycle events
	EventPostStatusChange   EventType = "PostStatusChange"
	EventPreInvocationQueue EventType = "PreInvocationQueue"
	EventPostUpdateApplied  EventType = "PostUpdateApplied"

	// Cache events
	EventOnCacheHit      EventType = "OnCacheHit"
	EventOnCacheMiss     EventType = "OnCacheMiss"
	EventOnCacheEviction EventType = "OnCacheEviction"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-hooks run synchronously and may cancel the operation by
	// returning an error; Post-hooks may run asynchronously.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event fires.
	// Returning an error from a "Pre" hook cancels the operation; errors
	// from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int

	// IsAsync indicates if the listener should run asynchronously for
	// Post-events.
	IsAsync() bool
}

// PreOplogAppendPayload is the data for a PreOplogAppend event. Entries is a
// pointer so listeners can inspect (not reorder) the batch before it is
// written.
type PreOplogAppendPayload struct {
	WorkerID   core.WorkerID
	FirstIndex core.OplogIndex
	Count      int
}

// NewPreOplogAppendEvent creates an event for before entries are appended.
func NewPreOplogAppendEvent(payload PreOplogAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreOplogAppend, payload: payload}
}

// PostOplogAppendPayload contains data after an oplog append.
type PostOplogAppendPayload struct {
	WorkerID   core.WorkerID
	FirstIndex core.OplogIndex
	LastIndex  core.OplogIndex
	Count      int
}

// NewPostOplogAppendEvent creates an event for after entries were appended.
func NewPostOplogAppendEvent(payload PostOplogAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostOplogAppend, payload: payload}
}

// PostOplogRotatePayload contains information about a segment rotation.
type PostOplogRotatePayload struct {
	WorkerID        core.WorkerID
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

// NewPostOplogRotateEvent creates an event for after an oplog rotated to a
// new segment file.
func NewPostOplogRotateEvent(payload PostOplogRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostOplogRotate, payload: payload}
}

// PostOplogRecoveryPayload contains information about a completed recovery.
type PostOplogRecoveryPayload struct {
	WorkerID         core.WorkerID
	RecoveredEntries int
	LastIndex        core.OplogIndex
	Duration         time.Duration
}

// NewPostOplogRecoveryEvent creates an event for after oplog recovery.
func NewPostOplogRecoveryEvent(payload PostOplogRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostOplogRecovery, payload: payload}
}

// PostStatusChangePayload contains a worker status transition.
type PostStatusChangePayload struct {
	WorkerID core.WorkerID
	From     core.WorkerStatus
	To       core.WorkerStatus
}

// NewPostStatusChangeEvent creates an event for after a worker changed status.
func NewPostStatusChangeEvent(payload PostStatusChangePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStatusChange, payload: payload}
}

// PreInvocationQueuePayload is the data for a PreInvocationQueue event.
// Listeners may reject the invocation by returning an error.
type PreInvocationQueuePayload struct {
	WorkerID   core.WorkerID
	Invocation *core.Invocation
}

// NewPreInvocationQueueEvent creates an event for before an invocation is
// queued.
func NewPreInvocationQueueEvent(payload PreInvocationQueuePayload) HookEvent {
	return &BaseEvent{eventType: EventPreInvocationQueue, payload: payload}
}

// PostUpdateAppliedPayload contains the outcome of an update attempt.
type PostUpdateAppliedPayload struct {
	WorkerID       core.WorkerID
	TargetRevision core.ComponentRevision
	Success        bool
	Details        string
}

// NewPostUpdateAppliedEvent creates an event for after an update succeeded or
// failed.
func NewPostUpdateAppliedEvent(payload PostUpdateAppliedPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUpdateApplied, payload: payload}
}

// CachePayload contains information for cache-related events.
type CachePayload struct {
	Key string
}

// NewOnCacheHitEvent creates an event for a cache hit.
func NewOnCacheHitEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheHit, payload: payload}
}

// NewOnCacheMissEvent creates an event for a cache miss.
func NewOnCacheMissEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheMiss, payload: payload}
}

// NewOnCacheEvictionEvent creates an event for a cache eviction.
func NewOnCacheEvictionEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority
// order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		// Pre-hooks must be synchronous to allow cancellation.
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
