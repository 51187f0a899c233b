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
)

// EventType defines the type of a hook event.
type EventType string

const (
	// WAL lifecycle
	EventPreWALAppend    EventType = "PreWALAppend"
	EventPostWALAppend   EventType = "PostWALAppend"
	EventPostWALRotate   EventType = "PostWALRotate"
	EventPostWALRecovery EventType = "PostWALRecovery"

	// Data-file lifecycle
	EventPostDataFileCreate EventType = "PostDataFileCreate"
	EventPreDataFileUnlink  EventType = "PreDataFileUnlink"

	// Background worker lifecycle
	EventPostTrickleComplete    EventType = "PostTrickleComplete"
	EventPreCompaction          EventType = "PreCompaction"
	EventPostCompactionComplete EventType = "PostCompactionComplete"

	// Engine lifecycle
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"

	// Negative cache
	EventOnCacheHit      EventType = "OnCacheHit"
	EventOnCacheMiss     EventType = "OnCacheMiss"
	EventOnCacheEviction EventType = "OnCacheEviction"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
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

// WALAppendPayload contains the data for a Pre/Post WALAppend event.
type WALAppendPayload struct {
	Table     string
	RecordLSN uint64
	Count     int
	Error     error
}

func NewPreWALAppendEvent(p WALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWALAppend, payload: p}
}

func NewPostWALAppendEvent(p WALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: p}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostWALRotateEvent(p PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: p}
}

// PostWALRecoveryPayload contains information about a completed WAL recovery.
type PostWALRecoveryPayload struct {
	RecoveredRecordCount int
	Duration             time.Duration
}

func NewPostWALRecoveryEvent(p PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: p}
}

// DataFilePayload carries information about a data file for create/unlink events.
type DataFilePayload struct {
	Table string
	ID    uint64
	Path  string
	Size  int64
}

func NewPostDataFileCreateEvent(p DataFilePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDataFileCreate, payload: p}
}

func NewPreDataFileUnlinkEvent(p DataFilePayload) HookEvent {
	return &BaseEvent{eventType: EventPreDataFileUnlink, payload: p}
}

// TrickleCompletePayload describes one trickle pass.
type TrickleCompletePayload struct {
	Table          string
	FlushedThrough uint64
	EntriesWritten int
	Duration       time.Duration
}

func NewPostTrickleCompleteEvent(p TrickleCompletePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTrickleComplete, payload: p}
}

// CompactionPayload describes a compaction pass.
type PreCompactionPayload struct {
	Table      string
	InputFiles []uint64
}

func NewPreCompactionEvent(p PreCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: p}
}

type PostCompactionPayload struct {
	Table           string
	InputFiles      []uint64
	OutputFile      uint64
	TombstonesDropped int
	Duration        time.Duration
}

func NewPostCompactionCompleteEvent(p PostCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompactionComplete, payload: p}
}

// EngineLifecyclePayload is used for engine start/close events.
type EngineLifecyclePayload struct{}

func NewPreStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}

func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// CachePayload contains information for negative-cache events.
type CachePayload struct {
	Table string
	Key   string
}

func NewOnCacheHitEvent(p CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheHit, payload: p}
}

func NewOnCacheMissEvent(p CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheMiss, payload: p}
}

func NewOnCacheEvictionEvent(p CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: p}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreWALAppend) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority for ordered dispatch.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
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
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}

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
		isListenerAsync := item.listener.IsAsync()

		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("listener for pre-hook requested async execution, pre-hooks are always synchronous", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
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
