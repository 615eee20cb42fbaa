package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Checkpoint Lifecycle Events
	EventPreCheckpoint  EventType = "PreCheckpoint"
	EventPostCheckpoint EventType = "PostCheckpoint"

	// EventPreConsolidation fires at the start of a background consolidation
	// task, before any file is opened. A listener may block here or return an
	// error to abandon the task.
	EventPreConsolidation EventType = "PreConsolidation"

	// Merge Events
	EventPreMergeWrite  EventType = "PreMergeWrite"
	EventPostMergeWrite EventType = "PostMergeWrite"
	EventPreTableSwap   EventType = "PreTableSwap"
	EventPostTableSwap  EventType = "PostTableSwap"

	// File Lifecycle Events
	EventPostFileCreate EventType = "PostFileCreate"
	EventPreFileDelete  EventType = "PreFileDelete"

	// Engine Lifecycle Events
	EventPostRecovery    EventType = "PostRecovery"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-events run synchronously and the first listener error is returned.
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

// NewEvent builds an event of any type. The typed constructors below are preferred.
func NewEvent(eventType EventType, payload interface{}) HookEvent {
	return &BaseEvent{eventType: eventType, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a Pre-event cancels the operation.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// ListenerFunc adapts a function to a synchronous HookListener with priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                      { return 0 }
func (f ListenerFunc) IsAsync() bool                                      { return false }

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
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := append([]*listenerWithPriority(nil), m.listeners[event.Type()]...)
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// NoopHookManager ignores all events.
type NoopHookManager struct{}

func (NoopHookManager) Register(EventType, HookListener)         {}
func (NoopHookManager) Trigger(context.Context, HookEvent) error { return nil }
func (NoopHookManager) Stop()                                    {}
