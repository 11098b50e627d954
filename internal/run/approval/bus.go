package approval

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/logger"
)

// EventType discriminates approval UI events.
type EventType string

const (
	EventApprovalNeeded   EventType = "approval-needed"
	EventApprovalResolved EventType = "approval-resolved"
)

// Event is a transient approval notification keyed by the owning
// execution's request id. It is fanned out to zero or more subscribers.
type Event struct {
	Type       EventType              `json:"type"`
	RequestID  string                 `json:"request_id"`
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Approved   *bool                  `json:"approved,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Listener receives approval events for one request id.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// UiBus forwards approval events from a tool call (which may be running
// inside a different sub-agent's delegated context, forbidden from writing
// to the user-facing stream directly) up to the one stream actually
// connected to the end user. An explicitly constructed component, not a
// global: tests instantiate their own.
type UiBus struct {
	mu        sync.RWMutex
	listeners map[string][]listenerEntry
	nextID    int
	logger    *logger.Logger
}

// NewUiBus creates an empty approval UI bus.
func NewUiBus(log *logger.Logger) *UiBus {
	return &UiBus{
		listeners: make(map[string][]listenerEntry),
		logger:    log.WithFields(zap.String("component", "approval-ui-bus")),
	}
}

// Subscribe registers a listener for a request id and returns an
// unsubscribe function.
func (b *UiBus) Subscribe(requestID string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[requestID] = append(b.listeners[requestID], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.listeners[requestID]
		for i, e := range entries {
			if e.id == id {
				b.listeners[requestID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(b.listeners[requestID]) == 0 {
			delete(b.listeners, requestID)
		}
	}
}

// Publish delivers an event to all listeners for its request id.
// Listeners run sequentially in subscription order so event ordering is
// preserved; a panicking listener is logged and does not abort delivery
// to the others.
func (b *UiBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	entries := make([]listenerEntry, len(b.listeners[ev.RequestID]))
	copy(entries, b.listeners[ev.RequestID])
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver(e, ev)
	}
}

func (b *UiBus) deliver(e listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("approval listener panicked",
				zap.String("request_id", ev.RequestID),
				zap.String("tool_call_id", ev.ToolCallID),
				zap.Any("panic", r))
		}
	}()
	e.fn(ev)
}

// ListenerCount returns the number of listeners for a request id.
func (b *UiBus) ListenerCount(requestID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[requestID])
}
