package engine

import (
	"sync"
	"time"
)

// Session holds the process-local streaming state for one in-flight
// execution. Created at loop start, destroyed at loop end, never persisted.
type Session struct {
	RequestID      string
	ConversationID string
	Sink           OperationSink
	StartedAt      time.Time
}

// SessionRegistry tracks in-flight executions by request id. It is an
// explicitly constructed component (created at service start, handed to
// request handlers) so tests can instantiate isolated instances.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Create registers a session for a request id, replacing any stale entry.
func (r *SessionRegistry) Create(requestID, conversationID string, sink OperationSink) *Session {
	if sink == nil {
		sink = NoopSink{}
	}
	s := &Session{
		RequestID:      requestID,
		ConversationID: conversationID,
		Sink:           sink,
		StartedAt:      time.Now().UTC(),
	}
	r.mu.Lock()
	r.sessions[requestID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session for a request id, if one is in flight.
func (r *SessionRegistry) Get(requestID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[requestID]
	return s, ok
}

// End removes the session for a request id. Safe to call more than once.
func (r *SessionRegistry) End(requestID string) {
	r.mu.Lock()
	delete(r.sessions, requestID)
	r.mu.Unlock()
}

// Count returns the number of in-flight sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
