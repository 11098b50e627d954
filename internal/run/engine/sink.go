package engine

import (
	"sync"
	"time"
)

// OperationType identifies a structured operation emitted during execution.
type OperationType string

const (
	OpAgentInitializing   OperationType = "agent-initializing"
	OpContentDelta        OperationType = "content-delta"
	OpToolInputStart      OperationType = "tool-input-start"
	OpToolInputDelta      OperationType = "tool-input-delta"
	OpToolInputAvailable  OperationType = "tool-input-available"
	OpToolApprovalRequest OperationType = "tool-approval-request"
	OpToolOutputAvailable OperationType = "tool-output-available"
	OpToolOutputDenied    OperationType = "tool-output-denied"
	OpCompletion          OperationType = "completion"
	OpError               OperationType = "error"
)

// Operation is one structured event on an execution's output stream.
type Operation struct {
	Type       OperationType          `json:"type"`
	RequestID  string                 `json:"request_id"`
	SubAgentID string                 `json:"sub_agent_id,omitempty"`
	Content    string                 `json:"content,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// OperationSink consumes execution operations. Sinks affect observability
// only; a slow or failing sink must never affect loop correctness, so
// implementations are expected not to block.
type OperationSink interface {
	Emit(op Operation)
}

// NoopSink discards all operations. Used for background trigger
// executions where no one is streaming.
type NoopSink struct{}

// Emit discards the operation.
func (NoopSink) Emit(Operation) {}

// BufferSink captures operations in memory. Used for buffered capture
// transports and in tests.
type BufferSink struct {
	mu  sync.Mutex
	ops []Operation
}

// Emit appends the operation to the buffer.
func (s *BufferSink) Emit(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

// Operations returns a snapshot of captured operations.
func (s *BufferSink) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Operation, len(s.ops))
	copy(result, s.ops)
	return result
}
