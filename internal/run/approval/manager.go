// Package approval implements the tool-approval gate: a blocking wait for
// an out-of-band human decision on a proposed tool call, plus the pub/sub
// bus that routes approval events to the user-facing stream.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDecisionTimeout reports that no decision arrived within the wait
// window.
var ErrDecisionTimeout = errors.New("approval decision timeout")

// Decision is the human's verdict on one tool call.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Outcome reports what a resolve call did.
type Outcome string

const (
	// OutcomeResolved means this call delivered the decision to the waiter.
	OutcomeResolved Outcome = "resolved"
	// OutcomeAlreadyProcessed means the call was already resolved; the
	// stored decision is unchanged.
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeNotFound means no approval is pending for the tool call id.
	OutcomeNotFound Outcome = "not_found"
)

// Resolution carries the context a resolver needs to announce a
// decision. Delivered reports that a tool host was already blocked in
// WaitForApproval and received the decision; that waiter announces the
// resolution, so the resolver must not.
type Resolution struct {
	RequestID string
	ToolName  string
	Delivered bool
}

type pendingApproval struct {
	ch        chan Decision
	requestID string
	toolName  string
	waiting   bool
	resolved  bool
	decision  Decision
}

// Manager tracks pending tool-call approvals. At most one pending
// approval exists per tool call id at a time; resolving is idempotent.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewManager creates an empty approval manager.
func NewManager() *Manager {
	return &Manager{pending: make(map[string]*pendingApproval)}
}

// Register creates the pending entry for a tool call before the
// approval-needed event is published, closing the window where a decision
// could arrive with no waiter. Returns an error if an approval is already
// pending for the id.
func (m *Manager) Register(requestID, toolCallID, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[toolCallID]; exists {
		return fmt.Errorf("approval already pending for tool call %s", toolCallID)
	}
	m.pending[toolCallID] = &pendingApproval{
		ch:        make(chan Decision, 1),
		requestID: requestID,
		toolName:  toolName,
	}
	return nil
}

// registerWaiting creates the pending entry with the waiter already
// attached. The gate uses it so a decision landing between the
// approval-needed publish and the wait still reports Delivered, keeping
// the announcement single-owner.
func (m *Manager) registerWaiting(requestID, toolCallID, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[toolCallID]; exists {
		return fmt.Errorf("approval already pending for tool call %s", toolCallID)
	}
	m.pending[toolCallID] = &pendingApproval{
		ch:        make(chan Decision, 1),
		requestID: requestID,
		toolName:  toolName,
		waiting:   true,
	}
	return nil
}

// WaitForApproval blocks until the tool call is approved or denied, the
// timeout elapses (timeout <= 0 waits forever), or ctx is cancelled.
// The pending entry is removed before returning.
func (m *Manager) WaitForApproval(ctx context.Context, toolCallID string, timeout time.Duration) (Decision, error) {
	m.mu.Lock()
	entry, ok := m.pending[toolCallID]
	if !ok {
		entry = &pendingApproval{ch: make(chan Decision, 1)}
		m.pending[toolCallID] = entry
	}
	entry.waiting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, toolCallID)
		m.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-entry.ch:
		return d, nil
	case <-timeoutCh:
		return Decision{}, fmt.Errorf("approval for tool call %s timed out after %s: %w", toolCallID, timeout, ErrDecisionTimeout)
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Approve resolves a pending tool call as approved.
func (m *Manager) Approve(toolCallID string) (Outcome, Resolution) {
	return m.resolve(toolCallID, Decision{Approved: true})
}

// Deny resolves a pending tool call as denied with a reason.
func (m *Manager) Deny(toolCallID, reason string) (Outcome, Resolution) {
	return m.resolve(toolCallID, Decision{Approved: false, Reason: reason})
}

// resolve delivers a decision exactly once. A second resolve for the same
// id is a no-op reporting OutcomeAlreadyProcessed; the stored decision is
// never altered.
func (m *Manager) resolve(toolCallID string, d Decision) (Outcome, Resolution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[toolCallID]
	if !ok {
		return OutcomeNotFound, Resolution{}
	}
	res := Resolution{
		RequestID: entry.requestID,
		ToolName:  entry.toolName,
		Delivered: entry.waiting,
	}
	if entry.resolved {
		return OutcomeAlreadyProcessed, res
	}

	entry.resolved = true
	entry.decision = d
	entry.ch <- d
	return OutcomeResolved, res
}

// PendingCount returns the number of tool calls awaiting a decision.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
