package approval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/logger"
)

// Tool is an executable tool as seen by the approval gate.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// DeniedResult is the sentinel returned in place of a tool's output when
// the human denies the call. The underlying tool is never invoked.
type DeniedResult struct {
	Denied     bool   `json:"denied"`
	ToolCallID string `json:"tool_call_id"`
	Reason     string `json:"reason,omitempty"`
}

// Gate runs tools that require human approval. The execution loop stays
// oblivious to approval mechanics: the gate lives entirely inside tool
// execution.
type Gate struct {
	approvals *Manager
	ui        *UiBus
	timeout   time.Duration // <= 0 waits forever
	logger    *logger.Logger
}

// NewGate creates an approval gate with the given wait timeout.
func NewGate(approvals *Manager, ui *UiBus, timeout time.Duration, log *logger.Logger) *Gate {
	return &Gate{
		approvals: approvals,
		ui:        ui,
		timeout:   timeout,
		logger:    log.WithFields(zap.String("component", "approval-gate")),
	}
}

// Decide publishes approval-needed with the proposed input, suspends
// until a decision arrives, and publishes approval-resolved before
// reporting the decision. Remote tool hosts (a sub-agent's delegated
// context, forbidden from writing to the user stream itself) call this
// directly; in-process tools go through ExecuteTool.
func (g *Gate) Decide(ctx context.Context, requestID, toolCallID, toolName string, input map[string]interface{}) (Decision, error) {
	if err := g.approvals.registerWaiting(requestID, toolCallID, toolName); err != nil {
		return Decision{}, err
	}

	g.ui.Publish(Event{
		Type:       EventApprovalNeeded,
		RequestID:  requestID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Input:      input,
	})

	decision, err := g.approvals.WaitForApproval(ctx, toolCallID, g.timeout)
	if err != nil {
		g.logger.Warn("approval wait ended without a decision",
			zap.String("tool_call_id", toolCallID),
			zap.Error(err))
		return Decision{}, err
	}

	approved := decision.Approved
	g.ui.Publish(Event{
		Type:       EventApprovalResolved,
		RequestID:  requestID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Approved:   &approved,
		Reason:     decision.Reason,
	})
	return decision, nil
}

// ExecuteTool gates an in-process tool: on denial it returns the denial
// sentinel without invoking the tool, on approval it invokes it.
func (g *Gate) ExecuteTool(ctx context.Context, requestID, toolCallID string, tool Tool, args map[string]interface{}) (interface{}, error) {
	decision, err := g.Decide(ctx, requestID, toolCallID, tool.Name(), args)
	if err != nil {
		return nil, err
	}

	if !decision.Approved {
		g.logger.Info("tool call denied",
			zap.String("tool_call_id", toolCallID),
			zap.String("tool", tool.Name()),
			zap.String("reason", decision.Reason))
		return &DeniedResult{Denied: true, ToolCallID: toolCallID, Reason: decision.Reason}, nil
	}

	return tool.Execute(ctx, args)
}
