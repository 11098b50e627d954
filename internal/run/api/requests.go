// Package api provides the chat and approval HTTP surface.
package api

// ChatRequest starts (or continues) a conversation turn.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message" binding:"required"`
	SubAgentID     string `json:"sub_agent_id,omitempty"`
	MaxTransfers   int    `json:"max_transfers,omitempty"`
}

// ChatResponse acknowledges an accepted turn. Operations stream over the
// websocket attached to RequestID.
type ChatResponse struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
}

// ApprovalRequest asks for a human decision on a proposed tool call. The
// calling tool host blocks on the response.
type ApprovalRequest struct {
	RequestID  string                 `json:"request_id" binding:"required"`
	ToolCallID string                 `json:"tool_call_id" binding:"required"`
	ToolName   string                 `json:"tool_name" binding:"required"`
	Input      map[string]interface{} `json:"input,omitempty"`
}

// ApprovalResponse carries the decision back to the waiting tool host.
type ApprovalResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// ApprovalDecisionRequest resolves a pending tool approval.
type ApprovalDecisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalDecisionResponse reports what the resolve call did.
type ApprovalDecisionResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Status     string `json:"status"` // resolved, already_processed
}
