package v1

// TaskStatus represents the lifecycle state of one execution attempt
// of a conversation turn.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// InvocationStatus represents the lifecycle state of one trigger firing.
type InvocationStatus string

const (
	InvocationStatusPending   InvocationStatus = "pending"
	InvocationStatusRunning   InvocationStatus = "running"
	InvocationStatusSuccess   InvocationStatus = "success"
	InvocationStatusFailed    InvocationStatus = "failed"
	InvocationStatusCompleted InvocationStatus = "completed"
	InvocationStatusCancelled InvocationStatus = "cancelled"
)

// IsTerminal reports whether an invocation has reached a final state.
func (s InvocationStatus) IsTerminal() bool {
	switch s {
	case InvocationStatusSuccess, InvocationStatusFailed,
		InvocationStatusCompleted, InvocationStatusCancelled:
		return true
	}
	return false
}

// ValidationError describes a single field-level schema validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// WebhookAccepted is the 202 response body for a webhook delivery.
type WebhookAccepted struct {
	Success        bool   `json:"success"`
	InvocationID   string `json:"invocationId"`
	ConversationID string `json:"conversationId"`
}

// RunNowResponse is the 202 response body for a manual trigger run.
type RunNowResponse struct {
	Success      bool   `json:"success"`
	InvocationID string `json:"invocationId"`
}

// RerunResponse is the 202 response body for a trigger rerun. A rerun
// always creates a fresh invocation rather than mutating history.
type RerunResponse struct {
	Success              bool   `json:"success"`
	NewInvocationID      string `json:"newInvocationId"`
	OriginalInvocationID string `json:"originalInvocationId"`
}
