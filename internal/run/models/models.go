// Package models defines the persisted entities of the execution engine.
package models

import (
	"strings"
	"time"

	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// Conversation scopes a multi-turn exchange to a tenant/project/agent and
// tracks which sub-agent currently owns the turn. The active sub-agent
// pointer is the sole coordination point between concurrent executions:
// last writer wins and the loop re-reads it each iteration.
type Conversation struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	ProjectID        string    `json:"project_id"`
	AgentID          string    `json:"agent_id"`
	ActiveSubAgentID string    `json:"active_sub_agent_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message is one persisted conversation message. Parts holds the JSON
// serialization of structured message parts; Content is the flat text.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Parts          string    `json:"parts,omitempty"`
	SubAgentID     string    `json:"sub_agent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Task records one execution attempt of a conversation turn. The id is
// derived from (conversation, request) so duplicate creation races resolve
// to the existing row. Terminal status is set exactly once.
type Task struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	RequestID      string                 `json:"request_id"`
	Status         v1.TaskStatus          `json:"status"`
	RootSubAgentID string                 `json:"root_sub_agent_id"`
	SubAgentID     string                 `json:"sub_agent_id"`
	Error          string                 `json:"error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// TaskID derives the deterministic task id for a conversation turn.
func TaskID(conversationID, requestID string) string {
	return conversationID + ":" + requestID
}

// ConversationIDFromTaskID recovers the conversation id from a task id.
func ConversationIDFromTaskID(taskID string) string {
	if i := strings.IndexByte(taskID, ':'); i >= 0 {
		return taskID[:i]
	}
	return ""
}
