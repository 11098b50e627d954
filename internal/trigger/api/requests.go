// Package api provides the webhook endpoint and trigger management routes.
package api

import (
	"time"

	"github.com/inkeep/agents-run/internal/trigger/models"
)

// CreateTriggerRequest creates a webhook trigger.
type CreateTriggerRequest struct {
	ID               string                  `json:"id" binding:"required"`
	AgentID          string                  `json:"agent_id" binding:"required"`
	Name             string                  `json:"name"`
	Enabled          *bool                   `json:"enabled,omitempty"`
	TargetSubAgentID string                  `json:"target_sub_agent_id,omitempty"`
	PayloadSchema    map[string]interface{}  `json:"payload_schema,omitempty"`
	Transform        *models.Transform       `json:"transform,omitempty"`
	MessageTemplate  string                  `json:"message_template,omitempty"`
	AuthHeaders      []models.HeaderAuth     `json:"auth_headers,omitempty"`
	Signature        *models.SignatureConfig `json:"signature,omitempty"`
	MaxTransfers     int                     `json:"max_transfers,omitempty"`
}

// UpdateTriggerRequest updates a webhook trigger. Omitted fields keep
// their stored values.
type UpdateTriggerRequest struct {
	AgentID          *string                 `json:"agent_id,omitempty"`
	Name             *string                 `json:"name,omitempty"`
	Enabled          *bool                   `json:"enabled,omitempty"`
	TargetSubAgentID *string                 `json:"target_sub_agent_id,omitempty"`
	PayloadSchema    map[string]interface{}  `json:"payload_schema,omitempty"`
	Transform        *models.Transform       `json:"transform,omitempty"`
	MessageTemplate  *string                 `json:"message_template,omitempty"`
	AuthHeaders      []models.HeaderAuth     `json:"auth_headers,omitempty"`
	Signature        *models.SignatureConfig `json:"signature,omitempty"`
	MaxTransfers     *int                    `json:"max_transfers,omitempty"`
}

// CreateScheduleRequest creates a scheduled trigger.
type CreateScheduleRequest struct {
	ID                string     `json:"id" binding:"required"`
	AgentID           string     `json:"agent_id" binding:"required"`
	Name              string     `json:"name"`
	Enabled           *bool      `json:"enabled,omitempty"`
	CronExpr          string     `json:"cron_expr,omitempty"`
	RunAt             *time.Time `json:"run_at,omitempty"`
	Timezone          string     `json:"timezone,omitempty"`
	MessageTemplate   string     `json:"message_template,omitempty"`
	Payload           string     `json:"payload,omitempty"`
	MaxRetries        int        `json:"max_retries"`
	RetryDelaySeconds int        `json:"retry_delay_seconds"`
	TimeoutSeconds    int        `json:"timeout_seconds"`
}

// UpdateScheduleRequest updates a scheduled trigger.
type UpdateScheduleRequest struct {
	AgentID           *string    `json:"agent_id,omitempty"`
	Name              *string    `json:"name,omitempty"`
	Enabled           *bool      `json:"enabled,omitempty"`
	CronExpr          *string    `json:"cron_expr,omitempty"`
	RunAt             *time.Time `json:"run_at,omitempty"`
	Timezone          *string    `json:"timezone,omitempty"`
	MessageTemplate   *string    `json:"message_template,omitempty"`
	Payload           *string    `json:"payload,omitempty"`
	MaxRetries        *int       `json:"max_retries,omitempty"`
	RetryDelaySeconds *int       `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    *int       `json:"timeout_seconds,omitempty"`
}
