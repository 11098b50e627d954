package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/inkeep/agents-run/internal/common/errors"
	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/trigger/dispatcher"
	"github.com/inkeep/agents-run/internal/trigger/models"
	"github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/internal/trigger/schedule"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// maxWebhookBody caps webhook request bodies at 2MB.
const maxWebhookBody = 2 << 20

// Handler contains HTTP handlers for the trigger API
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	runner     *schedule.Runner
	repo       repository.Repository
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(d *dispatcher.Dispatcher, runner *schedule.Runner, repo repository.Repository, log *logger.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		runner:     runner,
		repo:       repo,
		logger:     log,
	}
}

// Webhook endpoint

// ReceiveWebhook validates a delivery and dispatches it to the agent.
// Validation failures map to typed statuses; an accepted delivery
// returns 202 while the agent runs in the background. `?wait=true`
// holds the response until execution finishes (serverless keepalive).
// POST /api/v1/tenants/:tenantId/projects/:projectId/triggers/:triggerId/webhook
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	ref := dispatcher.TriggerRef{
		TenantID:  c.Param("tenantId"),
		ProjectID: c.Param("projectId"),
		TriggerID: c.Param("triggerId"),
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		appErr := apperrors.BadRequest("failed to read request body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	accepted, handle, appErr := h.dispatcher.ProcessWebhook(c.Request.Context(), ref, body, c.Request.Header)
	if appErr != nil {
		h.logger.Warn("Webhook rejected",
			zap.String("trigger_id", ref.TriggerID),
			zap.String("code", appErr.Code),
			zap.Int("status", appErr.HTTPStatus))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if c.Query("wait") == "true" {
		handle.Wait(c.Request.Context())
	}

	c.JSON(http.StatusAccepted, v1.WebhookAccepted{
		Success:        true,
		InvocationID:   accepted.InvocationID,
		ConversationID: accepted.ConversationID,
	})
}

// Trigger lifecycle

// CreateTrigger creates a webhook trigger
// POST /api/v1/tenants/:tenantId/projects/:projectId/triggers
func (h *Handler) CreateTrigger(c *gin.Context) {
	var req CreateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	trigger := &models.Trigger{
		ID:               req.ID,
		TenantID:         c.Param("tenantId"),
		ProjectID:        c.Param("projectId"),
		AgentID:          req.AgentID,
		Name:             req.Name,
		Enabled:          req.Enabled == nil || *req.Enabled,
		TargetSubAgentID: req.TargetSubAgentID,
		Transform:        req.Transform,
		MessageTemplate:  req.MessageTemplate,
		AuthHeaders:      req.AuthHeaders,
		Signature:        req.Signature,
		MaxTransfers:     req.MaxTransfers,
	}
	if req.PayloadSchema != nil {
		raw, err := json.Marshal(req.PayloadSchema)
		if err != nil {
			appErr := apperrors.BadRequest("invalid payload schema")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		trigger.PayloadSchema = raw
	}

	if err := h.repo.CreateTrigger(c.Request.Context(), trigger); err != nil {
		h.logger.Error("failed to create trigger", zap.Error(err))
		appErr := apperrors.InternalError("failed to create trigger", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, trigger)
}

// GetTrigger retrieves a trigger
// GET /api/v1/tenants/:tenantId/projects/:projectId/triggers/:triggerId
func (h *Handler) GetTrigger(c *gin.Context) {
	trigger, err := h.repo.GetTrigger(c.Request.Context(), c.Param("tenantId"), c.Param("projectId"), c.Param("triggerId"))
	if err != nil {
		appErr := apperrors.NotFound("trigger", c.Param("triggerId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// UpdateTrigger updates a trigger's configuration
// PUT /api/v1/tenants/:tenantId/projects/:projectId/triggers/:triggerId
func (h *Handler) UpdateTrigger(c *gin.Context) {
	ctx := c.Request.Context()
	trigger, err := h.repo.GetTrigger(ctx, c.Param("tenantId"), c.Param("projectId"), c.Param("triggerId"))
	if err != nil {
		appErr := apperrors.NotFound("trigger", c.Param("triggerId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req UpdateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	applyTriggerUpdate(trigger, &req)

	if err := h.repo.UpdateTrigger(ctx, trigger); err != nil {
		h.logger.Error("failed to update trigger", zap.String("trigger_id", trigger.ID), zap.Error(err))
		appErr := apperrors.InternalError("failed to update trigger", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, trigger)
}

// DeleteTrigger removes a trigger
// DELETE /api/v1/tenants/:tenantId/projects/:projectId/triggers/:triggerId
func (h *Handler) DeleteTrigger(c *gin.Context) {
	err := h.repo.DeleteTrigger(c.Request.Context(), c.Param("tenantId"), c.Param("projectId"), c.Param("triggerId"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			appErr := apperrors.NotFound("trigger", c.Param("triggerId"))
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.InternalError("failed to delete trigger", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListInvocations returns recent invocations of a trigger
// GET /api/v1/tenants/:tenantId/projects/:projectId/triggers/:triggerId/invocations
func (h *Handler) ListInvocations(c *gin.Context) {
	invocations, err := h.repo.ListInvocations(c.Request.Context(), c.Param("triggerId"), 0)
	if err != nil {
		appErr := apperrors.InternalError("failed to list invocations", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invocations": invocations})
}

// Scheduled trigger lifecycle

// CreateSchedule creates a scheduled trigger and starts its runner
// POST /api/v1/tenants/:tenantId/projects/:projectId/schedules
func (h *Handler) CreateSchedule(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.CronExpr == "" && req.RunAt == nil {
		appErr := apperrors.BadRequest("either cron_expr or run_at is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s := &models.ScheduledTrigger{
		ID:                req.ID,
		TenantID:          c.Param("tenantId"),
		ProjectID:         c.Param("projectId"),
		AgentID:           req.AgentID,
		Name:              req.Name,
		Enabled:           req.Enabled == nil || *req.Enabled,
		CronExpr:          req.CronExpr,
		RunAt:             req.RunAt,
		Timezone:          req.Timezone,
		MessageTemplate:   req.MessageTemplate,
		Payload:           req.Payload,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		TimeoutSeconds:    req.TimeoutSeconds,
	}

	ctx := c.Request.Context()
	if err := h.repo.CreateScheduledTrigger(ctx, s); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err))
		appErr := apperrors.InternalError("failed to create schedule", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.runner.OnTriggerCreated(ctx, s); err != nil {
		h.logger.Error("failed to start schedule runner", zap.String("schedule_id", s.ID), zap.Error(err))
		appErr := apperrors.InternalError("failed to start schedule runner", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, s)
}

// GetSchedule retrieves a scheduled trigger
// GET /api/v1/tenants/:tenantId/projects/:projectId/schedules/:scheduleId
func (h *Handler) GetSchedule(c *gin.Context) {
	s, err := h.repo.GetScheduledTrigger(c.Request.Context(), c.Param("tenantId"), c.Param("projectId"), c.Param("scheduleId"))
	if err != nil {
		appErr := apperrors.NotFound("schedule", c.Param("scheduleId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, s)
}

// UpdateSchedule updates a scheduled trigger and restarts its runner
// when the schedule or enabled state changed
// PUT /api/v1/tenants/:tenantId/projects/:projectId/schedules/:scheduleId
func (h *Handler) UpdateSchedule(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.repo.GetScheduledTrigger(ctx, c.Param("tenantId"), c.Param("projectId"), c.Param("scheduleId"))
	if err != nil {
		appErr := apperrors.NotFound("schedule", c.Param("scheduleId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	old := *s

	var req UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	applyScheduleUpdate(s, &req)

	if err := h.repo.UpdateScheduledTrigger(ctx, s); err != nil {
		h.logger.Error("failed to update schedule", zap.String("schedule_id", s.ID), zap.Error(err))
		appErr := apperrors.InternalError("failed to update schedule", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.runner.OnTriggerUpdated(ctx, &old, s); err != nil {
		h.logger.Error("failed to restart schedule runner", zap.String("schedule_id", s.ID), zap.Error(err))
		appErr := apperrors.InternalError("failed to restart schedule runner", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, s)
}

// DeleteSchedule removes a scheduled trigger and stops its runner
// DELETE /api/v1/tenants/:tenantId/projects/:projectId/schedules/:scheduleId
func (h *Handler) DeleteSchedule(c *gin.Context) {
	ctx := c.Request.Context()
	err := h.repo.DeleteScheduledTrigger(ctx, c.Param("tenantId"), c.Param("projectId"), c.Param("scheduleId"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			appErr := apperrors.NotFound("schedule", c.Param("scheduleId"))
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.InternalError("failed to delete schedule", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.runner.OnTriggerDeleted(ctx, c.Param("scheduleId"))
	c.Status(http.StatusNoContent)
}

// RunNow fires the schedule immediately with the configured retry policy
// POST /api/v1/tenants/:tenantId/projects/:projectId/schedules/:scheduleId/run
func (h *Handler) RunNow(c *gin.Context) {
	invocation, err := h.runner.RunNow(c.Request.Context(), c.Param("tenantId"), c.Param("projectId"), c.Param("scheduleId"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			appErr := apperrors.NotFound("schedule", c.Param("scheduleId"))
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.InternalError("failed to run schedule", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, v1.RunNowResponse{
		Success:      true,
		InvocationID: invocation.ID,
	})
}

// Rerun mints a fresh invocation continuing an earlier attempt sequence
// POST /api/v1/tenants/:tenantId/projects/:projectId/schedules/:scheduleId/invocations/:invocationId/rerun
func (h *Handler) Rerun(c *gin.Context) {
	originalID := c.Param("invocationId")
	invocation, err := h.runner.Rerun(c.Request.Context(), c.Param("tenantId"), c.Param("projectId"), c.Param("scheduleId"), originalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			appErr := apperrors.NotFound("invocation", originalID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.InternalError("failed to rerun invocation", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, v1.RerunResponse{
		Success:              true,
		NewInvocationID:      invocation.ID,
		OriginalInvocationID: originalID,
	})
}

func applyTriggerUpdate(t *models.Trigger, req *UpdateTriggerRequest) {
	if req.AgentID != nil {
		t.AgentID = *req.AgentID
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.TargetSubAgentID != nil {
		t.TargetSubAgentID = *req.TargetSubAgentID
	}
	if req.PayloadSchema != nil {
		if raw, err := json.Marshal(req.PayloadSchema); err == nil {
			t.PayloadSchema = raw
		}
	}
	if req.Transform != nil {
		t.Transform = req.Transform
	}
	if req.MessageTemplate != nil {
		t.MessageTemplate = *req.MessageTemplate
	}
	if req.AuthHeaders != nil {
		t.AuthHeaders = req.AuthHeaders
	}
	if req.Signature != nil {
		t.Signature = req.Signature
	}
	if req.MaxTransfers != nil {
		t.MaxTransfers = *req.MaxTransfers
	}
}

func applyScheduleUpdate(s *models.ScheduledTrigger, req *UpdateScheduleRequest) {
	if req.AgentID != nil {
		s.AgentID = *req.AgentID
	}
	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.CronExpr != nil {
		s.CronExpr = *req.CronExpr
	}
	if req.RunAt != nil {
		s.RunAt = req.RunAt
	}
	if req.Timezone != nil {
		s.Timezone = *req.Timezone
	}
	if req.MessageTemplate != nil {
		s.MessageTemplate = *req.MessageTemplate
	}
	if req.Payload != nil {
		s.Payload = *req.Payload
	}
	if req.MaxRetries != nil {
		s.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySeconds != nil {
		s.RetryDelaySeconds = *req.RetryDelaySeconds
	}
	if req.TimeoutSeconds != nil {
		s.TimeoutSeconds = *req.TimeoutSeconds
	}
}
