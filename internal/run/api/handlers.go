package api

import (
	"context"
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/errors"
	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/approval"
	"github.com/inkeep/agents-run/internal/run/engine"
	"github.com/inkeep/agents-run/internal/run/models"
	"github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/streaming"
	"github.com/inkeep/agents-run/pkg/a2a"
)

// SubAgentResolver maps an agent to its default (entry) sub-agent.
type SubAgentResolver interface {
	DefaultSubAgent(ctx context.Context, tenantID, projectID, agentID string) (string, error)
}

// Handler contains HTTP handlers for the chat API
type Handler struct {
	engine    *engine.Engine
	repo      repository.Repository
	approvals *approval.Manager
	ui        *approval.UiBus
	gate      *approval.Gate
	hub       *streaming.Hub
	agents    SubAgentResolver
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(eng *engine.Engine, repo repository.Repository, approvals *approval.Manager,
	ui *approval.UiBus, gate *approval.Gate, hub *streaming.Hub, agents SubAgentResolver, log *logger.Logger) *Handler {

	return &Handler{
		engine:    eng,
		repo:      repo,
		approvals: approvals,
		ui:        ui,
		gate:      gate,
		hub:       hub,
		agents:    agents,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log,
	}
}

// Chat accepts a user message and starts an execution turn. Operations
// stream over the websocket; the HTTP response only acknowledges.
// POST /api/v1/tenants/:tenantId/projects/:projectId/agents/:agentId/chat
func (h *Handler) Chat(c *gin.Context) {
	tenantID := c.Param("tenantId")
	projectID := c.Param("projectId")
	agentID := c.Param("agentId")

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()

	subAgentID := req.SubAgentID
	conversationID := req.ConversationID
	if conversationID == "" {
		if subAgentID == "" {
			resolved, err := h.agents.DefaultSubAgent(ctx, tenantID, projectID, agentID)
			if err != nil {
				h.logger.Error("failed to resolve default sub-agent",
					zap.String("agent_id", agentID), zap.Error(err))
				appErr := errors.InternalError("failed to resolve default sub-agent", err)
				c.JSON(appErr.HTTPStatus, appErr)
				return
			}
			subAgentID = resolved
		}
		conversation := &models.Conversation{
			TenantID:         tenantID,
			ProjectID:        projectID,
			AgentID:          agentID,
			ActiveSubAgentID: subAgentID,
		}
		if err := h.repo.CreateConversation(ctx, conversation); err != nil {
			h.logger.Error("failed to create conversation", zap.Error(err))
			appErr := errors.InternalError("failed to create conversation", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		conversationID = conversation.ID
	} else {
		conversation, err := h.repo.GetConversation(ctx, conversationID)
		if err != nil {
			appErr := errors.NotFound("conversation", conversationID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if subAgentID == "" {
			subAgentID = conversation.ActiveSubAgentID
		}
	}

	parts := []a2a.Part{{Kind: a2a.PartKindText, Text: req.Message}}
	userMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Parts:          a2a.MarshalParts(parts),
	}
	if err := h.repo.CreateMessage(ctx, userMsg); err != nil {
		h.logger.Error("failed to persist user message", zap.Error(err))
		appErr := errors.InternalError("failed to persist message", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	requestID := uuid.New().String()
	execReq := &engine.ExecuteRequest{
		TenantID:           tenantID,
		ProjectID:          projectID,
		AgentID:            agentID,
		ConversationID:     conversationID,
		RequestID:          requestID,
		StartingSubAgentID: subAgentID,
		MessageText:        req.Message,
		Parts:              parts,
		MaxTransfers:       req.MaxTransfers,
		BearerToken:        bearerToken(c),
		ForwardedHeaders:   c.Request.Header.Clone(),
		Origin:             engine.OriginChat,
	}

	sink := streaming.NewHubSink(h.hub, requestID)
	go h.engine.Execute(context.Background(), execReq, sink)

	c.JSON(http.StatusAccepted, ChatResponse{
		RequestID:      requestID,
		ConversationID: conversationID,
	})
}

// RequestApproval suspends a tool host's call until a human decision
// arrives. The host is typically executing inside a delegated sub-agent
// context that cannot write to the user-facing stream itself; the gate
// routes approval-needed/approval-resolved to that stream while the host
// long-polls here.
// POST /api/v1/approvals
func (h *Handler) RequestApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	decision, err := h.gate.Decide(c.Request.Context(), req.RequestID, req.ToolCallID, req.ToolName, req.Input)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Caller went away; nothing left to answer.
			return
		}
		var appErr *errors.AppError
		if goerrors.Is(err, approval.ErrDecisionTimeout) {
			appErr = errors.Timeout(err.Error())
		} else {
			appErr = errors.Conflict(err.Error())
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, ApprovalResponse{
		ToolCallID: req.ToolCallID,
		Approved:   decision.Approved,
		Reason:     decision.Reason,
	})
}

// ResolveApproval records a decision for a pending tool approval.
// POST /api/v1/approvals/:toolCallId
func (h *Handler) ResolveApproval(c *gin.Context) {
	toolCallID := c.Param("toolCallId")

	var req ApprovalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var outcome approval.Outcome
	var res approval.Resolution
	if req.Approved {
		outcome, res = h.approvals.Approve(toolCallID)
	} else {
		outcome, res = h.approvals.Deny(toolCallID, req.Reason)
	}

	switch outcome {
	case approval.OutcomeNotFound:
		appErr := errors.NotFound("approval", toolCallID)
		c.JSON(appErr.HTTPStatus, appErr)
	default:
		// When no tool host is blocked waiting on the call, nothing else
		// will announce the resolution, so the resolver side does.
		if outcome == approval.OutcomeResolved && !res.Delivered {
			approved := req.Approved
			h.ui.Publish(approval.Event{
				Type:       approval.EventApprovalResolved,
				RequestID:  res.RequestID,
				ToolCallID: toolCallID,
				ToolName:   res.ToolName,
				Approved:   &approved,
				Reason:     req.Reason,
			})
		}
		c.JSON(http.StatusOK, ApprovalDecisionResponse{
			ToolCallID: toolCallID,
			Status:     string(outcome),
		})
	}
}

// Stream upgrades the connection to a websocket following execution
// streams. Clients subscribe to request ids over the socket; an initial
// ?request_id= query subscribes immediately.
// GET /api/v1/ws
func (h *Handler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	if requestID := c.Query("request_id"); requestID != "" {
		client.Subscribe(requestID)
	}

	go client.WritePump()
	go client.ReadPump()
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
