package api

import (
	"github.com/gin-gonic/gin"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/approval"
	"github.com/inkeep/agents-run/internal/run/engine"
	"github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/streaming"
)

// SetupRoutes configures the chat and approval API routes
func SetupRoutes(router *gin.RouterGroup, eng *engine.Engine, repo repository.Repository,
	approvals *approval.Manager, ui *approval.UiBus, gate *approval.Gate, hub *streaming.Hub,
	agents SubAgentResolver, log *logger.Logger) {

	handler := NewHandler(eng, repo, approvals, ui, gate, hub, agents, log)

	agentsGroup := router.Group("/tenants/:tenantId/projects/:projectId/agents/:agentId")
	{
		agentsGroup.POST("/chat", handler.Chat)
	}

	approvalsGroup := router.Group("/approvals")
	{
		approvalsGroup.POST("", handler.RequestApproval)
		approvalsGroup.POST("/:toolCallId", handler.ResolveApproval)
	}

	router.GET("/ws", handler.Stream)
}
