package api

import (
	"github.com/gin-gonic/gin"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/trigger/dispatcher"
	"github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/internal/trigger/schedule"
)

// SetupRoutes configures the trigger API routes
func SetupRoutes(router *gin.RouterGroup, d *dispatcher.Dispatcher, runner *schedule.Runner,
	repo repository.Repository, log *logger.Logger) {

	handler := NewHandler(d, runner, repo, log)

	scoped := router.Group("/tenants/:tenantId/projects/:projectId")

	triggers := scoped.Group("/triggers")
	{
		triggers.POST("", handler.CreateTrigger)
		triggers.GET("/:triggerId", handler.GetTrigger)
		triggers.PUT("/:triggerId", handler.UpdateTrigger)
		triggers.DELETE("/:triggerId", handler.DeleteTrigger)
		triggers.POST("/:triggerId/webhook", handler.ReceiveWebhook)
		triggers.GET("/:triggerId/invocations", handler.ListInvocations)
	}

	schedules := scoped.Group("/schedules")
	{
		schedules.POST("", handler.CreateSchedule)
		schedules.GET("/:scheduleId", handler.GetSchedule)
		schedules.PUT("/:scheduleId", handler.UpdateSchedule)
		schedules.DELETE("/:scheduleId", handler.DeleteSchedule)
		schedules.POST("/:scheduleId/run", handler.RunNow)
		schedules.POST("/:scheduleId/invocations/:invocationId/rerun", handler.Rerun)
	}
}
