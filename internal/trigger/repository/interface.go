// Package repository provides persistence for triggers, scheduled
// triggers, and their invocations.
package repository

import (
	"context"
	"errors"

	"github.com/inkeep/agents-run/internal/trigger/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Repository stores trigger configuration and invocation history.
type Repository interface {
	CreateTrigger(ctx context.Context, t *models.Trigger) error
	GetTrigger(ctx context.Context, tenantID, projectID, triggerID string) (*models.Trigger, error)
	UpdateTrigger(ctx context.Context, t *models.Trigger) error
	DeleteTrigger(ctx context.Context, tenantID, projectID, triggerID string) error

	CreateInvocation(ctx context.Context, inv *models.TriggerInvocation) error
	GetInvocation(ctx context.Context, invocationID string) (*models.TriggerInvocation, error)
	UpdateInvocationStatus(ctx context.Context, invocationID string, status v1.InvocationStatus, conversationID, errMsg string) error
	UpdateInvocationAttempt(ctx context.Context, invocationID string, attemptNumber int) error
	ListInvocations(ctx context.Context, triggerID string, limit int) ([]*models.TriggerInvocation, error)

	CreateScheduledTrigger(ctx context.Context, s *models.ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, tenantID, projectID, scheduleID string) (*models.ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, s *models.ScheduledTrigger) error
	DeleteScheduledTrigger(ctx context.Context, tenantID, projectID, scheduleID string) error
	ListScheduledTriggers(ctx context.Context) ([]*models.ScheduledTrigger, error)
	SetWorkflowRunID(ctx context.Context, scheduleID, workflowRunID string) error

	Close() error
}
