package repository

import (
	"context"
	"errors"

	"github.com/inkeep/agents-run/internal/run/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for execution storage operations
type Repository interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateActiveSubAgent(ctx context.Context, id, subAgentID string) error

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)

	// Task operations. CreateOrGetTask returns the stored task and whether
	// this call created it; a duplicate-key race resolves to the existing
	// row rather than an error.
	CreateOrGetTask(ctx context.Context, task *models.Task) (*models.Task, bool, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, subAgentID, errMsg string) error

	// Close closes the repository (for database connections)
	Close() error
}
