package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkeep/agents-run/internal/run/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// MemoryRepository provides in-memory execution storage operations
type MemoryRepository struct {
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	tasks         map[string]*models.Task
	mu            sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory execution repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		tasks:         make(map[string]*models.Task),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Conversation operations

// CreateConversation creates a new conversation
func (r *MemoryRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	r.conversations[conv.ID] = conv
	return nil
}

// GetConversation retrieves a conversation by ID
func (r *MemoryRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	copied := *conv
	return &copied, nil
}

// UpdateActiveSubAgent moves the conversation's active sub-agent pointer.
// Last writer wins.
func (r *MemoryRepository) UpdateActiveSubAgent(ctx context.Context, id, subAgentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	conv.ActiveSubAgentID = subAgentID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Message operations

// CreateMessage appends a message to a conversation
func (r *MemoryRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	return nil
}

// ListMessages returns all messages for a conversation in insertion order
func (r *MemoryRepository) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[conversationID]
	result := make([]*models.Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

// Task operations

// CreateOrGetTask creates a task keyed by (conversation, request); if the
// task already exists the stored row is returned with created=false.
func (r *MemoryRepository) CreateOrGetTask(ctx context.Context, task *models.Task) (*models.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = models.TaskID(task.ConversationID, task.RequestID)
	}

	if existing, ok := r.tasks[task.ID]; ok {
		copied := *existing
		return &copied, false, nil
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	r.tasks[task.ID] = task

	copied := *task
	return &copied, true, nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	copied := *task
	return &copied, nil
}

// UpdateTaskStatus sets the task's status along with the sub-agent that
// most recently owned the turn and an optional error message.
func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, subAgentID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	task.Status = status
	if subAgentID != "" {
		task.SubAgentID = subAgentID
	}
	task.Error = errMsg
	task.UpdatedAt = time.Now().UTC()
	return nil
}
