package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/inkeep/agents-run/internal/run/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based execution storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		active_sub_agent_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT DEFAULT '',
		parts TEXT DEFAULT '[]',
		sub_agent_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status TEXT DEFAULT 'pending',
		root_sub_agent_id TEXT DEFAULT '',
		sub_agent_id TEXT DEFAULT '',
		error TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (conversation_id, request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_conversation_id ON tasks(conversation_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Conversation operations

// CreateConversation creates a new conversation
func (r *SQLiteRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, project_id, agent_id, active_sub_agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.TenantID, conv.ProjectID, conv.AgentID, conv.ActiveSubAgentID, conv.CreatedAt, conv.UpdatedAt)

	return err
}

// GetConversation retrieves a conversation by ID
func (r *SQLiteRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, project_id, agent_id, active_sub_agent_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.TenantID, &conv.ProjectID, &conv.AgentID, &conv.ActiveSubAgentID, &conv.CreatedAt, &conv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateActiveSubAgent moves the conversation's active sub-agent pointer
func (r *SQLiteRepository) UpdateActiveSubAgent(ctx context.Context, id, subAgentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET active_sub_agent_id = ?, updated_at = ? WHERE id = ?
	`, subAgentID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// Message operations

// CreateMessage appends a message to a conversation
func (r *SQLiteRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.Parts == "" {
		msg.Parts = "[]"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, parts, sub_agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Parts, msg.SubAgentID, msg.CreatedAt)

	return err
}

// ListMessages returns all messages for a conversation in insertion order
func (r *SQLiteRepository) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, parts, sub_agent_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Parts, &msg.SubAgentID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// Task operations

// CreateOrGetTask inserts a task keyed by (conversation, request). A
// unique-constraint conflict means another caller created the row first;
// the existing row is fetched and returned with created=false.
func (r *SQLiteRepository) CreateOrGetTask(ctx context.Context, task *models.Task) (*models.Task, bool, error) {
	if task.ID == "" {
		task.ID = models.TaskID(task.ConversationID, task.RequestID)
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}

	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, conversation_id, request_id, status, root_sub_agent_id, sub_agent_id, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ConversationID, task.RequestID, task.Status, task.RootSubAgentID, task.SubAgentID, task.Error, string(metadata), task.CreatedAt, task.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.GetTask(ctx, task.ID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	copied := *task
	return &copied, true, nil
}

// GetTask retrieves a task by ID
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	var metadata string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, request_id, status, root_sub_agent_id, sub_agent_id, error, metadata, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&task.ID, &task.ConversationID, &task.RequestID, &task.Status, &task.RootSubAgentID, &task.SubAgentID, &task.Error, &metadata, &task.CreatedAt, &task.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &task.Metadata)
	}
	return task, nil
}

// UpdateTaskStatus sets the task's status, owning sub-agent and error message
func (r *SQLiteRepository) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, subAgentID, errMsg string) error {
	query := `UPDATE tasks SET status = ?, error = ?, updated_at = ?`
	args := []interface{}{status, errMsg, time.Now().UTC()}
	if subAgentID != "" {
		query += `, sub_agent_id = ?`
		args = append(args, subAgentID)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
