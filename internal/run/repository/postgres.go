package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkeep/agents-run/internal/run/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// PostgresRepository provides Postgres-based execution storage operations
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to Postgres and initializes the schema
func NewPostgresRepository(ctx context.Context, dsn string, maxConns int) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		active_sub_agent_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT DEFAULT '',
		parts TEXT DEFAULT '[]',
		sub_agent_id TEXT DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status TEXT DEFAULT 'pending',
		root_sub_agent_id TEXT DEFAULT '',
		sub_agent_id TEXT DEFAULT '',
		error TEXT DEFAULT '',
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (conversation_id, request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_conversation_id ON tasks(conversation_id);
	`

	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Conversation operations

// CreateConversation creates a new conversation
func (r *PostgresRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, tenant_id, project_id, agent_id, active_sub_agent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conv.ID, conv.TenantID, conv.ProjectID, conv.AgentID, conv.ActiveSubAgentID, conv.CreatedAt, conv.UpdatedAt)

	return err
}

// GetConversation retrieves a conversation by ID
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, project_id, agent_id, active_sub_agent_id, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&conv.ID, &conv.TenantID, &conv.ProjectID, &conv.AgentID, &conv.ActiveSubAgentID, &conv.CreatedAt, &conv.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateActiveSubAgent moves the conversation's active sub-agent pointer
func (r *PostgresRepository) UpdateActiveSubAgent(ctx context.Context, id, subAgentID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations SET active_sub_agent_id = $1, updated_at = $2 WHERE id = $3
	`, subAgentID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// Message operations

// CreateMessage appends a message to a conversation
func (r *PostgresRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.Parts == "" {
		msg.Parts = "[]"
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, parts, sub_agent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Parts, msg.SubAgentID, msg.CreatedAt)

	return err
}

// ListMessages returns all messages for a conversation in insertion order
func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, parts, sub_agent_id, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC
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

// CreateOrGetTask inserts a task keyed by (conversation, request); a
// unique violation resolves to fetching the existing row.
func (r *PostgresRepository) CreateOrGetTask(ctx context.Context, task *models.Task) (*models.Task, bool, error) {
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks (id, conversation_id, request_id, status, root_sub_agent_id, sub_agent_id, error, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, task.ID, task.ConversationID, task.RequestID, task.Status, task.RootSubAgentID, task.SubAgentID, task.Error, metadata, task.CreatedAt, task.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
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
func (r *PostgresRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	var metadata []byte

	err := r.pool.QueryRow(ctx, `
		SELECT id, conversation_id, request_id, status, root_sub_agent_id, sub_agent_id, error, metadata, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&task.ID, &task.ConversationID, &task.RequestID, &task.Status, &task.RootSubAgentID, &task.SubAgentID, &task.Error, &metadata, &task.CreatedAt, &task.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &task.Metadata)
	}
	return task, nil
}

// UpdateTaskStatus sets the task's status, owning sub-agent and error message
func (r *PostgresRepository) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, subAgentID, errMsg string) error {
	var tag pgconn.CommandTag
	var err error
	if subAgentID != "" {
		tag, err = r.pool.Exec(ctx, `
			UPDATE tasks SET status = $1, error = $2, sub_agent_id = $3, updated_at = $4 WHERE id = $5
		`, status, errMsg, subAgentID, time.Now().UTC(), id)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE tasks SET status = $1, error = $2, updated_at = $3 WHERE id = $4
		`, status, errMsg, time.Now().UTC(), id)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
