package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/inkeep/agents-run/internal/trigger/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based trigger storage operations
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
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		name TEXT DEFAULT '',
		enabled INTEGER DEFAULT 1,
		target_sub_agent_id TEXT DEFAULT '',
		payload_schema TEXT DEFAULT '',
		transform TEXT DEFAULT '',
		message_template TEXT DEFAULT '',
		auth_headers TEXT DEFAULT '[]',
		signature TEXT DEFAULT '',
		max_transfers INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, project_id, id)
	);

	CREATE TABLE IF NOT EXISTS trigger_invocations (
		id TEXT PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		status TEXT DEFAULT 'pending',
		attempt_number INTEGER DEFAULT 1,
		request_payload TEXT DEFAULT '',
		transformed_payload TEXT DEFAULT '',
		conversation_id TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduled_triggers (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		name TEXT DEFAULT '',
		enabled INTEGER DEFAULT 1,
		cron_expr TEXT DEFAULT '',
		run_at DATETIME,
		timezone TEXT DEFAULT '',
		message_template TEXT DEFAULT '',
		payload TEXT DEFAULT '',
		max_retries INTEGER DEFAULT 0,
		retry_delay_seconds INTEGER DEFAULT 0,
		timeout_seconds INTEGER DEFAULT 0,
		workflow_run_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, project_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_trigger_id ON trigger_invocations(trigger_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Trigger operations

// CreateTrigger persists a new webhook trigger
func (r *SQLiteRepository) CreateTrigger(ctx context.Context, t *models.Trigger) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	transform, signature, authHeaders, err := marshalTriggerConfig(t)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO triggers (id, tenant_id, project_id, agent_id, name, enabled, target_sub_agent_id,
			payload_schema, transform, message_template, auth_headers, signature, max_transfers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.ProjectID, t.AgentID, t.Name, t.Enabled, t.TargetSubAgentID,
		string(t.PayloadSchema), transform, t.MessageTemplate, authHeaders, signature, t.MaxTransfers, t.CreatedAt, t.UpdatedAt)

	return err
}

// GetTrigger retrieves a trigger by tenant, project and ID
func (r *SQLiteRepository) GetTrigger(ctx context.Context, tenantID, projectID, triggerID string) (*models.Trigger, error) {
	t := &models.Trigger{}
	var schema, transform, authHeaders, signature string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, project_id, agent_id, name, enabled, target_sub_agent_id,
			payload_schema, transform, message_template, auth_headers, signature, max_transfers, created_at, updated_at
		FROM triggers WHERE tenant_id = ? AND project_id = ? AND id = ?
	`, tenantID, projectID, triggerID).Scan(&t.ID, &t.TenantID, &t.ProjectID, &t.AgentID, &t.Name, &t.Enabled, &t.TargetSubAgentID,
		&schema, &transform, &t.MessageTemplate, &authHeaders, &signature, &t.MaxTransfers, &t.CreatedAt, &t.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trigger %s: %w", triggerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalTriggerConfig(t, schema, transform, authHeaders, signature); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTrigger replaces the trigger's stored configuration
func (r *SQLiteRepository) UpdateTrigger(ctx context.Context, t *models.Trigger) error {
	t.UpdatedAt = time.Now().UTC()

	transform, signature, authHeaders, err := marshalTriggerConfig(t)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE triggers SET agent_id = ?, name = ?, enabled = ?, target_sub_agent_id = ?,
			payload_schema = ?, transform = ?, message_template = ?, auth_headers = ?, signature = ?,
			max_transfers = ?, updated_at = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?
	`, t.AgentID, t.Name, t.Enabled, t.TargetSubAgentID,
		string(t.PayloadSchema), transform, t.MessageTemplate, authHeaders, signature,
		t.MaxTransfers, t.UpdatedAt, t.TenantID, t.ProjectID, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trigger %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteTrigger removes a trigger
func (r *SQLiteRepository) DeleteTrigger(ctx context.Context, tenantID, projectID, triggerID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM triggers WHERE tenant_id = ? AND project_id = ? AND id = ?
	`, tenantID, projectID, triggerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trigger %s: %w", triggerID, ErrNotFound)
	}
	return nil
}

// Invocation operations

// CreateInvocation records a new trigger firing
func (r *SQLiteRepository) CreateInvocation(ctx context.Context, inv *models.TriggerInvocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	if inv.Status == "" {
		inv.Status = v1.InvocationStatusPending
	}
	if inv.AttemptNumber == 0 {
		inv.AttemptNumber = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_invocations (id, trigger_id, status, attempt_number, request_payload, transformed_payload, conversation_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.TriggerID, inv.Status, inv.AttemptNumber, inv.RequestPayload, inv.TransformedPayload, inv.ConversationID, inv.Error, inv.CreatedAt, inv.UpdatedAt)

	return err
}

// GetInvocation retrieves an invocation by ID
func (r *SQLiteRepository) GetInvocation(ctx context.Context, invocationID string) (*models.TriggerInvocation, error) {
	inv := &models.TriggerInvocation{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, trigger_id, status, attempt_number, request_payload, transformed_payload, conversation_id, error, created_at, updated_at
		FROM trigger_invocations WHERE id = ?
	`, invocationID).Scan(&inv.ID, &inv.TriggerID, &inv.Status, &inv.AttemptNumber, &inv.RequestPayload, &inv.TransformedPayload, &inv.ConversationID, &inv.Error, &inv.CreatedAt, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invocation %s: %w", invocationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// UpdateInvocationStatus sets the invocation's status and terminal detail
func (r *SQLiteRepository) UpdateInvocationStatus(ctx context.Context, invocationID string, status v1.InvocationStatus, conversationID, errMsg string) error {
	query := `UPDATE trigger_invocations SET status = ?, error = ?, updated_at = ?`
	args := []interface{}{status, errMsg, time.Now().UTC()}
	if conversationID != "" {
		query += `, conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` WHERE id = ?`
	args = append(args, invocationID)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invocation %s: %w", invocationID, ErrNotFound)
	}
	return nil
}

// UpdateInvocationAttempt records the retry attempt currently executing.
// Attempt numbers only move forward.
func (r *SQLiteRepository) UpdateInvocationAttempt(ctx context.Context, invocationID string, attemptNumber int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trigger_invocations SET attempt_number = ?, updated_at = ?
		WHERE id = ? AND attempt_number < ?
	`, attemptNumber, time.Now().UTC(), invocationID, attemptNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetInvocation(ctx, invocationID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListInvocations returns the most recent invocations of a trigger
func (r *SQLiteRepository) ListInvocations(ctx context.Context, triggerID string, limit int) ([]*models.TriggerInvocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger_id, status, attempt_number, request_payload, transformed_payload, conversation_id, error, created_at, updated_at
		FROM trigger_invocations WHERE trigger_id = ? ORDER BY created_at DESC LIMIT ?
	`, triggerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.TriggerInvocation
	for rows.Next() {
		inv := &models.TriggerInvocation{}
		if err := rows.Scan(&inv.ID, &inv.TriggerID, &inv.Status, &inv.AttemptNumber, &inv.RequestPayload, &inv.TransformedPayload, &inv.ConversationID, &inv.Error, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// Scheduled trigger operations

// CreateScheduledTrigger persists a new scheduled trigger
func (r *SQLiteRepository) CreateScheduledTrigger(ctx context.Context, s *models.ScheduledTrigger) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_triggers (id, tenant_id, project_id, agent_id, name, enabled, cron_expr, run_at, timezone,
			message_template, payload, max_retries, retry_delay_seconds, timeout_seconds, workflow_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TenantID, s.ProjectID, s.AgentID, s.Name, s.Enabled, s.CronExpr, s.RunAt, s.Timezone,
		s.MessageTemplate, s.Payload, s.MaxRetries, s.RetryDelaySeconds, s.TimeoutSeconds, s.WorkflowRunID, s.CreatedAt, s.UpdatedAt)

	return err
}

// GetScheduledTrigger retrieves a scheduled trigger
func (r *SQLiteRepository) GetScheduledTrigger(ctx context.Context, tenantID, projectID, scheduleID string) (*models.ScheduledTrigger, error) {
	s := &models.ScheduledTrigger{}
	var runAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, project_id, agent_id, name, enabled, cron_expr, run_at, timezone,
			message_template, payload, max_retries, retry_delay_seconds, timeout_seconds, workflow_run_id, created_at, updated_at
		FROM scheduled_triggers WHERE tenant_id = ? AND project_id = ? AND id = ?
	`, tenantID, projectID, scheduleID).Scan(&s.ID, &s.TenantID, &s.ProjectID, &s.AgentID, &s.Name, &s.Enabled, &s.CronExpr, &runAt, &s.Timezone,
		&s.MessageTemplate, &s.Payload, &s.MaxRetries, &s.RetryDelaySeconds, &s.TimeoutSeconds, &s.WorkflowRunID, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled trigger %s: %w", scheduleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if runAt.Valid {
		t := runAt.Time
		s.RunAt = &t
	}
	return s, nil
}

// UpdateScheduledTrigger replaces the schedule's stored configuration
func (r *SQLiteRepository) UpdateScheduledTrigger(ctx context.Context, s *models.ScheduledTrigger) error {
	s.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_triggers SET agent_id = ?, name = ?, enabled = ?, cron_expr = ?, run_at = ?, timezone = ?,
			message_template = ?, payload = ?, max_retries = ?, retry_delay_seconds = ?, timeout_seconds = ?,
			workflow_run_id = ?, updated_at = ?
		WHERE tenant_id = ? AND project_id = ? AND id = ?
	`, s.AgentID, s.Name, s.Enabled, s.CronExpr, s.RunAt, s.Timezone,
		s.MessageTemplate, s.Payload, s.MaxRetries, s.RetryDelaySeconds, s.TimeoutSeconds,
		s.WorkflowRunID, s.UpdatedAt, s.TenantID, s.ProjectID, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled trigger %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// DeleteScheduledTrigger removes a scheduled trigger
func (r *SQLiteRepository) DeleteScheduledTrigger(ctx context.Context, tenantID, projectID, scheduleID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM scheduled_triggers WHERE tenant_id = ? AND project_id = ? AND id = ?
	`, tenantID, projectID, scheduleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled trigger %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

// ListScheduledTriggers returns every scheduled trigger, used at startup
// to resume enabled schedules
func (r *SQLiteRepository) ListScheduledTriggers(ctx context.Context) ([]*models.ScheduledTrigger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, project_id, agent_id, name, enabled, cron_expr, run_at, timezone,
			message_template, payload, max_retries, retry_delay_seconds, timeout_seconds, workflow_run_id, created_at, updated_at
		FROM scheduled_triggers ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.ScheduledTrigger
	for rows.Next() {
		s := &models.ScheduledTrigger{}
		var runAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.TenantID, &s.ProjectID, &s.AgentID, &s.Name, &s.Enabled, &s.CronExpr, &runAt, &s.Timezone,
			&s.MessageTemplate, &s.Payload, &s.MaxRetries, &s.RetryDelaySeconds, &s.TimeoutSeconds, &s.WorkflowRunID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if runAt.Valid {
			t := runAt.Time
			s.RunAt = &t
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// SetWorkflowRunID updates the schedule's runner generation token
func (r *SQLiteRepository) SetWorkflowRunID(ctx context.Context, scheduleID, workflowRunID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_triggers SET workflow_run_id = ?, updated_at = ? WHERE id = ?
	`, workflowRunID, time.Now().UTC(), scheduleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled trigger %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

func marshalTriggerConfig(t *models.Trigger) (transform, signature, authHeaders string, err error) {
	if t.Transform != nil {
		b, err := json.Marshal(t.Transform)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal transform: %w", err)
		}
		transform = string(b)
	}
	if t.Signature != nil {
		b, err := json.Marshal(t.Signature)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal signature config: %w", err)
		}
		signature = string(b)
	}
	b, err := json.Marshal(t.AuthHeaders)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal auth headers: %w", err)
	}
	authHeaders = string(b)
	return transform, signature, authHeaders, nil
}

func unmarshalTriggerConfig(t *models.Trigger, schema, transform, authHeaders, signature string) error {
	if schema != "" {
		t.PayloadSchema = []byte(schema)
	}
	if transform != "" {
		t.Transform = &models.Transform{}
		if err := json.Unmarshal([]byte(transform), t.Transform); err != nil {
			return fmt.Errorf("unmarshal transform: %w", err)
		}
	}
	if signature != "" {
		t.Signature = &models.SignatureConfig{}
		if err := json.Unmarshal([]byte(signature), t.Signature); err != nil {
			return fmt.Errorf("unmarshal signature config: %w", err)
		}
	}
	if authHeaders != "" && authHeaders != "[]" {
		if err := json.Unmarshal([]byte(authHeaders), &t.AuthHeaders); err != nil {
			return fmt.Errorf("unmarshal auth headers: %w", err)
		}
	}
	return nil
}
