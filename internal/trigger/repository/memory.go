package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkeep/agents-run/internal/trigger/models"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// MemoryRepository is an in-memory Repository for tests and the memory
// database driver.
type MemoryRepository struct {
	mu          sync.RWMutex
	triggers    map[string]*models.Trigger
	invocations map[string]*models.TriggerInvocation
	schedules   map[string]*models.ScheduledTrigger
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		triggers:    make(map[string]*models.Trigger),
		invocations: make(map[string]*models.TriggerInvocation),
		schedules:   make(map[string]*models.ScheduledTrigger),
	}
}

func triggerKey(tenantID, projectID, triggerID string) string {
	return tenantID + ":" + projectID + ":" + triggerID
}

func (r *MemoryRepository) CreateTrigger(_ context.Context, t *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	r.triggers[triggerKey(t.TenantID, t.ProjectID, t.ID)] = &cp
	return nil
}

func (r *MemoryRepository) GetTrigger(_ context.Context, tenantID, projectID, triggerID string) (*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[triggerKey(tenantID, projectID, triggerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) UpdateTrigger(_ context.Context, t *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := triggerKey(t.TenantID, t.ProjectID, t.ID)
	if _, ok := r.triggers[key]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	r.triggers[key] = &cp
	return nil
}

func (r *MemoryRepository) DeleteTrigger(_ context.Context, tenantID, projectID, triggerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := triggerKey(tenantID, projectID, triggerID)
	if _, ok := r.triggers[key]; !ok {
		return ErrNotFound
	}
	delete(r.triggers, key)
	return nil
}

func (r *MemoryRepository) CreateInvocation(_ context.Context, inv *models.TriggerInvocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	cp := *inv
	r.invocations[inv.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetInvocation(_ context.Context, invocationID string) (*models.TriggerInvocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invocations[invocationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *MemoryRepository) UpdateInvocationStatus(_ context.Context, invocationID string, status v1.InvocationStatus, conversationID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invocations[invocationID]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	if conversationID != "" {
		inv.ConversationID = conversationID
	}
	inv.Error = errMsg
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateInvocationAttempt(_ context.Context, invocationID string, attemptNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invocations[invocationID]
	if !ok {
		return ErrNotFound
	}
	// Attempt numbers only move forward.
	if attemptNumber > inv.AttemptNumber {
		inv.AttemptNumber = attemptNumber
		inv.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MemoryRepository) ListInvocations(_ context.Context, triggerID string, limit int) ([]*models.TriggerInvocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.TriggerInvocation
	for _, inv := range r.invocations {
		if inv.TriggerID == triggerID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateScheduledTrigger(_ context.Context, s *models.ScheduledTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	r.schedules[triggerKey(s.TenantID, s.ProjectID, s.ID)] = &cp
	return nil
}

func (r *MemoryRepository) GetScheduledTrigger(_ context.Context, tenantID, projectID, scheduleID string) (*models.ScheduledTrigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[triggerKey(tenantID, projectID, scheduleID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) UpdateScheduledTrigger(_ context.Context, s *models.ScheduledTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := triggerKey(s.TenantID, s.ProjectID, s.ID)
	if _, ok := r.schedules[key]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	r.schedules[key] = &cp
	return nil
}

func (r *MemoryRepository) DeleteScheduledTrigger(_ context.Context, tenantID, projectID, scheduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := triggerKey(tenantID, projectID, scheduleID)
	if _, ok := r.schedules[key]; !ok {
		return ErrNotFound
	}
	delete(r.schedules, key)
	return nil
}

func (r *MemoryRepository) ListScheduledTriggers(_ context.Context) ([]*models.ScheduledTrigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ScheduledTrigger, 0, len(r.schedules))
	for _, s := range r.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) SetWorkflowRunID(_ context.Context, scheduleID, workflowRunID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schedules {
		if s.ID == scheduleID {
			s.WorkflowRunID = workflowRunID
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) Close() error { return nil }
