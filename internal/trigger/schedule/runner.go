// Package schedule runs scheduled triggers: cron loops, one-shot timers,
// and manual run/rerun with retry.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/events"
	"github.com/inkeep/agents-run/internal/events/bus"
	"github.com/inkeep/agents-run/internal/run/engine"
	runmodels "github.com/inkeep/agents-run/internal/run/models"
	runrepo "github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/trigger/models"
	"github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/internal/trigger/transform"
	"github.com/inkeep/agents-run/pkg/a2a"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// maxJitterFraction bounds the random spread added to retry delays.
const maxJitterFraction = 0.3

// SubAgentResolver maps an agent to its default (entry) sub-agent.
type SubAgentResolver interface {
	DefaultSubAgent(ctx context.Context, tenantID, projectID, agentID string) (string, error)
}

// runnerHandle is one live generation of a schedule's background runner.
// The handle is registered before its cron loop or timer is armed, so a
// one-shot firing immediately can already find and retire it; the mutex
// covers arming racing such an early stop.
type runnerHandle struct {
	workflowRunID string

	mu      sync.Mutex
	cron    *cron.Cron
	timer   *time.Timer
	stopped bool
}

func (h *runnerHandle) armCron(c *cron.Cron) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cron = c
	if h.stopped {
		c.Stop()
		return
	}
	c.Start()
}

func (h *runnerHandle) armTimer(t *time.Timer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timer = t
	if h.stopped {
		t.Stop()
	}
}

func (h *runnerHandle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.cron != nil {
		h.cron.Stop()
	}
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Runner owns the background execution of scheduled triggers. Each
// schedule has at most one live runner generation, identified by the
// WorkflowRunID token stored on the row. Runners re-read the row before
// every firing and terminate when the token no longer matches.
type Runner struct {
	triggers repository.Repository
	runs     runrepo.Repository
	engine   *engine.Engine
	agents   SubAgentResolver
	bus      bus.EventBus
	logger   *logger.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	runners map[string]*runnerHandle

	// sleep is replaceable in tests
	sleep func(time.Duration)
}

func NewRunner(triggers repository.Repository, runs runrepo.Repository, eng *engine.Engine,
	agents SubAgentResolver, eventBus bus.EventBus, log *logger.Logger) *Runner {

	return &Runner{
		triggers: triggers,
		runs:     runs,
		engine:   eng,
		agents:   agents,
		bus:      eventBus,
		logger:   log,
		tracer:   otel.Tracer("trigger-schedule"),
		runners:  make(map[string]*runnerHandle),
		sleep:    time.Sleep,
	}
}

// Start resumes every enabled schedule. Called once at service startup.
func (r *Runner) Start(ctx context.Context) error {
	schedules, err := r.triggers.ListScheduledTriggers(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled triggers: %w", err)
	}
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		if err := r.startRunner(ctx, s); err != nil {
			r.logger.Error("Failed to start schedule runner",
				zap.String("schedule_id", s.ID), zap.Error(err))
		}
	}
	return nil
}

// Stop halts every live runner and clears their tokens.
func (r *Runner) Stop() {
	r.mu.Lock()
	handles := r.runners
	r.runners = make(map[string]*runnerHandle)
	r.mu.Unlock()

	for id, h := range handles {
		h.stop()
		if err := r.triggers.SetWorkflowRunID(context.Background(), id, ""); err != nil {
			r.logger.Warn("Failed to clear workflow run id", zap.String("schedule_id", id), zap.Error(err))
		}
	}
}

// OnTriggerCreated starts a runner for a newly created enabled schedule.
func (r *Runner) OnTriggerCreated(ctx context.Context, s *models.ScheduledTrigger) error {
	if !s.Enabled {
		return nil
	}
	return r.startRunner(ctx, s)
}

// OnTriggerUpdated restarts the runner when the schedule changed or the
// trigger was re-enabled, and stops it when disabled. An update that
// touches neither leaves the running generation alone.
func (r *Runner) OnTriggerUpdated(ctx context.Context, old, updated *models.ScheduledTrigger) error {
	if !updated.Enabled {
		r.stopRunner(ctx, updated.ID)
		return nil
	}
	if old != nil && old.Enabled && old.ScheduleKey() == updated.ScheduleKey() {
		return nil
	}
	r.stopRunner(ctx, updated.ID)
	return r.startRunner(ctx, updated)
}

// OnTriggerDeleted stops the runner for a removed schedule.
func (r *Runner) OnTriggerDeleted(ctx context.Context, scheduleID string) {
	r.stopRunner(ctx, scheduleID)
}

func (r *Runner) startRunner(ctx context.Context, s *models.ScheduledTrigger) error {
	workflowRunID := uuid.New().String()
	if err := r.triggers.SetWorkflowRunID(ctx, s.ID, workflowRunID); err != nil {
		return fmt.Errorf("set workflow run id: %w", err)
	}

	handle := &runnerHandle{workflowRunID: workflowRunID}

	// Register before arming: a one-shot with a past run-at fires at
	// once, and its self-retirement must find this handle to clear the
	// token.
	r.mu.Lock()
	if existing, ok := r.runners[s.ID]; ok {
		existing.stop()
	}
	r.runners[s.ID] = handle
	r.mu.Unlock()

	ref := scheduleRef{tenantID: s.TenantID, projectID: s.ProjectID, scheduleID: s.ID}

	switch {
	case s.CronExpr != "":
		loc := time.UTC
		if s.Timezone != "" {
			parsed, err := time.LoadLocation(s.Timezone)
			if err != nil {
				r.dropHandle(s.ID, handle)
				return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
			loc = parsed
		}
		c := cron.New(cron.WithLocation(loc))
		if _, err := c.AddFunc(s.CronExpr, func() {
			r.fire(ref, workflowRunID)
		}); err != nil {
			r.dropHandle(s.ID, handle)
			return fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
		}
		handle.armCron(c)

	case s.RunAt != nil:
		delay := time.Until(*s.RunAt)
		if delay < 0 {
			delay = 0
		}
		handle.armTimer(time.AfterFunc(delay, func() {
			r.fire(ref, workflowRunID)
			// One-shot schedules retire their own token after firing.
			r.stopRunner(context.Background(), s.ID)
		}))

	default:
		r.dropHandle(s.ID, handle)
		return fmt.Errorf("schedule %s has neither cron expression nor run-at time", s.ID)
	}

	r.publishLifecycle(events.ScheduleStarted, s.ID, workflowRunID)
	r.logger.Info("Started schedule runner",
		zap.String("schedule_id", s.ID),
		zap.String("workflow_run_id", workflowRunID),
		zap.String("cron", s.CronExpr))
	return nil
}

// dropHandle removes the registration for a handle that never armed.
func (r *Runner) dropHandle(scheduleID string, handle *runnerHandle) {
	r.mu.Lock()
	if r.runners[scheduleID] == handle {
		delete(r.runners, scheduleID)
	}
	r.mu.Unlock()
}

func (r *Runner) stopRunner(ctx context.Context, scheduleID string) {
	r.mu.Lock()
	handle, ok := r.runners[scheduleID]
	if ok {
		delete(r.runners, scheduleID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	handle.stop()
	if err := r.triggers.SetWorkflowRunID(ctx, scheduleID, ""); err != nil {
		r.logger.Warn("Failed to clear workflow run id", zap.String("schedule_id", scheduleID), zap.Error(err))
	}
	r.publishLifecycle(events.ScheduleStopped, scheduleID, "")
}

type scheduleRef struct {
	tenantID   string
	projectID  string
	scheduleID string
}

// fire is one scheduled firing. The row is re-read first; a missing row,
// a disabled trigger, or a token mismatch means this generation is stale
// and must terminate.
func (r *Runner) fire(ref scheduleRef, workflowRunID string) {
	ctx := context.Background()

	s, err := r.triggers.GetScheduledTrigger(ctx, ref.tenantID, ref.projectID, ref.scheduleID)
	if err != nil || !s.Enabled || s.WorkflowRunID != workflowRunID {
		r.mu.Lock()
		if handle, ok := r.runners[ref.scheduleID]; ok && handle.workflowRunID == workflowRunID {
			handle.stop()
			delete(r.runners, ref.scheduleID)
		}
		r.mu.Unlock()
		return
	}

	r.publishLifecycle(events.ScheduleFired, s.ID, workflowRunID)

	invocation := &models.TriggerInvocation{
		ID:             uuid.New().String(),
		TriggerID:      s.ID,
		Status:         v1.InvocationStatusPending,
		AttemptNumber:  1,
		RequestPayload: s.Payload,
	}
	if err := r.triggers.CreateInvocation(ctx, invocation); err != nil {
		r.logger.Error("Failed to record scheduled invocation",
			zap.String("schedule_id", s.ID), zap.Error(err))
		return
	}
	r.executeWithRetry(s, invocation)
}

// RunNow fires the schedule immediately with the configured retry
// policy. The invocation is returned right away; execution continues in
// the background.
func (r *Runner) RunNow(ctx context.Context, tenantID, projectID, scheduleID string) (*models.TriggerInvocation, error) {
	s, err := r.triggers.GetScheduledTrigger(ctx, tenantID, projectID, scheduleID)
	if err != nil {
		return nil, err
	}

	invocation := &models.TriggerInvocation{
		ID:             uuid.New().String(),
		TriggerID:      s.ID,
		Status:         v1.InvocationStatusPending,
		AttemptNumber:  1,
		RequestPayload: s.Payload,
	}
	if err := r.triggers.CreateInvocation(ctx, invocation); err != nil {
		return nil, err
	}

	go r.executeWithRetry(s, invocation)
	return invocation, nil
}

// Rerun mints a fresh invocation continuing the attempt sequence of an
// earlier one. History is never mutated.
func (r *Runner) Rerun(ctx context.Context, tenantID, projectID, scheduleID, originalInvocationID string) (*models.TriggerInvocation, error) {
	s, err := r.triggers.GetScheduledTrigger(ctx, tenantID, projectID, scheduleID)
	if err != nil {
		return nil, err
	}
	original, err := r.triggers.GetInvocation(ctx, originalInvocationID)
	if err != nil {
		return nil, err
	}

	invocation := &models.TriggerInvocation{
		ID:             uuid.New().String(),
		TriggerID:      s.ID,
		Status:         v1.InvocationStatusPending,
		AttemptNumber:  original.AttemptNumber + 1,
		RequestPayload: original.RequestPayload,
	}
	if err := r.triggers.CreateInvocation(ctx, invocation); err != nil {
		return nil, err
	}

	go r.executeWithRetry(s, invocation)
	return invocation, nil
}

// executeWithRetry runs the agent up to maxRetries+1 times. Each attempt
// gets a fresh conversation and is raced against the configured timeout;
// a timed-out attempt is abandoned, never cancelled. The invocation ends
// completed on the first success or failed after the final attempt.
func (r *Runner) executeWithRetry(s *models.ScheduledTrigger, invocation *models.TriggerInvocation) {
	ctx, span := r.tracer.Start(context.Background(), "schedule.execute",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("schedule.id", s.ID),
			attribute.String("invocation.id", invocation.ID),
		))
	defer span.End()

	if err := r.triggers.UpdateInvocationStatus(ctx, invocation.ID, v1.InvocationStatusRunning, "", ""); err != nil {
		r.logger.Warn("Failed to mark invocation running", zap.String("invocation_id", invocation.ID), zap.Error(err))
	}

	attempts := s.MaxRetries + 1
	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	// A rerun invocation continues the attempt sequence of the one it
	// replays, so numbering starts from the created attempt number.
	startAttempt := invocation.AttemptNumber
	if startAttempt < 1 {
		startAttempt = 1
	}

	var lastErr, lastConversationID string
	for i := 0; i < attempts; i++ {
		attempt := startAttempt + i
		if err := r.triggers.UpdateInvocationAttempt(ctx, invocation.ID, attempt); err != nil {
			r.logger.Warn("Failed to record invocation attempt",
				zap.String("invocation_id", invocation.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		conversationID, result, err := r.runAttempt(ctx, s, invocation.ID, timeout)
		if conversationID != "" {
			lastConversationID = conversationID
		}
		switch {
		case err != nil:
			lastErr = err.Error()
		case result.Success:
			if result.TaskID != "" {
				// Task id is conversationID:requestID.
				conversationID = runmodels.ConversationIDFromTaskID(result.TaskID)
			}
			if err := r.triggers.UpdateInvocationStatus(ctx, invocation.ID, v1.InvocationStatusCompleted, conversationID, ""); err != nil {
				r.logger.Warn("Failed to mark invocation completed", zap.String("invocation_id", invocation.ID), zap.Error(err))
			}
			r.publishLifecycle(events.InvocationSucceeded, s.ID, invocation.ID)
			return
		default:
			lastErr = result.Error
		}

		r.logger.Warn("Scheduled execution attempt failed",
			zap.String("invocation_id", invocation.ID),
			zap.Int("attempt", attempt),
			zap.String("error", lastErr))

		if i < attempts-1 {
			r.sleep(retryDelay(s.RetryDelaySeconds))
		}
	}

	// The last attempt's conversation stays attached so a failed run can
	// still be replayed and debugged from its transcript.
	if err := r.triggers.UpdateInvocationStatus(ctx, invocation.ID, v1.InvocationStatusFailed, lastConversationID, lastErr); err != nil {
		r.logger.Warn("Failed to mark invocation failed", zap.String("invocation_id", invocation.ID), zap.Error(err))
	}
	r.publishLifecycle(events.InvocationFailed, s.ID, invocation.ID)
}

// runAttempt executes the agent once on a fresh conversation, racing the
// call against the timeout. The engine call keeps running when the race
// is lost; only this attempt's bookkeeping gives up on it. The minted
// conversation id is returned as soon as one exists, even for attempts
// that go on to fail or time out.
func (r *Runner) runAttempt(ctx context.Context, s *models.ScheduledTrigger, invocationID string, timeout time.Duration) (string, *engine.Result, error) {
	subAgentID, err := r.agents.DefaultSubAgent(ctx, s.TenantID, s.ProjectID, s.AgentID)
	if err != nil {
		return "", nil, fmt.Errorf("no default sub-agent: %w", err)
	}

	conversation := &runmodels.Conversation{
		ID:               uuid.New().String(),
		TenantID:         s.TenantID,
		ProjectID:        s.ProjectID,
		AgentID:          s.AgentID,
		ActiveSubAgentID: subAgentID,
	}
	if err := r.runs.CreateConversation(ctx, conversation); err != nil {
		return "", nil, fmt.Errorf("create conversation: %w", err)
	}

	text, parts := buildScheduleMessage(s, invocationID)
	inbound := &runmodels.Message{
		ConversationID: conversation.ID,
		Role:           runmodels.RoleUser,
		Content:        text,
		Parts:          a2a.MarshalParts(parts),
	}
	if err := r.runs.CreateMessage(ctx, inbound); err != nil {
		r.logger.Warn("Failed to persist schedule message", zap.String("invocation_id", invocationID), zap.Error(err))
	}

	resultCh := make(chan *engine.Result, 1)
	go func() {
		resultCh <- r.engine.Execute(ctx, &engine.ExecuteRequest{
			TenantID:           s.TenantID,
			ProjectID:          s.ProjectID,
			AgentID:            s.AgentID,
			ConversationID:     conversation.ID,
			RequestID:          uuid.New().String(),
			StartingSubAgentID: subAgentID,
			MessageText:        text,
			Parts:              parts,
			Origin:             engine.OriginTrigger,
		}, engine.NoopSink{})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-resultCh:
		return conversation.ID, result, nil
	case <-timer.C:
		return conversation.ID, nil, fmt.Errorf("execution timed out after %s", timeout)
	}
}

func buildScheduleMessage(s *models.ScheduledTrigger, invocationID string) (string, []a2a.Part) {
	payload := []byte(s.Payload)
	text := transform.RenderTemplate(s.MessageTemplate, payload)
	if text == "" {
		text = "Scheduled trigger " + s.Name + " fired."
	}

	var data interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			data = s.Payload
		}
	}

	parts := []a2a.Part{
		{Kind: a2a.PartKindText, Text: text},
		{Kind: a2a.PartKindData, Data: map[string]interface{}{
			"type":         "scheduled_trigger",
			"triggerId":    s.ID,
			"invocationId": invocationID,
			"payload":      data,
		}},
	}
	return text, parts
}

// retryDelay spreads retries with up to 30% random jitter.
func retryDelay(baseSeconds int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	jitter := 1 + rand.Float64()*maxJitterFraction
	return time.Duration(float64(baseSeconds) * jitter * float64(time.Second))
}

func (r *Runner) publishLifecycle(subject, scheduleID, detail string) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "run-api", map[string]interface{}{
		"schedule_id": scheduleID,
		"detail":      detail,
	})
	if err := r.bus.Publish(context.Background(), subject, event); err != nil {
		r.logger.Warn("Failed to publish schedule event", zap.String("subject", subject), zap.Error(err))
	}
}
