// Package dispatcher runs the webhook validation pipeline and dispatches
// accepted deliveries to the execution engine.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/inkeep/agents-run/internal/common/errors"
	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/events"
	"github.com/inkeep/agents-run/internal/events/bus"
	"github.com/inkeep/agents-run/internal/run/engine"
	runmodels "github.com/inkeep/agents-run/internal/run/models"
	runrepo "github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/trigger/credentials"
	"github.com/inkeep/agents-run/internal/trigger/models"
	"github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/internal/trigger/schema"
	"github.com/inkeep/agents-run/internal/trigger/signature"
	"github.com/inkeep/agents-run/internal/trigger/transform"
	"github.com/inkeep/agents-run/pkg/a2a"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// TriggerRef identifies the trigger addressed by a webhook URL.
type TriggerRef struct {
	TenantID  string
	ProjectID string
	TriggerID string
}

// Accepted is returned to the webhook caller once the delivery has been
// validated and recorded. Execution continues in the background.
type Accepted struct {
	InvocationID   string
	ConversationID string
}

// ExecHandle lets the HTTP boundary decide whether to await the
// execution (serverless keepalive) or detach.
type ExecHandle struct {
	done   chan struct{}
	result *engine.Result
}

// Wait blocks until the execution finishes or ctx expires. The result
// is nil when ctx expired first.
func (h *ExecHandle) Wait(ctx context.Context) *engine.Result {
	select {
	case <-h.done:
		return h.result
	case <-ctx.Done():
		return nil
	}
}

// SubAgentResolver maps an agent to its default (entry) sub-agent.
type SubAgentResolver interface {
	DefaultSubAgent(ctx context.Context, tenantID, projectID, agentID string) (string, error)
}

// StaticSubAgentResolver resolves the default sub-agent from a fixed
// map keyed tenant:project:agent, falling back to a single default.
type StaticSubAgentResolver struct {
	Defaults map[string]string
	Fallback string
}

func (r *StaticSubAgentResolver) DefaultSubAgent(_ context.Context, tenantID, projectID, agentID string) (string, error) {
	if id, ok := r.Defaults[tenantID+":"+projectID+":"+agentID]; ok {
		return id, nil
	}
	if r.Fallback != "" {
		return r.Fallback, nil
	}
	return "", errors.New("no default sub-agent configured for agent " + agentID)
}

// Dispatcher validates webhook deliveries and hands them to the engine.
type Dispatcher struct {
	triggers repository.Repository
	runs     runrepo.Repository
	engine   *engine.Engine
	creds    *credentials.Resolver
	agents   SubAgentResolver
	bus      bus.EventBus
	logger   *logger.Logger
	tracer   trace.Tracer
}

func NewDispatcher(triggers repository.Repository, runs runrepo.Repository, eng *engine.Engine,
	creds *credentials.Resolver, agents SubAgentResolver, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {

	return &Dispatcher{
		triggers: triggers,
		runs:     runs,
		engine:   eng,
		creds:    creds,
		agents:   agents,
		bus:      eventBus,
		logger:   log,
		tracer:   otel.Tracer("trigger-dispatcher"),
	}
}

// ProcessWebhook runs the validation pipeline for one delivery. Stages
// short-circuit with typed errors; any error before the invocation
// record exists means nothing was persisted for this delivery.
func (d *Dispatcher) ProcessWebhook(ctx context.Context, ref TriggerRef, rawBody []byte, headers http.Header) (*Accepted, *ExecHandle, *apperrors.AppError) {
	trigger, appErr := d.loadTrigger(ctx, ref)
	if appErr != nil {
		return nil, nil, appErr
	}

	var payload interface{}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, nil, apperrors.BadRequest("request body is not valid JSON")
	}

	// Header allow-list auth runs before signature verification; both
	// must pass when both are configured.
	if len(trigger.AuthHeaders) > 0 {
		switch result, name := signature.CheckHeaders(trigger.AuthHeaders, headers); result {
		case signature.HeaderMissing:
			return nil, nil, apperrors.Unauthorized("missing authentication header " + name)
		case signature.HeaderMismatch:
			return nil, nil, apperrors.Forbidden("authentication header " + name + " does not match")
		}
	}

	if trigger.Signature != nil {
		secret, err := d.creds.Resolve(ctx, trigger.TenantID, trigger.ProjectID, trigger.Signature.CredentialRefID)
		if err != nil {
			d.logger.Error("Failed to resolve signing credential",
				zap.String("trigger_id", trigger.ID),
				zap.String("credential_ref_id", trigger.Signature.CredentialRefID),
				zap.Error(err))
			return nil, nil, apperrors.InternalError("unable to resolve signing credential", err)
		}
		ok, err := signature.Verify(trigger.Signature, secret, headers, rawBody)
		if err != nil || !ok {
			return nil, nil, apperrors.Forbidden("signature verification failed")
		}
	}

	doc, err := schema.Parse(trigger.PayloadSchema)
	if err != nil {
		return nil, nil, apperrors.InternalError("trigger payload schema is invalid", err)
	}
	if fieldErrs := doc.Validate(payload); len(fieldErrs) > 0 {
		return nil, nil, apperrors.ValidationFailed("payload failed schema validation", fieldErrs)
	}

	transformed, err := transform.Apply(trigger.Transform, rawBody)
	if err != nil {
		return nil, nil, apperrors.Unprocessable("payload transform failed", err)
	}

	invocation := &models.TriggerInvocation{
		ID:                 uuid.New().String(),
		TriggerID:          trigger.ID,
		Status:             v1.InvocationStatusPending,
		AttemptNumber:      1,
		RequestPayload:     string(rawBody),
		TransformedPayload: string(transformed),
	}
	if err := d.triggers.CreateInvocation(ctx, invocation); err != nil {
		return nil, nil, apperrors.InternalError("failed to record invocation", err)
	}

	conversationID := uuid.New().String()
	accepted := &Accepted{InvocationID: invocation.ID, ConversationID: conversationID}

	handle := &ExecHandle{done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		handle.result = d.executeAgentAsync(trigger, invocation, conversationID, transformed)
	}()

	d.publishInvocationCreated(trigger, invocation)
	return accepted, handle, nil
}

func (d *Dispatcher) loadTrigger(ctx context.Context, ref TriggerRef) (*models.Trigger, *apperrors.AppError) {
	trigger, err := d.triggers.GetTrigger(ctx, ref.TenantID, ref.ProjectID, ref.TriggerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("trigger", ref.TriggerID)
		}
		return nil, apperrors.InternalError("failed to load trigger", err)
	}
	// Disabled triggers are indistinguishable from absent ones.
	if !trigger.Enabled {
		return nil, apperrors.NotFound("trigger", ref.TriggerID)
	}
	return trigger, nil
}

// executeAgentAsync runs the agent on a detached context with a fresh
// root span. Errors are recorded on the invocation, never surfaced to
// the webhook caller.
func (d *Dispatcher) executeAgentAsync(trigger *models.Trigger, invocation *models.TriggerInvocation, conversationID string, payload []byte) *engine.Result {
	ctx, span := d.tracer.Start(context.Background(), "trigger.execute",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("trigger.id", trigger.ID),
			attribute.String("invocation.id", invocation.ID),
		))
	defer span.End()

	if err := d.triggers.UpdateInvocationStatus(ctx, invocation.ID, v1.InvocationStatusRunning, conversationID, ""); err != nil {
		d.logger.Warn("Failed to mark invocation running", zap.String("invocation_id", invocation.ID), zap.Error(err))
	}

	subAgentID := trigger.TargetSubAgentID
	if subAgentID == "" {
		resolved, err := d.agents.DefaultSubAgent(ctx, trigger.TenantID, trigger.ProjectID, trigger.AgentID)
		if err != nil {
			d.failInvocation(ctx, invocation.ID, conversationID, "no default sub-agent: "+err.Error())
			return &engine.Result{Success: false, Error: err.Error()}
		}
		subAgentID = resolved
	}

	conversation := &runmodels.Conversation{
		ID:               conversationID,
		TenantID:         trigger.TenantID,
		ProjectID:        trigger.ProjectID,
		AgentID:          trigger.AgentID,
		ActiveSubAgentID: subAgentID,
	}
	if err := d.runs.CreateConversation(ctx, conversation); err != nil {
		d.failInvocation(ctx, invocation.ID, conversationID, "failed to create conversation: "+err.Error())
		return &engine.Result{Success: false, Error: err.Error()}
	}

	text, parts := BuildTriggerMessage(trigger, invocation.ID, payload)

	inbound := &runmodels.Message{
		ConversationID: conversationID,
		Role:           runmodels.RoleUser,
		Content:        text,
		Parts:          a2a.MarshalParts(parts),
	}
	if err := d.runs.CreateMessage(ctx, inbound); err != nil {
		d.logger.Warn("Failed to persist trigger message", zap.String("invocation_id", invocation.ID), zap.Error(err))
	}

	result := d.engine.Execute(ctx, &engine.ExecuteRequest{
		TenantID:           trigger.TenantID,
		ProjectID:          trigger.ProjectID,
		AgentID:            trigger.AgentID,
		ConversationID:     conversationID,
		RequestID:          invocation.ID,
		StartingSubAgentID: subAgentID,
		MessageText:        text,
		Parts:              parts,
		MaxTransfers:       trigger.MaxTransfers,
		Origin:             engine.OriginTrigger,
	}, engine.NoopSink{})

	if result.Success {
		if err := d.triggers.UpdateInvocationStatus(ctx, invocation.ID, v1.InvocationStatusSuccess, conversationID, ""); err != nil {
			d.logger.Warn("Failed to mark invocation succeeded", zap.String("invocation_id", invocation.ID), zap.Error(err))
		}
		d.publishLifecycle(events.InvocationSucceeded, trigger, invocation.ID)
	} else {
		d.failInvocation(ctx, invocation.ID, conversationID, result.Error)
		d.publishLifecycle(events.InvocationFailed, trigger, invocation.ID)
	}
	return result
}

func (d *Dispatcher) failInvocation(ctx context.Context, invocationID, conversationID, errMsg string) {
	if err := d.triggers.UpdateInvocationStatus(ctx, invocationID, v1.InvocationStatusFailed, conversationID, errMsg); err != nil {
		d.logger.Warn("Failed to mark invocation failed", zap.String("invocation_id", invocationID), zap.Error(err))
	}
}

func (d *Dispatcher) publishInvocationCreated(trigger *models.Trigger, invocation *models.TriggerInvocation) {
	d.publishLifecycle(events.InvocationCreated, trigger, invocation.ID)
}

func (d *Dispatcher) publishLifecycle(subject string, trigger *models.Trigger, invocationID string) {
	if d.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "run-api", map[string]interface{}{
		"trigger_id":    trigger.ID,
		"tenant_id":     trigger.TenantID,
		"project_id":    trigger.ProjectID,
		"agent_id":      trigger.AgentID,
		"invocation_id": invocationID,
	})
	if err := d.bus.Publish(context.Background(), subject, event); err != nil {
		d.logger.Warn("Failed to publish invocation event", zap.String("subject", subject), zap.Error(err))
	}
}

// BuildTriggerMessage constructs the message handed to the engine: the
// rendered template (or a generic line) as text, plus a data part that
// always carries the payload and trigger provenance.
func BuildTriggerMessage(trigger *models.Trigger, invocationID string, payload []byte) (string, []a2a.Part) {
	text := transform.RenderTemplate(trigger.MessageTemplate, payload)
	if text == "" {
		text = "Webhook trigger " + trigger.Name + " fired."
	}

	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		data = string(payload)
	}

	parts := []a2a.Part{
		{Kind: a2a.PartKindText, Text: text},
		{Kind: a2a.PartKindData, Data: map[string]interface{}{
			"type":         "trigger",
			"triggerId":    trigger.ID,
			"invocationId": invocationID,
			"payload":      data,
		}},
	}
	return text, parts
}
