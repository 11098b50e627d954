// Package engine implements the per-conversation multi-agent execution loop.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/events"
	"github.com/inkeep/agents-run/internal/events/bus"
	"github.com/inkeep/agents-run/internal/run/auth"
	"github.com/inkeep/agents-run/internal/run/models"
	"github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/pkg/a2a"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// Defaults applied when configuration leaves them unset.
const (
	DefaultMaxTransfers         = 10
	DefaultMaxConsecutiveErrors = 3
)

// transferInstruction is appended to the running user message after each
// transfer so the receiving sub-agent picks up mid-conversation.
const transferInstruction = "The conversation was transferred to you from another agent. " +
	"Continue seamlessly and speak as one agent; do not mention the transfer to the user."

// genericStreamError is what chat-stream consumers see on failure.
// Internal error detail stays in logs and on the task row.
const genericStreamError = "An error occurred while processing your message. Please try again."

// Origin classifies what started an execution.
type Origin string

const (
	OriginChat    Origin = "chat"
	OriginTrigger Origin = "trigger"
	OriginDataset Origin = "dataset"
)

// DelegationInfo marks an execution as part of a cross-agent team
// delegation chain. Each hop then gets a freshly minted, narrowly scoped
// token instead of reusing the inherited one.
type DelegationInfo struct {
	OriginAgentID string
}

// ExecuteRequest carries everything needed to run one conversation turn.
type ExecuteRequest struct {
	TenantID  string
	ProjectID string
	AgentID   string

	ConversationID     string
	RequestID          string
	StartingSubAgentID string

	MessageText string
	Parts       []a2a.Part

	// MaxTransfers overrides the engine default when > 0 (agent-level
	// configuration).
	MaxTransfers int

	BearerToken      string
	ForwardedHeaders http.Header
	Delegation       *DelegationInfo
	Origin           Origin
}

// Result is the structured outcome of an execution. Execute never panics
// or returns a Go error to its caller; failures are reported here.
type Result struct {
	Success    bool   `json:"success"`
	Iterations int    `json:"iterations"`
	TaskID     string `json:"task_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelResolver resolves per-agent model configuration (base/summarizer).
// Resolution failures are non-fatal: the loop falls back to agent-level
// defaults and continues.
type ModelResolver interface {
	ResolveModels(ctx context.Context, tenantID, projectID, agentID, subAgentID string) (base, summarizer string, err error)
}

// Engine runs the multi-agent transfer loop.
type Engine struct {
	repo     repository.Repository
	client   a2a.Client
	minter   auth.TokenMinter
	sessions *SessionRegistry
	bus      bus.EventBus
	models   ModelResolver // optional
	logger   *logger.Logger
	tracer   trace.Tracer

	maxTransfers         int
	maxConsecutiveErrors int
}

// Options tunes engine-wide execution limits.
type Options struct {
	MaxTransfers         int
	MaxConsecutiveErrors int
	Models               ModelResolver
}

// NewEngine creates an execution engine.
func NewEngine(repo repository.Repository, client a2a.Client, minter auth.TokenMinter,
	sessions *SessionRegistry, eventBus bus.EventBus, log *logger.Logger, opts Options) *Engine {

	maxTransfers := opts.MaxTransfers
	if maxTransfers <= 0 {
		maxTransfers = DefaultMaxTransfers
	}
	maxErrors := opts.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}

	return &Engine{
		repo:                 repo,
		client:               client,
		minter:               minter,
		sessions:             sessions,
		bus:                  eventBus,
		models:               opts.Models,
		logger:               log.WithFields(zap.String("component", "execution-engine")),
		tracer:               otel.Tracer("agents-run/engine"),
		maxTransfers:         maxTransfers,
		maxConsecutiveErrors: maxErrors,
	}
}

// Execute runs one conversation turn: it sends the message to the active
// sub-agent, follows transfers up to the transfer limit, and returns a
// structured result. Every failure mode, including panics inside the
// loop, is converted into a failed Task and a Result with
// Success=false; Execute never raises.
func (e *Engine) Execute(ctx context.Context, req *ExecuteRequest, sink OperationSink) *Result {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("request.id", req.RequestID),
		attribute.String("origin", string(req.Origin)),
	))
	defer span.End()

	session := e.sessions.Create(req.RequestID, req.ConversationID, sink)
	defer e.sessions.End(req.RequestID)

	result := &Result{}
	err := e.runProtected(ctx, req, session, result)
	if err == nil {
		return result
	}

	result.Success = false
	result.Error = err.Error()
	span.RecordError(err)

	if result.TaskID != "" {
		if updErr := e.repo.UpdateTaskStatus(ctx, result.TaskID, v1.TaskStatusFailed, "", err.Error()); updErr != nil {
			e.logger.Error("failed to mark task failed",
				zap.String("task_id", result.TaskID),
				zap.Error(updErr))
		}
	}

	e.logger.Error("execution failed",
		zap.String("conversation_id", req.ConversationID),
		zap.String("request_id", req.RequestID),
		zap.Int("iterations", result.Iterations),
		zap.Error(err))

	session.Sink.Emit(Operation{
		Type:      OpError,
		RequestID: req.RequestID,
		Content:   genericStreamError,
		Timestamp: time.Now().UTC(),
	})

	return result
}

// runProtected converts panics anywhere in the loop into an error so the
// top-level failure path runs exactly once.
func (e *Engine) runProtected(ctx context.Context, req *ExecuteRequest, session *Session, result *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panic: %v", r)
		}
	}()
	return e.run(ctx, req, session, result)
}

func (e *Engine) run(ctx context.Context, req *ExecuteRequest, session *Session, result *Result) error {
	// Model configuration is advisory; agent-level defaults apply when
	// resolution fails.
	if e.models != nil {
		if _, _, err := e.models.ResolveModels(ctx, req.TenantID, req.ProjectID, req.AgentID, req.StartingSubAgentID); err != nil {
			e.logger.Warn("model config resolution failed, using agent defaults",
				zap.String("agent_id", req.AgentID),
				zap.Error(err))
		}
	}

	task, created, err := e.repo.CreateOrGetTask(ctx, &models.Task{
		ConversationID: req.ConversationID,
		RequestID:      req.RequestID,
		RootSubAgentID: req.StartingSubAgentID,
		SubAgentID:     req.StartingSubAgentID,
		Metadata:       map[string]interface{}{"origin": string(req.Origin)},
	})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	result.TaskID = task.ID
	if !created {
		e.logger.Debug("task already exists, reusing",
			zap.String("task_id", task.ID))
	}

	maxTransfers := req.MaxTransfers
	if maxTransfers <= 0 {
		maxTransfers = e.maxTransfers
	}

	currentSubAgent := req.StartingSubAgentID
	messageText := req.MessageText
	consecutiveErrors := 0
	var lastErr error

	for result.Iterations < maxTransfers {
		// A concurrent transfer may have moved the active pointer since the
		// last iteration; the stored value wins over our cached one.
		if conv, convErr := e.repo.GetConversation(ctx, req.ConversationID); convErr == nil && conv.ActiveSubAgentID != "" {
			currentSubAgent = conv.ActiveSubAgentID
		}

		token := req.BearerToken
		if req.Delegation != nil {
			minted, mintErr := e.minter.MintDelegationToken(ctx, req.Delegation.OriginAgentID, currentSubAgent)
			if mintErr != nil {
				return fmt.Errorf("failed to mint delegation token: %w", mintErr)
			}
			token = minted
		}

		session.Sink.Emit(Operation{
			Type:       OpAgentInitializing,
			RequestID:  req.RequestID,
			SubAgentID: currentSubAgent,
			Timestamp:  time.Now().UTC(),
		})

		// The original multi-part message only goes out on the first call;
		// after a transfer the current message has been rewritten to carry
		// continuity instructions and is text-only.
		var parts []a2a.Part
		if result.Iterations == 0 && len(req.Parts) > 0 {
			parts = req.Parts
		} else {
			parts = []a2a.Part{a2a.NewTextPart(messageText)}
		}

		route := a2a.Route{
			TenantID:    req.TenantID,
			ProjectID:   req.ProjectID,
			AgentID:     req.AgentID,
			SubAgentID:  currentSubAgent,
			BearerToken: token,
			Forwarded:   req.ForwardedHeaders,
		}

		res, sendErr := e.client.SendMessage(ctx, route, &a2a.SendParams{
			Message:       a2a.NewMessage(req.ConversationID, parts),
			Configuration: &a2a.SendConfiguration{Blocking: true},
		})

		if sendErr != nil || res == nil {
			consecutiveErrors++
			if sendErr != nil {
				lastErr = sendErr
			} else {
				lastErr = fmt.Errorf("sub-agent %s returned no result", currentSubAgent)
			}
			e.logger.Warn("sub-agent call did not produce a result",
				zap.String("sub_agent_id", currentSubAgent),
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Error(lastErr))
			if consecutiveErrors >= e.maxConsecutiveErrors {
				return fmt.Errorf("aborting after %d consecutive sub-agent errors: %w", consecutiveErrors, lastErr)
			}
			// Retries do not consume a transfer slot.
			continue
		}

		if transfer := res.Transfer(); transfer != nil {
			consecutiveErrors = 0
			result.Iterations++

			// The outgoing sub-agent's reasoning stays in the conversation
			// as an agent-authored message.
			if transfer.Reason != "" {
				if msgErr := e.repo.CreateMessage(ctx, &models.Message{
					ConversationID: req.ConversationID,
					Role:           models.RoleAgent,
					Content:        transfer.Reason,
					SubAgentID:     currentSubAgent,
				}); msgErr != nil {
					e.logger.Warn("failed to persist transfer reasoning", zap.Error(msgErr))
				}
			}

			messageText = messageText + "\n\n" + transferInstruction

			if trErr := e.repo.UpdateActiveSubAgent(ctx, req.ConversationID, transfer.TargetSubAgentID); trErr != nil {
				return fmt.Errorf("failed to execute transfer to %s: %w", transfer.TargetSubAgentID, trErr)
			}
			if updErr := e.repo.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusPending, transfer.TargetSubAgentID, ""); updErr != nil {
				e.logger.Warn("failed to update task sub-agent", zap.Error(updErr))
			}

			e.logger.Info("transfer executed",
				zap.String("conversation_id", req.ConversationID),
				zap.String("from", currentSubAgent),
				zap.String("to", transfer.TargetSubAgentID),
				zap.Int("iteration", result.Iterations))

			currentSubAgent = transfer.TargetSubAgentID
			continue
		}

		if res.HasContent() {
			consecutiveErrors = 0
			result.Iterations++

			content := res.TextContent()
			if msgErr := e.repo.CreateMessage(ctx, &models.Message{
				ConversationID: req.ConversationID,
				Role:           models.RoleAgent,
				Content:        content,
				Parts:          a2a.MarshalParts(res.ContentParts()),
				SubAgentID:     currentSubAgent,
			}); msgErr != nil {
				return fmt.Errorf("failed to persist agent response: %w", msgErr)
			}

			if updErr := e.repo.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCompleted, currentSubAgent, ""); updErr != nil {
				return fmt.Errorf("failed to complete task: %w", updErr)
			}

			session.Sink.Emit(Operation{
				Type:       OpCompletion,
				RequestID:  req.RequestID,
				SubAgentID: currentSubAgent,
				Content:    content,
				Data:       map[string]interface{}{"iterations": result.Iterations},
				Timestamp:  time.Now().UTC(),
			})

			result.Success = true

			// Downstream evaluation is fire-and-forget and skipped for
			// dataset/batch runs.
			if req.Origin != OriginDataset {
				go e.publishCompleted(req, task.ID)
			}

			return nil
		}

		// Neither transfer nor content: counts against the same error
		// budget as a transport failure.
		consecutiveErrors++
		lastErr = fmt.Errorf("sub-agent %s responded with neither content nor transfer", currentSubAgent)
		e.logger.Warn("empty sub-agent response",
			zap.String("sub_agent_id", currentSubAgent),
			zap.Int("consecutive_errors", consecutiveErrors))
		if consecutiveErrors >= e.maxConsecutiveErrors {
			return fmt.Errorf("aborting after %d consecutive sub-agent errors: %w", consecutiveErrors, lastErr)
		}
	}

	return fmt.Errorf("maximum transfer limit reached (%d)", maxTransfers)
}

func (e *Engine) publishCompleted(req *ExecuteRequest, taskID string) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(events.ExecutionCompleted, "run-api", map[string]interface{}{
		"task_id":         taskID,
		"conversation_id": req.ConversationID,
		"request_id":      req.RequestID,
		"origin":          string(req.Origin),
	})
	if err := e.bus.Publish(context.Background(), events.BuildExecutionSubject(events.ExecutionCompleted, req.RequestID), event); err != nil {
		e.logger.Warn("failed to publish execution completed event", zap.Error(err))
	}
}
