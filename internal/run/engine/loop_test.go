package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/models"
	"github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/pkg/a2a"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// scriptedClient returns one canned response per call, in order, and
// records the route of every call.
type scriptedClient struct {
	responses []scriptedResponse
	routes    []a2a.Route
	calls     int
}

type scriptedResponse struct {
	result *a2a.SendResult
	err    error
	panics bool
}

func (c *scriptedClient) SendMessage(_ context.Context, route a2a.Route, _ *a2a.SendParams) (*a2a.SendResult, error) {
	c.routes = append(c.routes, route)
	if c.calls >= len(c.responses) {
		return nil, errors.New("scripted client exhausted")
	}
	resp := c.responses[c.calls]
	c.calls++
	if resp.panics {
		panic("scripted panic")
	}
	return resp.result, resp.err
}

func transferResult(target, reason string) *a2a.SendResult {
	return &a2a.SendResult{
		Artifacts: []a2a.Artifact{{
			ArtifactID: "art-1",
			Parts: []a2a.Part{a2a.NewDataPart(map[string]interface{}{
				"type":             a2a.DataTypeTransfer,
				"targetSubAgentId": target,
				"reason":           reason,
			})},
		}},
	}
}

func contentResult(text string) *a2a.SendResult {
	return &a2a.SendResult{
		Artifacts: []a2a.Artifact{{
			ArtifactID: "art-1",
			Parts:      []a2a.Part{a2a.NewTextPart(text)},
		}},
	}
}

func newTestEngine(t *testing.T, client a2a.Client, opts Options) (*Engine, repository.Repository) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	eng := NewEngine(repo, client, nil, NewSessionRegistry(), nil, log, opts)
	return eng, repo
}

func seedConversation(t *testing.T, repo repository.Repository, activeSubAgent string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		TenantID:         "tenant-1",
		ProjectID:        "project-1",
		AgentID:          "agent-1",
		ActiveSubAgentID: activeSubAgent,
	}
	require.NoError(t, repo.CreateConversation(context.Background(), conv))
	return conv
}

func execRequest(conv *models.Conversation, requestID string) *ExecuteRequest {
	return &ExecuteRequest{
		TenantID:           conv.TenantID,
		ProjectID:          conv.ProjectID,
		AgentID:            conv.AgentID,
		ConversationID:     conv.ID,
		RequestID:          requestID,
		StartingSubAgentID: conv.ActiveSubAgentID,
		MessageText:        "hello",
		Origin:             OriginChat,
	}
}

func TestExecuteTransferThenCompletion(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{result: transferResult("agent-b", "needs billing expertise")},
		{result: contentResult("here is your answer")},
	}}
	eng, repo := newTestEngine(t, client, Options{})
	conv := seedConversation(t, repo, "agent-a")

	sink := &BufferSink{}
	result := eng.Execute(context.Background(), execRequest(conv, "req-1"), sink)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Iterations)
	assert.Empty(t, result.Error)

	// Second call went to the transfer target.
	require.Len(t, client.routes, 2)
	assert.Equal(t, "agent-a", client.routes[0].SubAgentID)
	assert.Equal(t, "agent-b", client.routes[1].SubAgentID)

	// Active pointer moved and survives the execution.
	updated, err := repo.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", updated.ActiveSubAgentID)

	task, err := repo.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	assert.Equal(t, "agent-b", task.SubAgentID)

	// Transfer reasoning and the final answer are both persisted as
	// agent messages.
	msgs, err := repo.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAgent, msgs[0].Role)
	assert.Equal(t, "needs billing expertise", msgs[0].Content)
	assert.Equal(t, "here is your answer", msgs[1].Content)

	// A completion operation reached the sink.
	ops := sink.Operations()
	last := ops[len(ops)-1]
	assert.Equal(t, OpCompletion, last.Type)
	assert.Equal(t, "here is your answer", last.Content)
}

func TestExecuteMaxTransfersExhausted(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{result: transferResult("agent-b", "")},
		{result: transferResult("agent-a", "")},
	}}
	eng, repo := newTestEngine(t, client, Options{})
	conv := seedConversation(t, repo, "agent-a")

	req := execRequest(conv, "req-1")
	req.MaxTransfers = 1
	result := eng.Execute(context.Background(), req, NoopSink{})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Iterations)
	assert.Contains(t, result.Error, "maximum transfer limit reached")

	task, err := repo.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
}

func TestExecuteAbortsAfterConsecutiveErrors(t *testing.T) {
	transportErr := errors.New("connection refused")
	client := &scriptedClient{responses: []scriptedResponse{
		{err: transportErr},
		{err: transportErr},
		{err: transportErr},
	}}
	eng, repo := newTestEngine(t, client, Options{MaxConsecutiveErrors: 3})
	conv := seedConversation(t, repo, "agent-a")

	result := eng.Execute(context.Background(), execRequest(conv, "req-1"), NoopSink{})

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.Iterations)
	assert.Contains(t, result.Error, "consecutive sub-agent errors")
	assert.Equal(t, 3, client.calls)
}

func TestExecuteErrorRetriesDoNotConsumeTransferSlots(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{err: errors.New("transient")},
		{err: errors.New("transient")},
		{result: contentResult("recovered")},
	}}
	eng, repo := newTestEngine(t, client, Options{})
	conv := seedConversation(t, repo, "agent-a")

	req := execRequest(conv, "req-1")
	req.MaxTransfers = 1
	result := eng.Execute(context.Background(), req, NoopSink{})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 3, client.calls)
}

func TestExecuteEmptyResponseCountsAgainstErrorBudget(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{result: &a2a.SendResult{}},
		{result: &a2a.SendResult{}},
	}}
	eng, repo := newTestEngine(t, client, Options{MaxConsecutiveErrors: 2})
	conv := seedConversation(t, repo, "agent-a")

	result := eng.Execute(context.Background(), execRequest(conv, "req-1"), NoopSink{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "consecutive sub-agent errors")
}

func TestExecuteReusesTaskForDuplicateRequest(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{result: contentResult("first")},
		{result: contentResult("second")},
	}}
	eng, repo := newTestEngine(t, client, Options{})
	conv := seedConversation(t, repo, "agent-a")

	first := eng.Execute(context.Background(), execRequest(conv, "req-dup"), NoopSink{})
	second := eng.Execute(context.Background(), execRequest(conv, "req-dup"), NoopSink{})

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, models.TaskID(conv.ID, "req-dup"), first.TaskID)
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{panics: true},
	}}
	eng, repo := newTestEngine(t, client, Options{})
	conv := seedConversation(t, repo, "agent-a")

	sink := &BufferSink{}
	result := eng.Execute(context.Background(), execRequest(conv, "req-1"), sink)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panic")

	task, err := repo.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)

	// The stream sees only the generic error line.
	ops := sink.Operations()
	require.NotEmpty(t, ops)
	last := ops[len(ops)-1]
	assert.Equal(t, OpError, last.Type)
	assert.NotContains(t, last.Content, "panic")
}
