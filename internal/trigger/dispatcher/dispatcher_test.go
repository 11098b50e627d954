package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/inkeep/agents-run/internal/common/errors"
	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/engine"
	runrepo "github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/trigger/credentials"
	"github.com/inkeep/agents-run/internal/trigger/models"
	"github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/internal/trigger/signature"
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
}

func (c *scriptedClient) SendMessage(_ context.Context, route a2a.Route, _ *a2a.SendParams) (*a2a.SendResult, error) {
	c.routes = append(c.routes, route)
	if c.calls >= len(c.responses) {
		return nil, errors.New("scripted client exhausted")
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp.result, resp.err
}

func contentResult(text string) *a2a.SendResult {
	return &a2a.SendResult{
		Artifacts: []a2a.Artifact{{
			ArtifactID: "art-1",
			Parts:      []a2a.Part{a2a.NewTextPart(text)},
		}},
	}
}

type testDeps struct {
	dispatcher *Dispatcher
	triggers   repository.Repository
	runs       runrepo.Repository
	client     *scriptedClient
}

func newTestDispatcher(t *testing.T, secrets map[string]string, responses ...scriptedResponse) *testDeps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	triggers := repository.NewMemoryRepository()
	runs := runrepo.NewMemoryRepository()
	client := &scriptedClient{responses: responses}
	eng := engine.NewEngine(runs, client, nil, engine.NewSessionRegistry(), nil, log, engine.Options{})
	creds := credentials.NewResolver(credentials.NewStaticStore(secrets), time.Minute, log)
	agents := &StaticSubAgentResolver{Fallback: "sub-default"}

	return &testDeps{
		dispatcher: NewDispatcher(triggers, runs, eng, creds, agents, nil, log),
		triggers:   triggers,
		runs:       runs,
		client:     client,
	}
}

func seedTrigger(t *testing.T, repo repository.Repository, mutate func(*models.Trigger)) *models.Trigger {
	t.Helper()
	trigger := &models.Trigger{
		ID:        "trig-1",
		TenantID:  "tenant-1",
		ProjectID: "project-1",
		AgentID:   "agent-1",
		Name:      "github issues",
		Enabled:   true,
	}
	if mutate != nil {
		mutate(trigger)
	}
	require.NoError(t, repo.CreateTrigger(context.Background(), trigger))
	return trigger
}

func refFor(trigger *models.Trigger) TriggerRef {
	return TriggerRef{TenantID: trigger.TenantID, ProjectID: trigger.ProjectID, TriggerID: trigger.ID}
}

func waitResult(t *testing.T, handle *ExecHandle) *engine.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := handle.Wait(ctx)
	require.NotNil(t, result, "execution did not finish in time")
	return result
}

func TestProcessWebhookAcceptedAndExecuted(t *testing.T) {
	deps := newTestDispatcher(t, nil, scriptedResponse{result: contentResult("handled")})
	trigger := seedTrigger(t, deps.triggers, nil)

	body := []byte(`{"action":"opened","number":42}`)
	accepted, handle, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), body, http.Header{})
	require.Nil(t, appErr)
	require.NotNil(t, accepted)
	assert.NotEmpty(t, accepted.InvocationID)
	assert.NotEmpty(t, accepted.ConversationID)

	result := waitResult(t, handle)
	assert.True(t, result.Success)

	inv, err := deps.triggers.GetInvocation(context.Background(), accepted.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, v1.InvocationStatusSuccess, inv.Status)
	assert.Equal(t, accepted.ConversationID, inv.ConversationID)
	assert.Equal(t, string(body), inv.RequestPayload)

	// The conversation exists and carries the inbound trigger message.
	conv, err := deps.runs.GetConversation(context.Background(), accepted.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, trigger.AgentID, conv.AgentID)

	// Fallback sub-agent was used since the trigger sets no override.
	require.Len(t, deps.client.routes, 1)
	assert.Equal(t, "sub-default", deps.client.routes[0].SubAgentID)
}

func TestProcessWebhookTargetSubAgentOverride(t *testing.T) {
	deps := newTestDispatcher(t, nil, scriptedResponse{result: contentResult("ok")})
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.TargetSubAgentID = "sub-special"
	})

	_, handle, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{}`), http.Header{})
	require.Nil(t, appErr)
	waitResult(t, handle)

	require.Len(t, deps.client.routes, 1)
	assert.Equal(t, "sub-special", deps.client.routes[0].SubAgentID)
}

func TestProcessWebhookEngineFailureMarksInvocationFailed(t *testing.T) {
	deps := newTestDispatcher(t, nil,
		scriptedResponse{err: errors.New("boom")},
		scriptedResponse{err: errors.New("boom")},
		scriptedResponse{err: errors.New("boom")})
	trigger := seedTrigger(t, deps.triggers, nil)

	accepted, handle, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{}`), http.Header{})
	require.Nil(t, appErr)

	result := waitResult(t, handle)
	assert.False(t, result.Success)

	inv, err := deps.triggers.GetInvocation(context.Background(), accepted.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, v1.InvocationStatusFailed, inv.Status)
	assert.NotEmpty(t, inv.Error)
}

func TestProcessWebhookUnknownTrigger(t *testing.T) {
	deps := newTestDispatcher(t, nil)

	ref := TriggerRef{TenantID: "tenant-1", ProjectID: "project-1", TriggerID: "missing"}
	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), ref, []byte(`{}`), http.Header{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
}

func TestProcessWebhookDisabledTriggerLooksAbsent(t *testing.T) {
	deps := newTestDispatcher(t, nil)
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.Enabled = false
	})

	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{}`), http.Header{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
}

func TestProcessWebhookRejectsInvalidJSON(t *testing.T) {
	deps := newTestDispatcher(t, nil)
	trigger := seedTrigger(t, deps.triggers, nil)

	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{not json`), http.Header{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)

	invs, err := deps.triggers.ListInvocations(context.Background(), trigger.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func githubSignatureConfig() *models.SignatureConfig {
	return &models.SignatureConfig{
		CredentialRefID: "github-webhook",
		Header:          "X-Hub-Signature-256",
		Prefix:          "sha256=",
		Algorithm:       models.AlgorithmSHA256,
		Encoding:        models.EncodingHex,
		Components:      []models.Component{{Kind: models.ComponentBody}},
	}
}

func TestProcessWebhookValidSignature(t *testing.T) {
	secret := "hmac-secret"
	deps := newTestDispatcher(t, map[string]string{"github-webhook": secret},
		scriptedResponse{result: contentResult("ok")})
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.Signature = githubSignatureConfig()
	})

	body := []byte(`{"action":"opened"}`)
	signed, err := signature.Sign(trigger.Signature, secret, body)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", signed)

	accepted, handle, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), body, headers)
	require.Nil(t, appErr)
	require.NotNil(t, accepted)
	waitResult(t, handle)
}

func TestProcessWebhookTamperedBody(t *testing.T) {
	secret := "hmac-secret"
	deps := newTestDispatcher(t, map[string]string{"github-webhook": secret})
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.Signature = githubSignatureConfig()
	})

	body := []byte(`{"action":"opened"}`)
	signed, err := signature.Sign(trigger.Signature, secret, body)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", signed)

	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{"action":"closed"}`), headers)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusForbidden, appErr.HTTPStatus)

	// Nothing is persisted for a rejected delivery.
	invs, err := deps.triggers.ListInvocations(context.Background(), trigger.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestProcessWebhookUnresolvedCredential(t *testing.T) {
	deps := newTestDispatcher(t, nil)
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.Signature = githubSignatureConfig()
	})

	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{}`), http.Header{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
}

func TestProcessWebhookHeaderAuthRunsBeforeSignature(t *testing.T) {
	secret := "hmac-secret"
	deps := newTestDispatcher(t, map[string]string{"github-webhook": secret})
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.AuthHeaders = []models.HeaderAuth{{
			Name: "X-Api-Key",
			Salt: "salt-1",
			Hash: signature.HashHeaderValue("salt-1", "expected-key"),
		}}
		tr.Signature = githubSignatureConfig()
	})

	body := []byte(`{"action":"opened"}`)
	signed, err := signature.Sign(trigger.Signature, secret, body)
	require.NoError(t, err)

	// Missing auth header fails 401 even though the signature is valid.
	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", signed)
	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), body, headers)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)

	// Wrong header value fails 403 before signature verification.
	headers.Set("X-Api-Key", "wrong-key")
	_, _, appErr = deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), body, headers)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusForbidden, appErr.HTTPStatus)
	assert.Contains(t, appErr.Message, "X-Api-Key")
}

func TestProcessWebhookSchemaValidation(t *testing.T) {
	deps := newTestDispatcher(t, nil)
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.PayloadSchema = []byte(`{
			"type": "object",
			"properties": {
				"action": {"type": "string"},
				"number": {"type": "integer"}
			},
			"required": ["action", "number"]
		}`)
	})

	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{"action":"opened"}`), http.Header{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	assert.Equal(t, apperrors.ErrCodeValidationError, appErr.Code)
	require.NotEmpty(t, appErr.ValidationErrors)
	assert.Equal(t, "number", appErr.ValidationErrors[0].Field)
}

func TestProcessWebhookTransformFailure(t *testing.T) {
	deps := newTestDispatcher(t, nil)
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.Transform = &models.Transform{Kind: models.TransformQuery, Expr: "no.such.path"}
	})

	_, _, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), []byte(`{"action":"opened"}`), http.Header{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
}

func TestProcessWebhookTransformedPayloadRecorded(t *testing.T) {
	deps := newTestDispatcher(t, nil, scriptedResponse{result: contentResult("ok")})
	trigger := seedTrigger(t, deps.triggers, func(tr *models.Trigger) {
		tr.Transform = &models.Transform{Kind: models.TransformQuery, Expr: "issue"}
	})

	body := []byte(`{"action":"opened","issue":{"number":7,"title":"bug"}}`)
	accepted, handle, appErr := deps.dispatcher.ProcessWebhook(context.Background(), refFor(trigger), body, http.Header{})
	require.Nil(t, appErr)
	waitResult(t, handle)

	inv, err := deps.triggers.GetInvocation(context.Background(), accepted.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, string(body), inv.RequestPayload)
	assert.JSONEq(t, `{"number":7,"title":"bug"}`, inv.TransformedPayload)
}

func TestBuildTriggerMessage(t *testing.T) {
	trigger := &models.Trigger{
		ID:              "trig-1",
		Name:            "github issues",
		MessageTemplate: "Issue #{{issue.number}}: {{issue.title}}",
	}
	payload := []byte(`{"issue":{"number":7,"title":"bug"}}`)

	text, parts := BuildTriggerMessage(trigger, "inv-1", payload)
	assert.Equal(t, "Issue #7: bug", text)

	require.Len(t, parts, 2)
	assert.Equal(t, a2a.PartKindText, parts[0].Kind)
	require.Equal(t, a2a.PartKindData, parts[1].Kind)
	assert.Equal(t, "trigger", parts[1].Data["type"])
	assert.Equal(t, "trig-1", parts[1].Data["triggerId"])
	assert.Equal(t, "inv-1", parts[1].Data["invocationId"])

	// Without a template the text falls back to a generic line but the
	// data part still carries the full payload.
	trigger.MessageTemplate = ""
	text, parts = BuildTriggerMessage(trigger, "inv-2", payload)
	assert.Contains(t, text, trigger.Name)
	assert.NotNil(t, parts[1].Data["payload"])
}

func TestStaticSubAgentResolver(t *testing.T) {
	r := &StaticSubAgentResolver{
		Defaults: map[string]string{"t:p:a": "sub-a"},
		Fallback: "sub-fallback",
	}

	id, err := r.DefaultSubAgent(context.Background(), "t", "p", "a")
	require.NoError(t, err)
	assert.Equal(t, "sub-a", id)

	id, err = r.DefaultSubAgent(context.Background(), "t", "p", "other")
	require.NoError(t, err)
	assert.Equal(t, "sub-fallback", id)

	empty := &StaticSubAgentResolver{}
	_, err = empty.DefaultSubAgent(context.Background(), "t", "p", "a")
	assert.Error(t, err)
}
