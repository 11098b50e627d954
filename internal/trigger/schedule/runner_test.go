package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/engine"
	runrepo "github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/trigger/models"
	"github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/pkg/a2a"
	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// scriptedClient returns one canned response per call, in order. Once
// exhausted it keeps failing, which makes every engine attempt fail.
type scriptedClient struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	result *a2a.SendResult
	err    error
}

func (c *scriptedClient) SendMessage(_ context.Context, _ a2a.Route, _ *a2a.SendParams) (*a2a.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
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

type staticResolver struct{ subAgentID string }

func (r *staticResolver) DefaultSubAgent(context.Context, string, string, string) (string, error) {
	return r.subAgentID, nil
}

type testDeps struct {
	runner   *Runner
	triggers repository.Repository
	sleeps   *[]time.Duration
}

func newTestRunner(t *testing.T, responses ...scriptedResponse) *testDeps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	triggers := repository.NewMemoryRepository()
	runs := runrepo.NewMemoryRepository()
	client := &scriptedClient{responses: responses}
	eng := engine.NewEngine(runs, client, nil, engine.NewSessionRegistry(), nil, log, engine.Options{})

	runner := NewRunner(triggers, runs, eng, &staticResolver{subAgentID: "sub-default"}, nil, log)

	sleeps := &[]time.Duration{}
	var mu sync.Mutex
	runner.sleep = func(d time.Duration) {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
	}

	t.Cleanup(runner.Stop)
	return &testDeps{runner: runner, triggers: triggers, sleeps: sleeps}
}

func seedSchedule(t *testing.T, repo repository.Repository, mutate func(*models.ScheduledTrigger)) *models.ScheduledTrigger {
	t.Helper()
	s := &models.ScheduledTrigger{
		ID:        "sched-1",
		TenantID:  "tenant-1",
		ProjectID: "project-1",
		AgentID:   "agent-1",
		Name:      "nightly report",
		Enabled:   true,
		CronExpr:  "@every 1h",
		Payload:   `{"report":"nightly"}`,
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, repo.CreateScheduledTrigger(context.Background(), s))
	return s
}

func waitForStatus(t *testing.T, repo repository.Repository, invocationID string, want v1.InvocationStatus) *models.TriggerInvocation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inv, err := repo.GetInvocation(context.Background(), invocationID)
		require.NoError(t, err)
		if inv.Status == want {
			return inv
		}
		if inv.Status.IsTerminal() {
			t.Fatalf("invocation reached terminal status %s, want %s (error: %s)", inv.Status, want, inv.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("invocation %s never reached status %s", invocationID, want)
	return nil
}

func TestRunNowCompletesOnFirstAttempt(t *testing.T) {
	deps := newTestRunner(t, scriptedResponse{result: contentResult("report done")})
	s := seedSchedule(t, deps.triggers, nil)

	inv, err := deps.runner.RunNow(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.AttemptNumber)
	assert.Equal(t, s.Payload, inv.RequestPayload)

	done := waitForStatus(t, deps.triggers, inv.ID, v1.InvocationStatusCompleted)
	assert.NotEmpty(t, done.ConversationID)
	assert.Empty(t, *deps.sleeps)
}

func TestRunNowRetriesThenFails(t *testing.T) {
	// No scripted responses: every engine attempt fails.
	deps := newTestRunner(t)
	s := seedSchedule(t, deps.triggers, func(s *models.ScheduledTrigger) {
		s.MaxRetries = 2
		s.RetryDelaySeconds = 1
	})

	inv, err := deps.runner.RunNow(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)

	failed := waitForStatus(t, deps.triggers, inv.ID, v1.InvocationStatusFailed)
	assert.NotEmpty(t, failed.Error)

	// The record reflects how many attempts actually ran and keeps the
	// last attempt's conversation for replay.
	assert.Equal(t, 3, failed.AttemptNumber)
	assert.NotEmpty(t, failed.ConversationID)

	// Three attempts with a delay between each pair, never after the last.
	require.Len(t, *deps.sleeps, 2)
	for _, d := range *deps.sleeps {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*(1+maxJitterFraction)))
	}
}

func TestRunNowSucceedsAfterRetry(t *testing.T) {
	// The first attempt burns the engine's consecutive-error budget, the
	// second attempt gets a real answer.
	deps := newTestRunner(t,
		scriptedResponse{err: errors.New("transient")},
		scriptedResponse{err: errors.New("transient")},
		scriptedResponse{err: errors.New("transient")},
		scriptedResponse{result: contentResult("recovered")})
	s := seedSchedule(t, deps.triggers, func(s *models.ScheduledTrigger) {
		s.MaxRetries = 1
		s.RetryDelaySeconds = 1
	})

	inv, err := deps.runner.RunNow(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)

	done := waitForStatus(t, deps.triggers, inv.ID, v1.InvocationStatusCompleted)
	assert.Equal(t, 2, done.AttemptNumber)
	assert.Len(t, *deps.sleeps, 1)
}

func TestRerunContinuesAttemptSequence(t *testing.T) {
	deps := newTestRunner(t, scriptedResponse{result: contentResult("ok")})
	s := seedSchedule(t, deps.triggers, nil)

	original := &models.TriggerInvocation{
		ID:             "inv-original",
		TriggerID:      s.ID,
		Status:         v1.InvocationStatusFailed,
		AttemptNumber:  2,
		RequestPayload: `{"report":"nightly"}`,
	}
	require.NoError(t, deps.triggers.CreateInvocation(context.Background(), original))

	rerun, err := deps.runner.Rerun(context.Background(), s.TenantID, s.ProjectID, s.ID, original.ID)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, rerun.ID)
	assert.Equal(t, 3, rerun.AttemptNumber)
	assert.Equal(t, original.RequestPayload, rerun.RequestPayload)

	waitForStatus(t, deps.triggers, rerun.ID, v1.InvocationStatusCompleted)

	// The original record is untouched.
	kept, err := deps.triggers.GetInvocation(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.InvocationStatusFailed, kept.Status)
	assert.Equal(t, 2, kept.AttemptNumber)
}

func TestStartAssignsWorkflowRunIDAndStopClearsIt(t *testing.T) {
	deps := newTestRunner(t)
	s := seedSchedule(t, deps.triggers, nil)

	require.NoError(t, deps.runner.Start(context.Background()))

	row, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, row.WorkflowRunID)

	deps.runner.Stop()

	row, err = deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.Empty(t, row.WorkflowRunID)
}

func TestStartSkipsDisabledSchedules(t *testing.T) {
	deps := newTestRunner(t)
	s := seedSchedule(t, deps.triggers, func(s *models.ScheduledTrigger) {
		s.Enabled = false
	})

	require.NoError(t, deps.runner.Start(context.Background()))

	row, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.Empty(t, row.WorkflowRunID)
}

func TestStaleGenerationDoesNotFire(t *testing.T) {
	deps := newTestRunner(t)
	s := seedSchedule(t, deps.triggers, nil)

	require.NoError(t, deps.runner.OnTriggerCreated(context.Background(), s))

	// A firing from a superseded generation must not create an invocation.
	ref := scheduleRef{tenantID: s.TenantID, projectID: s.ProjectID, scheduleID: s.ID}
	deps.runner.fire(ref, "stale-token")

	invs, err := deps.triggers.ListInvocations(context.Background(), s.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestOnTriggerUpdatedKeepsRunnerWhenScheduleUnchanged(t *testing.T) {
	deps := newTestRunner(t)
	s := seedSchedule(t, deps.triggers, nil)

	require.NoError(t, deps.runner.OnTriggerCreated(context.Background(), s))
	row, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	token := row.WorkflowRunID
	require.NotEmpty(t, token)

	// A rename leaves the running generation alone.
	renamed := *row
	renamed.Name = "renamed"
	require.NoError(t, deps.runner.OnTriggerUpdated(context.Background(), row, &renamed))

	after, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, token, after.WorkflowRunID)

	// A cron change restarts the runner under a fresh token.
	changed := renamed
	changed.CronExpr = "@every 30m"
	require.NoError(t, deps.runner.OnTriggerUpdated(context.Background(), &renamed, &changed))

	after, err = deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, after.WorkflowRunID)
	assert.NotEqual(t, token, after.WorkflowRunID)
}

func TestOnTriggerUpdatedDisableStopsRunner(t *testing.T) {
	deps := newTestRunner(t)
	s := seedSchedule(t, deps.triggers, nil)

	require.NoError(t, deps.runner.OnTriggerCreated(context.Background(), s))

	disabled := *s
	disabled.Enabled = false
	require.NoError(t, deps.runner.OnTriggerUpdated(context.Background(), s, &disabled))

	row, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
	require.NoError(t, err)
	assert.Empty(t, row.WorkflowRunID)
}

func TestOneShotRunAtFiresOnceAndRetires(t *testing.T) {
	deps := newTestRunner(t, scriptedResponse{result: contentResult("ok")})
	runAt := time.Now().Add(20 * time.Millisecond)
	s := seedSchedule(t, deps.triggers, func(s *models.ScheduledTrigger) {
		s.CronExpr = ""
		s.RunAt = &runAt
	})

	require.NoError(t, deps.runner.OnTriggerCreated(context.Background(), s))

	deadline := time.Now().Add(5 * time.Second)
	var invs []*models.TriggerInvocation
	for time.Now().Before(deadline) {
		var err error
		invs, err = deps.triggers.ListInvocations(context.Background(), s.ID, 10)
		require.NoError(t, err)
		if len(invs) > 0 && invs[0].Status.IsTerminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, invs, 1)
	assert.Equal(t, v1.InvocationStatusCompleted, invs[0].Status)

	// One-shot runners retire their token after firing.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		row, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
		require.NoError(t, err)
		if row.WorkflowRunID == "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("one-shot runner never cleared its workflow run id")
}

func TestOneShotPastRunAtStillClearsToken(t *testing.T) {
	deps := newTestRunner(t, scriptedResponse{result: contentResult("ok")})
	runAt := time.Now().Add(-time.Minute)
	s := seedSchedule(t, deps.triggers, func(s *models.ScheduledTrigger) {
		s.CronExpr = ""
		s.RunAt = &runAt
	})

	// A run-at in the past fires before OnTriggerCreated returns; the
	// firing must still find its own handle and retire the token.
	require.NoError(t, deps.runner.OnTriggerCreated(context.Background(), s))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		row, err := deps.triggers.GetScheduledTrigger(context.Background(), s.TenantID, s.ProjectID, s.ID)
		require.NoError(t, err)
		if row.WorkflowRunID == "" {
			deps.runner.mu.Lock()
			_, registered := deps.runner.runners[s.ID]
			deps.runner.mu.Unlock()
			assert.False(t, registered, "retired one-shot left a stale handle")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("immediate one-shot never cleared its workflow run id")
}

func TestBuildScheduleMessage(t *testing.T) {
	s := &models.ScheduledTrigger{
		ID:              "sched-1",
		Name:            "nightly report",
		MessageTemplate: "Generate the {{report}} report",
		Payload:         `{"report":"nightly"}`,
	}

	text, parts := buildScheduleMessage(s, "inv-1")
	assert.Equal(t, "Generate the nightly report", text)

	require.Len(t, parts, 2)
	require.Equal(t, a2a.PartKindData, parts[1].Kind)
	assert.Equal(t, "scheduled_trigger", parts[1].Data["type"])
	assert.Equal(t, "sched-1", parts[1].Data["triggerId"])
	assert.Equal(t, "inv-1", parts[1].Data["invocationId"])

	// No template falls back to a generic line naming the schedule.
	s.MessageTemplate = ""
	text, _ = buildScheduleMessage(s, "inv-2")
	assert.Contains(t, text, s.Name)
}
