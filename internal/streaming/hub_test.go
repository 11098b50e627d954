package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/approval"
	"github.com/inkeep/agents-run/internal/run/engine"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func runHub(t *testing.T, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
}

func receiveOperation(t *testing.T, client *Client) engine.Operation {
	t.Helper()
	select {
	case data := <-client.send:
		var op engine.Operation
		require.NoError(t, json.Unmarshal(data, &op))
		return op
	case <-time.After(time.Second):
		t.Fatal("no operation reached the client")
		return engine.Operation{}
	}
}

func TestHubBroadcastReachesSubscribedClient(t *testing.T) {
	log := testLogger(t)
	hub := NewHub(log)
	runHub(t, hub)

	client := NewClient("client-1", nil, hub, log)
	hub.Register(client)
	hub.SubscribeClient(client, "req-1")

	hub.Broadcast("req-1", engine.Operation{Type: engine.OpContentDelta, RequestID: "req-1", Content: "hi"})

	op := receiveOperation(t, client)
	assert.Equal(t, engine.OpContentDelta, op.Type)
	assert.Equal(t, "hi", op.Content)
}

func TestHubForwardsApprovalEventsToFollowers(t *testing.T) {
	log := testLogger(t)
	ui := approval.NewUiBus(log)
	hub := NewHub(log)
	hub.AttachApprovalBus(ui)
	runHub(t, hub)

	client := NewClient("client-1", nil, hub, log)
	hub.Register(client)
	hub.SubscribeClient(client, "req-1")

	ui.Publish(approval.Event{
		Type:       approval.EventApprovalNeeded,
		RequestID:  "req-1",
		ToolCallID: "call-1",
		ToolName:   "send_email",
		Input:      map[string]interface{}{"to": "a@b.c"},
	})

	op := receiveOperation(t, client)
	assert.Equal(t, engine.OpToolApprovalRequest, op.Type)
	assert.Equal(t, "req-1", op.RequestID)
	assert.Equal(t, "call-1", op.Data["tool_call_id"])
	assert.Equal(t, "send_email", op.Data["tool_name"])

	denied := false
	ui.Publish(approval.Event{
		Type:       approval.EventApprovalResolved,
		RequestID:  "req-1",
		ToolCallID: "call-1",
		Approved:   &denied,
		Reason:     "not on prod",
	})

	op = receiveOperation(t, client)
	assert.Equal(t, engine.OpToolOutputDenied, op.Type)
	assert.Equal(t, "not on prod", op.Data["reason"])
}

func TestHubApprovalBridgeFollowsSubscriptionLifecycle(t *testing.T) {
	log := testLogger(t)
	ui := approval.NewUiBus(log)
	hub := NewHub(log)
	hub.AttachApprovalBus(ui)
	runHub(t, hub)

	client := NewClient("client-1", nil, hub, log)
	hub.Register(client)

	assert.Equal(t, 0, ui.ListenerCount("req-1"))
	hub.SubscribeClient(client, "req-1")
	assert.Equal(t, 1, ui.ListenerCount("req-1"))

	// A second follower reuses the same bridge.
	other := NewClient("client-2", nil, hub, log)
	hub.Register(other)
	hub.SubscribeClient(other, "req-1")
	assert.Equal(t, 1, ui.ListenerCount("req-1"))

	hub.UnsubscribeClient(client, "req-1")
	assert.Equal(t, 1, ui.ListenerCount("req-1"))
	hub.UnsubscribeClient(other, "req-1")
	assert.Equal(t, 0, ui.ListenerCount("req-1"))
}

func TestHubApprovedResolutionMapsToInputAvailable(t *testing.T) {
	approved := true
	op := approvalOperation(approval.Event{
		Type:       approval.EventApprovalResolved,
		RequestID:  "req-1",
		ToolCallID: "call-1",
		ToolName:   "send_email",
		Approved:   &approved,
	})
	assert.Equal(t, engine.OpToolInputAvailable, op.Type)
	assert.Equal(t, true, op.Data["approved"])
}
