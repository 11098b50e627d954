package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproveDeliversDecisionToWaiter(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))

	done := make(chan Decision, 1)
	go func() {
		d, err := m.WaitForApproval(context.Background(), "call-1", time.Second)
		require.NoError(t, err)
		done <- d
	}()

	// Give the waiter a moment to block.
	time.Sleep(10 * time.Millisecond)
	outcome, _ := m.Approve("call-1")
	assert.Equal(t, OutcomeResolved, outcome)

	select {
	case d := <-done:
		assert.True(t, d.Approved)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the decision")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))

	outcome, _ := m.Deny("call-1", "too risky")
	assert.Equal(t, OutcomeResolved, outcome)
	// Second resolve reports already-processed and does not flip the
	// stored decision.
	second, _ := m.Approve("call-1")
	assert.Equal(t, OutcomeAlreadyProcessed, second)

	d, err := m.WaitForApproval(context.Background(), "call-1", time.Second)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "too risky", d.Reason)
}

func TestResolutionReportsWaiterPresence(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))

	// No one is blocked in WaitForApproval yet: the resolver side owns
	// announcing the decision.
	outcome, res := m.Approve("call-1")
	assert.Equal(t, OutcomeResolved, outcome)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "send_email", res.ToolName)
	assert.False(t, res.Delivered)

	// With a waiter attached, delivery is reported and the waiter owns
	// the announcement.
	require.NoError(t, m.Register("req-2", "call-2", "delete_rows"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.WaitForApproval(context.Background(), "call-2", time.Second)
		assert.NoError(t, err)
	}()
	time.Sleep(10 * time.Millisecond)

	outcome, res = m.Deny("call-2", "no")
	assert.Equal(t, OutcomeResolved, outcome)
	assert.Equal(t, "req-2", res.RequestID)
	assert.True(t, res.Delivered)
	<-done
}

func TestResolveUnknownToolCall(t *testing.T) {
	m := NewManager()
	outcome, _ := m.Approve("never-registered")
	assert.Equal(t, OutcomeNotFound, outcome)
}

func TestRegisterRejectsDuplicatePending(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))
	assert.Error(t, m.Register("req-1", "call-1", "send_email"))
}

func TestWaitForApprovalTimesOut(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))

	_, err := m.WaitForApproval(context.Background(), "call-1", 20*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 0, m.PendingCount())
}

func TestWaitForApprovalHonorsContext(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.WaitForApproval(ctx, "call-1", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentResolversOnlyOneWins(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("req-1", "call-1", "send_email"))

	var mu sync.Mutex
	counts := map[Outcome]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		approve := i%2 == 0
		go func() {
			defer wg.Done()
			var o Outcome
			if approve {
				o, _ = m.Approve("call-1")
			} else {
				o, _ = m.Deny("call-1", "no")
			}
			mu.Lock()
			counts[o]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, counts[OutcomeResolved])
	assert.Equal(t, 7, counts[OutcomeAlreadyProcessed])

	// The buffered decision is still delivered to a late waiter.
	d, err := m.WaitForApproval(context.Background(), "call-1", time.Second)
	require.NoError(t, err)
	_ = d
}
