package jobplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/manifest"
)

func newTestScheduler(t *testing.T) (*Scheduler, *pubsub.MemoryTransport, SessionId, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := pubsub.NewMemoryTransport(logger.Discard())
	sessionID := RandomSessionId()
	scheduler, err := NewScheduler(ctx, sessionID, transport, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(scheduler.Abort)
	return scheduler, transport, sessionID, ctx
}

func publishSessionMessage(t *testing.T, ctx context.Context, transport *pubsub.MemoryTransport, sessionID SessionId, msg map[string]any) {
	t.Helper()
	msg["session_id"] = sessionID
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, SessionTopic(sessionID), data))
}

func TestSchedulerRoutesMessagesToSubscriber(t *testing.T) {
	scheduler, transport, sessionID, ctx := newTestScheduler(t)

	jobID := RandomJobId()
	ch := make(chan *ReceiveMessage, 8)
	scheduler.RegisterSubscriber(jobID, ch)

	publishSessionMessage(t, ctx, transport, sessionID, map[string]any{
		"type":   MsgBlockReady,
		"job_id": jobID,
	})

	select {
	case msg := <-ch:
		assert.Equal(t, MsgBlockReady, msg.Type)
		assert.Equal(t, jobID, msg.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not routed to the subscriber")
	}
}

func TestSchedulerIgnoresOtherSessions(t *testing.T) {
	scheduler, transport, sessionID, ctx := newTestScheduler(t)

	jobID := RandomJobId()
	ch := make(chan *ReceiveMessage, 8)
	scheduler.RegisterSubscriber(jobID, ch)

	data, err := json.Marshal(map[string]any{
		"type":       MsgBlockReady,
		"session_id": "someone-else",
		"job_id":     jobID,
	})
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, SessionTopic(sessionID), data))

	select {
	case msg := <-ch:
		t.Fatalf("unexpected cross-session message: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSchedulerUnregisterStopsRouting(t *testing.T) {
	scheduler, transport, sessionID, ctx := newTestScheduler(t)

	jobID := RandomJobId()
	ch := make(chan *ReceiveMessage, 8)
	scheduler.RegisterSubscriber(jobID, ch)
	scheduler.UnregisterSubscriber(jobID)

	publishSessionMessage(t, ctx, transport, sessionID, map[string]any{
		"type":   MsgBlockFinished,
		"job_id": jobID,
	})

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message after unregister: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSchedulerBroadcastsExecutorReady(t *testing.T) {
	scheduler, transport, sessionID, ctx := newTestScheduler(t)

	chA := make(chan *ReceiveMessage, 8)
	chB := make(chan *ReceiveMessage, 8)
	scheduler.RegisterSubscriber(RandomJobId(), chA)
	scheduler.RegisterSubscriber(RandomJobId(), chB)

	publishSessionMessage(t, ctx, transport, sessionID, map[string]any{
		"type":          MsgExecutorReady,
		"executor_name": "python",
		"identifier":    "abc",
	})

	for _, ch := range []chan *ReceiveMessage{chA, chB} {
		select {
		case msg := <-ch:
			assert.Equal(t, MsgExecutorReady, msg.Type)
			assert.Equal(t, "python", msg.ExecutorName)
		case <-time.After(2 * time.Second):
			t.Fatal("executor ready was not broadcast")
		}
	}
}

func TestSendInputsPublishesOnInputsTopic(t *testing.T) {
	scheduler, transport, sessionID, ctx := newTestScheduler(t)

	jobID := RandomJobId()
	received := make(chan []byte, 1)
	require.NoError(t, transport.Subscribe(ctx, InputsTopic(sessionID, jobID), func(_ context.Context, _ string, payload []byte) error {
		received <- payload
		return nil
	}))

	scheduler.SendInputs(ctx, InputParams{
		JobID:  jobID,
		Inputs: map[manifest.HandleName]any{"x": 1.0},
	})

	select {
	case payload := <-received:
		var msg BlockInputsMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, MsgBlockInputs, msg.Type)
		assert.Equal(t, jobID, msg.JobID)
		assert.EqualValues(t, 1.0, msg.Inputs["x"])
	case <-time.After(2 * time.Second):
		t.Fatal("inputs were not published")
	}
}

func TestListenerTimeoutDeliveredAfterExecuteBlock(t *testing.T) {
	scheduler, _, _, ctx := newTestScheduler(t)
	_ = ctx

	jobID := RandomJobId()
	ch := make(chan *ReceiveMessage, 8)
	scheduler.RegisterSubscriber(jobID, ch)

	scheduler.SendToExecutor(context.Background(), ExecutorParams{
		ExecutorName: "python",
		JobID:        jobID,
		Scope:        &RuntimeScope{},
	})

	deadline := time.After(ListenerReplyTimeout + 2*time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type == MsgListenerTimeout {
				assert.Equal(t, jobID, msg.JobID)
				return
			}
		case <-deadline:
			t.Fatal("listener timeout was never delivered")
		}
	}
}

func TestRecursionStacks(t *testing.T) {
	stacks := NewBlockJobStacks()
	assert.True(t, stacks.IsRoot())

	child := stacks.Stack("job1", "/flow.oo.yaml", "node1")
	assert.False(t, child.IsRoot())
	assert.Equal(t, 1, child.Depth())
	assert.True(t, stacks.IsRoot(), "stacking never mutates the receiver")

	deep := child
	for i := 0; i < MaxRecursionDepth; i++ {
		deep = deep.Stack("job", "/flow.oo.yaml", "node")
	}
	assert.True(t, deep.ExceedsRecursionLimit())
	assert.Equal(t, "Maximum recursion depth exceeded: 50 (limit: 50)", RecursionLimitError(50))
}

func TestRuntimeScopeIdentifier(t *testing.T) {
	assert.Empty(t, (&RuntimeScope{}).Identifier())

	node := manifest.NodeId("n1")
	flowScoped := &RuntimeScope{NodeID: &node}
	pkgScoped := &RuntimeScope{Path: "/pkgs/demo", NodeID: &node}

	assert.NotEmpty(t, flowScoped.Identifier())
	assert.NotEmpty(t, pkgScoped.Identifier())
	assert.NotEqual(t, flowScoped.Identifier(), pkgScoped.Identifier())
	assert.Len(t, flowScoped.Identifier(), 16)
}
