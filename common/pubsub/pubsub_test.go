package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/common/logger"
)

func TestTopicMatches(t *testing.T) {
	assert.True(t, topicMatches("a/b/c", "a/b/c"))
	assert.True(t, topicMatches("a/+/c", "a/x/c"))
	assert.True(t, topicMatches("a/#", "a/b/c/d"))
	assert.True(t, topicMatches("executor/+/run_block", "executor/python/run_block"))
	assert.False(t, topicMatches("a/b", "a/b/c"))
	assert.False(t, topicMatches("a/+/c", "a/x/y"))
	assert.False(t, topicMatches("a/b/c", "a/b"))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	tr := NewMemoryTransport(logger.Discard())
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, tr.Subscribe(ctx, "session/s1", func(_ context.Context, _ string, payload []byte) error {
		received <- string(payload)
		return nil
	}))

	require.NoError(t, tr.Publish(ctx, "session/s1", []byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPerSubscriberOrderPreserved(t *testing.T) {
	tr := NewMemoryTransport(logger.Discard())
	ctx := context.Background()

	const n = 100
	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	require.NoError(t, tr.Subscribe(ctx, "t", func(_ context.Context, _ string, payload []byte) error {
		mu.Lock()
		got = append(got, payload[0])
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	}))

	for i := 0; i < n; i++ {
		require.NoError(t, tr.Publish(ctx, "t", []byte{byte(i)}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all messages delivered")
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, byte(i), got[i], "delivery preserves publish order")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := NewMemoryTransport(logger.Discard())
	ctx := context.Background()

	received := make(chan struct{}, 4)
	require.NoError(t, tr.Subscribe(ctx, "t", func(_ context.Context, _ string, _ []byte) error {
		received <- struct{}{}
		return nil
	}))
	require.NoError(t, tr.Unsubscribe("t"))
	require.NoError(t, tr.Publish(ctx, "t", []byte("x")))

	select {
	case <-received:
		t.Fatal("message delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWildcardSubscriptionSeesAllSessions(t *testing.T) {
	tr := NewMemoryTransport(logger.Discard())
	ctx := context.Background()

	topics := make(chan string, 2)
	require.NoError(t, tr.Subscribe(ctx, "inputs/+/+", func(_ context.Context, topic string, _ []byte) error {
		topics <- topic
		return nil
	}))

	require.NoError(t, tr.Publish(ctx, "inputs/s1/j1", []byte("a")))
	require.NoError(t, tr.Publish(ctx, "inputs/s2/j2", []byte("b")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case topic := <-topics:
			seen[topic] = true
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard subscription missed a message")
		}
	}
	assert.True(t, seen["inputs/s1/j1"] && seen["inputs/s2/j2"])
}
