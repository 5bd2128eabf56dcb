package pubsub

import (
	"context"
	"strings"
	"sync"

	"github.com/oomol/oocana/common/logger"
)

// Transport is the pub/sub layer the job plane runs on. Any broker with
// topic-based routing can back it; payloads are opaque JSON bytes.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

type memoryMessage struct {
	topic   string
	payload []byte
}

// subscription owns one serial delivery queue so a subscriber observes
// messages in publish order.
type subscription struct {
	pattern string
	queue   chan memoryMessage
	done    chan struct{}
}

// MemoryTransport is an in-process transport used by tests and
// single-process runs. Patterns support the MQTT wildcards "+" (one
// level) and "#" (rest of topic).
type MemoryTransport struct {
	mu   sync.RWMutex
	subs []*subscription
	log  *logger.Logger
}

// NewMemoryTransport creates a new in-memory transport
func NewMemoryTransport(log *logger.Logger) *MemoryTransport {
	return &MemoryTransport{log: log}
}

// Publish delivers a message to every matching subscription's queue
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		if !topicMatches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.queue <- memoryMessage{topic: topic, payload: payload}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler; messages are delivered serially per
// subscription in publish order.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	sub := &subscription{
		pattern: topic,
		queue:   make(chan memoryMessage, 1024),
		done:    make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.queue:
				if err := handler(ctx, msg.topic, msg.payload); err != nil {
					t.log.Error("message handler error", "topic", msg.topic, "error", err)
				}
			}
		}
	}()

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	t.log.Debug("subscribed", "topic", topic)
	return nil
}

// Unsubscribe removes all subscriptions for a topic pattern
func (t *MemoryTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.subs[:0]
	for _, sub := range t.subs {
		if sub.pattern == topic {
			close(sub.done)
			continue
		}
		kept = append(kept, sub)
	}
	t.subs = kept
	return nil
}

// Close drops all subscriptions
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		close(sub.done)
	}
	t.subs = nil
	return nil
}

func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
