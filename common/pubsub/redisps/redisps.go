package redisps

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
)

// Transport is a Redis pub/sub backed pubsub.Transport. Topic wildcards
// map onto Redis channel patterns (PSUBSCRIBE).
type Transport struct {
	client *redis.Client
	log    *logger.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// Connect dials the Redis server at address (ip:port)
func Connect(ctx context.Context, address string, log *logger.Logger) (*Transport, error) {
	client := redis.NewClient(&redis.Options{Addr: address})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect to %s: %w", address, err)
	}
	return &Transport{
		client: client,
		log:    log,
		subs:   make(map[string]*redis.PubSub),
	}, nil
}

// Publish sends a payload to a topic
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic pattern
func (t *Transport) Subscribe(ctx context.Context, topic string, handler pubsub.MessageHandler) error {
	pattern := toRedisPattern(topic)
	sub := t.client.PSubscribe(ctx, pattern)
	// Wait for the subscription to be confirmed before returning so that
	// messages published immediately after are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe to %s: %w", pattern, err)
	}

	t.mu.Lock()
	t.subs[topic] = sub
	t.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			if err := handler(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				t.log.Error("redis handler error", "topic", msg.Channel, "error", err)
			}
		}
	}()
	return nil
}

// Unsubscribe removes the subscription for a topic pattern
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close()
}

// Close tears down all subscriptions and the client connection
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, sub := range t.subs {
		_ = sub.Close()
	}
	t.subs = make(map[string]*redis.PubSub)
	t.mu.Unlock()
	return t.client.Close()
}

// "+" and "#" are MQTT-style wildcards; Redis patterns use "*"
func toRedisPattern(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			return strings.Join(append(parts[:i], "*"), "/")
		}
	}
	return strings.Join(parts, "/")
}
