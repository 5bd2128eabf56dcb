package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
)

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 1
)

// Transport is an MQTT-backed pubsub.Transport
type Transport struct {
	client paho.Client
	log    *logger.Logger
}

// Connect dials the broker at address (ip:port) and returns a connected transport
func Connect(address, clientID string, log *logger.Logger) (*Transport, error) {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", address)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", address)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", address, err)
	}

	log.Debug("mqtt connected", "address", address, "client_id", clientID)
	return &Transport{client: client, log: log}, nil
}

// Publish sends a payload to a topic
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	token := t.client.Publish(topic, publishQoS, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for a topic pattern
func (t *Transport) Subscribe(ctx context.Context, topic string, handler pubsub.MessageHandler) error {
	token := t.client.Subscribe(topic, publishQoS, func(_ paho.Client, msg paho.Message) {
		if err := handler(ctx, msg.Topic(), msg.Payload()); err != nil {
			t.log.Error("mqtt handler error", "topic", msg.Topic(), "error", err)
		}
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes the subscription for a topic pattern
func (t *Transport) Unsubscribe(topic string) error {
	token := t.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker
func (t *Transport) Close() error {
	t.client.Disconnect(250)
	return nil
}
