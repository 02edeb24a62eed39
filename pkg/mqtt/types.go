package mqtt

import (
	"context"
)

// MessageHandler processes one inbound publish. It runs on the client's
// router goroutine, so long work belongs in a goroutine of its own.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is the broker session of one device.
type Client interface {
	// Start connects in the background. Use AwaitConnection to wait for the
	// first CONNACK.
	Start(ctx context.Context) error

	// Disconnect sends DISCONNECT, so the broker drops the will message.
	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers handler for topic. Subscriptions are replayed after
	// every reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	Unsubscribe(ctx context.Context, topic string) error

	AwaitConnection(ctx context.Context) error

	// IsConnected reports the state of the last connection attempt.
	IsConnected() bool
}
