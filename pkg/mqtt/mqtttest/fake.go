// Package mqtttest provides an in-memory mqtt.Client for tests.
package mqtttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/autopeer-io/trustagent/pkg/mqtt"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	QoS     int
	Retain  bool
	Payload []byte
}

// Client records publishes and delivers messages to subscribed handlers
// synchronously. Topic filters are matched exactly.
type Client struct {
	mu        sync.Mutex
	started   bool
	published []Message
	handlers  map[string]mqtt.MessageHandler

	// PublishErr, if set, is returned by every Publish.
	PublishErr error
}

var _ mqtt.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *Client) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
}

func (c *Client) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, Message{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string, qos int, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	return nil
}

func (c *Client) AwaitConnection(ctx context.Context) error {
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Deliver hands payload to the handler subscribed to topic.
func (c *Client) Deliver(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for %s", topic)
	}
	h(ctx, topic, payload)
	return nil
}

// Subscribed returns the subscribed topic filters.
func (c *Client) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Published returns the messages published to topic, in order.
func (c *Client) Published(topic string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
