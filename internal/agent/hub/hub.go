package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/trustagent/pkg/log"
	"github.com/autopeer-io/trustagent/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/trustagent/pkg/mqtt/topic"
)

var (
	onlinePayload  = []byte(`{"online":true}`)
	offlinePayload = []byte(`{"online":false}`)
)

// Hub maps agent events to MQTT topics of one device.
type Hub struct {
	deviceID string
	qos      int

	mc     mqtt.Client
	topics *mqtttopic.Builder
	routes map[string]core.HandlerFunc
}

var _ core.Sender = (*Hub)(nil)

func New(deviceID string, client mqtt.Client, topicbuilder *mqtttopic.Builder, qos int) *Hub {
	return &Hub{
		deviceID: deviceID,
		qos:      qos,
		mc:       client,
		topics:   topicbuilder,
		routes:   make(map[string]core.HandlerFunc),
	}
}

// WillMessage returns the topic and payload the broker publishes when the
// session drops.
func WillMessage(topics *mqtttopic.Builder, deviceID string) (string, []byte) {
	return topics.Build(paths.Online, deviceID), offlinePayload
}

func (b *Hub) Send(ctx context.Context, event core.EventType, payload []byte) error {
	segment, ok := events[event]
	if !ok {
		return fmt.Errorf("unmapped event: %s", event)
	}
	fullTopic := b.topics.Build(segment, b.deviceID)
	return b.mc.Publish(ctx, fullTopic, b.qos, retained[event], payload)
}

func (b *Hub) IsConnected() bool {
	return b.mc.IsConnected()
}

func (b *Hub) Start(ctx context.Context) error {
	if err := b.mc.Start(ctx); err != nil {
		return err
	}

	if err := b.mc.AwaitConnection(ctx); err != nil {
		return err
	}

	for topic, handler := range b.routes {
		err := b.mc.Subscribe(ctx, topic, b.qos, func(c context.Context, _ string, p []byte) {
			logger := log.WithValues("topic", topic)
			if handleErr := handler(log.NewContext(c, logger), p); handleErr != nil {
				logger.Error(handleErr, "Handler execution failed")
			}
		})
		if err != nil {
			return err
		}
	}

	if err := b.Send(ctx, core.EventOnline, onlinePayload); err != nil {
		log.Error(err, "Failed to report online status")
	}
	return nil
}

func (b *Hub) Stop() {
	log.Info("Disconnecting MQTT client...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Send(ctx, core.EventOnline, offlinePayload); err != nil {
		log.Error(err, "Failed to report offline status")
	}
	b.mc.Disconnect(ctx)
}
