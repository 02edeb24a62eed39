package hub

import (
	"fmt"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/pkg/mqtt/paths"
)

var (
	events = make(map[core.EventType]string)

	// retained events keep their last payload on the broker.
	retained = make(map[core.EventType]bool)
)

// Register routes inbound messages of event to handler. It must be called
// before Start.
func (b *Hub) Register(event core.EventType, handler core.HandlerFunc) error {
	segment, ok := events[event]
	if !ok {
		return fmt.Errorf("unmapped event: %s", event)
	}
	fullTopic := b.topics.Build(segment, b.deviceID)
	if _, dup := b.routes[fullTopic]; dup {
		return fmt.Errorf("event %s already has a handler", event)
	}
	b.routes[fullTopic] = handler
	return nil
}

func init() {
	events[core.EventOnline] = paths.Online
	events[core.EventDesiredPatch] = paths.DesiredProperties
	events[core.EventReported] = paths.ReportedProperties
	events[core.EventRecoveryRequest] = paths.RecoveryRequest
	events[core.EventRecoveryResponse] = paths.RecoveryResponse

	retained[core.EventOnline] = true
	retained[core.EventReported] = true
}
