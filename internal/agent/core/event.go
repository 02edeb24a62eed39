package core

type EventType string

const (
	// EventOnline reports the device online/offline status.
	EventOnline EventType = "agent.online"

	// EventDesiredPatch delivers writable-property patches from the hub.
	EventDesiredPatch EventType = "adu.desired"

	// EventReported carries agent-state reports and service acknowledgements.
	EventReported EventType = "adu.reported"

	EventRecoveryRequest  EventType = "recovery.request"
	EventRecoveryResponse EventType = "recovery.response"
)
