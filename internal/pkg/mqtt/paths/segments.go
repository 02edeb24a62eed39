package paths

// Topic segments between the device agent and its hub.
// Every topic is {root}/{segment}/{deviceID}.

// Downstream: Hub -> Device
const (
	// DesiredProperties carries writable-property patches, including the
	// deviceUpdate service object.
	// Payload: {"deviceUpdate":{"__t":"c","service":{...}},"$version":N}
	// Pattern: {root}/properties/desired/{deviceID}
	DesiredProperties = "properties/desired"

	// RecoveryResponse carries the signed CA recovery envelope.
	// Pattern: {root}/recovery/response/{deviceID}
	RecoveryResponse = "recovery/response"
)

// Upstream: Device -> Hub
const (
	// ReportedProperties carries agent-state reports and service acknowledgements.
	// Pattern: {root}/properties/reported/{deviceID}
	ReportedProperties = "properties/reported"

	// RecoveryRequest asks the hub for a CA recovery envelope.
	// Payload: {"version":"1.0"}
	// Pattern: {root}/recovery/request/{deviceID}
	RecoveryRequest = "recovery/request"

	// Online reports the device online/offline status. The offline payload is
	// registered as the session's will message.
	// Payload: {"online": true/false}
	// Pattern: {root}/online/{deviceID}
	Online = "online"
)
