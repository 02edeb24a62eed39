package adu

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

const (
	interfaceID         = "dtmi:azure:iot:deviceUpdate;1"
	compatPropertyNames = "manufacturer,model"
)

var api = jsoniter.Config{EscapeHTML: false}.Froze()

// AgentState is everything the agent-state report carries.
type AgentState struct {
	Device    DeviceProperties
	State     State
	Workflow  *WorkflowRef
	Installed *UpdateID

	// LastInstallResult is reported only in DeploymentInProgress and Failed.
	LastInstallResult *InstallResult
}

// AgentStateReport renders the reported-properties payload for s.
func AgentStateReport(s AgentState) []byte {
	st := jsoniter.NewStream(api, nil, 512)

	st.WriteObjectStart()
	st.WriteObjectField(componentName)
	st.WriteObjectStart()
	st.WriteObjectField("__t")
	st.WriteString("c")
	st.WriteMore()
	st.WriteObjectField("agent")
	st.WriteObjectStart()

	st.WriteObjectField("deviceProperties")
	st.WriteObjectStart()
	st.WriteObjectField("manufacturer")
	st.WriteString(s.Device.Manufacturer)
	st.WriteMore()
	st.WriteObjectField("model")
	st.WriteString(s.Device.Model)
	st.WriteMore()
	st.WriteObjectField("interfaceId")
	st.WriteString(interfaceID)
	st.WriteMore()
	st.WriteObjectField("aduVer")
	st.WriteString(s.Device.ADUVersion)
	st.WriteObjectEnd()

	st.WriteMore()
	st.WriteObjectField("compatPropertyNames")
	st.WriteString(compatPropertyNames)

	if s.LastInstallResult != nil && (s.State == StateDeploymentInProgress || s.State == StateFailed) {
		st.WriteMore()
		st.WriteObjectField("lastInstallResult")
		writeInstallResult(st, s.LastInstallResult)
	}

	st.WriteMore()
	st.WriteObjectField("state")
	st.WriteInt32(int32(s.State))

	if s.Workflow != nil {
		st.WriteMore()
		st.WriteObjectField("workflow")
		st.WriteObjectStart()
		st.WriteObjectField("action")
		st.WriteInt32(int32(s.Workflow.Action))
		st.WriteMore()
		st.WriteObjectField("id")
		st.WriteString(s.Workflow.ID)
		if s.Workflow.RetryTimestamp != "" {
			st.WriteMore()
			st.WriteObjectField("retryTimestamp")
			st.WriteString(s.Workflow.RetryTimestamp)
		}
		st.WriteObjectEnd()
	}

	if s.Installed != nil {
		st.WriteMore()
		st.WriteObjectField("installedUpdateId")
		st.WriteString(string(updateIDJSON(*s.Installed)))
	}

	st.WriteObjectEnd()
	st.WriteObjectEnd()
	st.WriteObjectEnd()

	return append([]byte(nil), st.Buffer()...)
}

func writeInstallResult(st *jsoniter.Stream, r *InstallResult) {
	st.WriteObjectStart()
	writeStepResultFields(st, r.StepResult)
	if len(r.Steps) > 0 {
		st.WriteMore()
		st.WriteObjectField("stepResults")
		st.WriteObjectStart()
		for i, step := range r.Steps {
			if i > 0 {
				st.WriteMore()
			}
			st.WriteObjectField("step_" + strconv.Itoa(i))
			st.WriteObjectStart()
			writeStepResultFields(st, step)
			st.WriteObjectEnd()
		}
		st.WriteObjectEnd()
	}
	st.WriteObjectEnd()
}

func writeStepResultFields(st *jsoniter.Stream, r StepResult) {
	st.WriteObjectField("resultCode")
	st.WriteInt32(r.ResultCode)
	st.WriteMore()
	st.WriteObjectField("extendedResultCode")
	st.WriteInt32(r.ExtendedResultCode)
	st.WriteMore()
	st.WriteObjectField("resultDetails")
	st.WriteString(r.ResultDetails)
}

// updateIDJSON renders id as the JSON document that installedUpdateId carries
// as an escaped string.
func updateIDJSON(id UpdateID) []byte {
	st := jsoniter.NewStream(api, nil, 128)
	st.WriteObjectStart()
	st.WriteObjectField("provider")
	st.WriteString(id.Provider)
	st.WriteMore()
	st.WriteObjectField("name")
	st.WriteString(id.Name)
	st.WriteMore()
	st.WriteObjectField("version")
	st.WriteString(id.Version)
	st.WriteObjectEnd()
	return append([]byte(nil), st.Buffer()...)
}

// ServiceAck renders the writable-property acknowledgement.
func ServiceAck(status int, version int64) []byte {
	st := jsoniter.NewStream(api, nil, 128)
	st.WriteObjectStart()
	st.WriteObjectField(componentName)
	st.WriteObjectStart()
	st.WriteObjectField("__t")
	st.WriteString("c")
	st.WriteMore()
	st.WriteObjectField("service")
	st.WriteObjectStart()
	st.WriteObjectField("ac")
	st.WriteInt(status)
	st.WriteMore()
	st.WriteObjectField("av")
	st.WriteInt64(version)
	st.WriteMore()
	st.WriteObjectField("value")
	st.WriteEmptyObject()
	st.WriteObjectEnd()
	st.WriteObjectEnd()
	st.WriteObjectEnd()
	return append([]byte(nil), st.Buffer()...)
}
