// Package adu implements the device side of the Device Update writable
// property: request and manifest parsing, manifest signature checks, the
// deployment workflow and the agent-state report.
package adu

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the service-requested workflow action.
type Action int32

const (
	ActionApplyDeployment Action = 3
	ActionCancel          Action = 255
)

func (a Action) String() string {
	switch a {
	case ActionApplyDeployment:
		return "ApplyDeployment"
	case ActionCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Action(%d)", int32(a))
	}
}

// State is the reported agent state.
type State int32

const (
	StateIdle                 State = 0
	StateDeploymentInProgress State = 6
	StateFailed               State = 255
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return stateIdle
	case StateDeploymentInProgress:
		return stateDeploymentInProgress
	case StateFailed:
		return stateFailed
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Acknowledgement status codes for the writable property.
const (
	StatusAccepted = 200
	StatusRejected = 406
)

// Install result codes.
const (
	ResultFailure int32 = 0
	ResultSuccess int32 = 700
)

// Bounds on repeated elements.
const (
	MaxFileURLs      = 10
	MaxSteps         = 10
	MaxStepFiles     = 10
	MaxFiles         = 10
	MaxHashes        = 2
	MaxCompatibility = 10
)

var (
	ErrLimitExceeded   = errors.New("adu: element limit exceeded")
	ErrSignature       = errors.New("adu: manifest signature rejected")
	ErrInvalidManifest = errors.New("adu: invalid manifest")
	ErrIncompatible    = errors.New("adu: update is not compatible with this device")
	ErrUnknownAction   = errors.New("adu: unknown workflow action")
	ErrInvalidRequest  = errors.New("adu: invalid update request")
	ErrNoDeployment    = errors.New("adu: no matching deployment in progress")
)

// WorkflowRef identifies one service workflow.
type WorkflowRef struct {
	Action         Action
	ID             string
	RetryTimestamp string
}

// FileURL maps a manifest file id to its download location.
type FileURL struct {
	ID  string
	URL string
}

// UpdateRequest is the "service" object of the deviceUpdate component.
type UpdateRequest struct {
	Workflow WorkflowRef

	// UpdateManifest is the unescaped manifest document.
	UpdateManifest []byte

	// UpdateManifestSignature is a compact JWS: header.payload.signature.
	UpdateManifestSignature string

	FileURLs []FileURL
}

// URL returns the download location for file id.
func (r *UpdateRequest) URL(id string) (string, bool) {
	for _, f := range r.FileURLs {
		if f.ID == id {
			return f.URL, true
		}
	}
	return "", false
}

// PropertyPatch is a desired-properties patch as delivered by the service.
type PropertyPatch struct {
	// Service is nil when the patch carries no deviceUpdate service object.
	Service *UpdateRequest
	Version int64
}

type UpdateID struct {
	Provider string
	Name     string
	Version  string
}

func (u UpdateID) String() string {
	return u.Provider + "/" + u.Name + ":" + u.Version
}

type Compatibility struct {
	DeviceManufacturer string
	DeviceModel        string
}

type Step struct {
	Handler           string
	Files             []string
	InstalledCriteria string
}

type Hash struct {
	Type  string
	Value string
}

type File struct {
	ID          string
	FileName    string
	SizeInBytes int64
	Hashes      []Hash
}

// Hash returns the value of the named hash.
func (f *File) Hash(typ string) (string, bool) {
	for _, h := range f.Hashes {
		if h.Type == typ {
			return h.Value, true
		}
	}
	return "", false
}

// UpdateManifest describes one update.
type UpdateManifest struct {
	ManifestVersion string
	UpdateID        UpdateID
	Compatibility   []Compatibility
	Steps           []Step
	Files           []File
	CreateDateTime  string
}

// File returns the file with the given id.
func (m *UpdateManifest) File(id string) (*File, bool) {
	for i := range m.Files {
		if m.Files[i].ID == id {
			return &m.Files[i], true
		}
	}
	return nil, false
}

// Validate checks that every file a step references is declared and that
// every file name is a plain base name.
func (m *UpdateManifest) Validate() error {
	for _, f := range m.Files {
		if !validFileName(f.FileName) {
			return fmt.Errorf("%w: file %q has unusable name %q", ErrInvalidManifest, f.ID, f.FileName)
		}
	}
	for i, s := range m.Steps {
		for _, id := range s.Files {
			if _, ok := m.File(id); !ok {
				return fmt.Errorf("%w: step %d references undeclared file %q", ErrInvalidManifest, i, id)
			}
		}
	}
	return nil
}

func validFileName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// CompatibleWith reports whether any compatibility entry matches dev.
func (m *UpdateManifest) CompatibleWith(dev DeviceProperties) bool {
	for _, c := range m.Compatibility {
		if c.DeviceManufacturer == dev.Manufacturer && c.DeviceModel == dev.Model {
			return true
		}
	}
	return false
}

// DeviceProperties are reported with every agent-state payload.
type DeviceProperties struct {
	Manufacturer string
	Model        string
	ADUVersion   string
}

// StepResult is the outcome of one installation step.
type StepResult struct {
	ResultCode         int32
	ExtendedResultCode int32
	ResultDetails      string
}

// InstallResult is the outcome of a deployment.
type InstallResult struct {
	StepResult
	Steps []StepResult
}

// Succeeded reports whether the deployment succeeded.
func (r InstallResult) Succeeded() bool {
	return r.ResultCode == ResultSuccess
}

// Deployment is what the device must install after an accepted request.
type Deployment struct {
	Workflow WorkflowRef
	Manifest *UpdateManifest
	FileURLs []FileURL
}
