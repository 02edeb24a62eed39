package adu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/looplab/fsm"
	"k8s.io/apimachinery/pkg/util/sets"

	utilfsm "github.com/autopeer-io/trustagent/internal/pkg/util/fsm"
)

const (
	stateIdle                 = "Idle"
	stateDeploymentInProgress = "DeploymentInProgress"
	stateFailed               = "Failed"

	eventApply   = "apply"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventCancel  = "cancel"
)

// Checker verifies an updateManifestSignature against the manifest bytes.
type Checker interface {
	Verify(manifest []byte, jws string) error
}

// Decision is the outcome of handling one update request.
type Decision struct {
	// Status is the acknowledgement code: StatusAccepted or StatusRejected.
	Status int

	// Duplicate is set when the workflow id was already actioned.
	Duplicate bool

	// Cancelled is set when the request cancelled the active deployment.
	Cancelled bool

	// Deployment is set when a new deployment must be installed.
	Deployment *Deployment
}

// Workflow tracks the device's deployment state. It is safe for concurrent use.
type Workflow struct {
	logger  logr.Logger
	device  DeviceProperties
	checker Checker

	mu         sync.Mutex
	machine    *fsm.FSM
	actioned   sets.Set[string]
	active     *WorkflowRef
	deployment *Deployment
	installed  *UpdateID
	lastResult *InstallResult
}

// NewWorkflow returns a workflow in the Idle state.
func NewWorkflow(device DeviceProperties, checker Checker, logger logr.Logger) *Workflow {
	w := &Workflow{
		logger:   logger.WithName("adu-workflow"),
		device:   device,
		checker:  checker,
		actioned: sets.New[string](),
	}

	w.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventApply, Src: []string{stateIdle, stateFailed}, Dst: stateDeploymentInProgress},
			{Name: eventSucceed, Src: []string{stateDeploymentInProgress}, Dst: stateIdle},
			{Name: eventFail, Src: []string{stateDeploymentInProgress}, Dst: stateFailed},
			{Name: eventCancel, Src: []string{stateIdle, stateDeploymentInProgress, stateFailed}, Dst: stateIdle},
		},
		fsm.Callbacks{
			"before_" + eventApply: utilfsm.Guard(w.admit),
			"enter_state": func(_ context.Context, e *fsm.Event) {
				w.logger.Info("Workflow state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return w
}

// SetInstalled records the update already present on the device.
func (w *Workflow) SetInstalled(id UpdateID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.installed = &id
}

// Handle applies one service request. Rejections come back as a Decision with
// StatusRejected and the reason as error; the workflow is left untouched.
func (w *Workflow) Handle(ctx context.Context, req *UpdateRequest) (Decision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch req.Workflow.Action {
	case ActionApplyDeployment:
		return w.apply(ctx, req)
	case ActionCancel:
		return w.cancel(ctx, req.Workflow)
	default:
		return Decision{Status: StatusRejected}, fmt.Errorf("%w: %d", ErrUnknownAction, req.Workflow.Action)
	}
}

func (w *Workflow) apply(ctx context.Context, req *UpdateRequest) (Decision, error) {
	id := req.Workflow.ID
	if id == "" {
		return Decision{Status: StatusRejected}, fmt.Errorf("%w: empty workflow id", ErrInvalidRequest)
	}
	if w.actioned.Has(id) {
		w.logger.V(1).Info("Ignoring replayed workflow", "workflowID", id)
		return Decision{Status: StatusAccepted, Duplicate: true}, nil
	}

	var dep *Deployment
	if err := w.machine.Event(ctx, eventApply, req, &dep); err != nil {
		var canceled fsm.CanceledError
		if errors.As(err, &canceled) && canceled.Err != nil {
			err = canceled.Err
		}
		return Decision{Status: StatusRejected}, err
	}

	w.actioned.Insert(id)
	ref := req.Workflow
	w.active = &ref
	w.deployment = dep
	w.lastResult = nil
	return Decision{Status: StatusAccepted, Deployment: dep}, nil
}

// admit runs before the apply transition and cancels it on any failure.
func (w *Workflow) admit(_ context.Context, e *fsm.Event) error {
	req := e.Args[0].(*UpdateRequest)
	out := e.Args[1].(**Deployment)

	if len(req.UpdateManifest) == 0 || req.UpdateManifestSignature == "" {
		return fmt.Errorf("%w: manifest or signature missing", ErrInvalidRequest)
	}
	if err := w.checker.Verify(req.UpdateManifest, req.UpdateManifestSignature); err != nil {
		return err
	}

	m, err := ParseManifest(req.UpdateManifest)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.CompatibleWith(w.device) {
		return fmt.Errorf("%w: %s/%s", ErrIncompatible, w.device.Manufacturer, w.device.Model)
	}
	for _, f := range m.Files {
		if _, ok := req.URL(f.ID); !ok {
			return fmt.Errorf("%w: no url for file %q", ErrInvalidRequest, f.ID)
		}
	}

	*out = &Deployment{
		Workflow: req.Workflow,
		Manifest: m,
		FileURLs: append([]FileURL(nil), req.FileURLs...),
	}
	return nil
}

func (w *Workflow) cancel(ctx context.Context, ref WorkflowRef) (Decision, error) {
	if w.active == nil || w.active.ID != ref.ID {
		w.logger.V(1).Info("Cancel does not match the active workflow", "workflowID", ref.ID)
		return Decision{Status: StatusAccepted}, nil
	}

	if err := utilfsm.IgnoreNoTransition(w.machine.Event(ctx, eventCancel)); err != nil {
		return Decision{Status: StatusRejected}, err
	}
	w.active = nil
	w.deployment = nil
	w.lastResult = nil
	return Decision{Status: StatusAccepted, Cancelled: true}, nil
}

// InProgress reports whether workflowID is the deployment being installed.
func (w *Workflow) InProgress(workflowID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.Is(stateDeploymentInProgress) && w.active != nil && w.active.ID == workflowID
}

// Complete records the install outcome of the active deployment.
func (w *Workflow) Complete(ctx context.Context, workflowID string, result InstallResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.machine.Is(stateDeploymentInProgress) || w.active == nil || w.active.ID != workflowID {
		return fmt.Errorf("%w: %s", ErrNoDeployment, workflowID)
	}

	event := eventFail
	if result.Succeeded() {
		event = eventSucceed
	}
	if err := w.machine.Event(ctx, event); err != nil {
		return err
	}

	w.lastResult = &result
	if result.Succeeded() {
		id := w.deployment.Manifest.UpdateID
		w.installed = &id
		w.active = nil
		w.deployment = nil
	}
	return nil
}

// State returns the current agent state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return stateOf(w.machine.Current())
}

// Snapshot returns the data the next report would carry.
func (w *Workflow) Snapshot() AgentState {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := AgentState{
		Device: w.device,
		State:  stateOf(w.machine.Current()),
	}
	if w.active != nil {
		ref := *w.active
		s.Workflow = &ref
	}
	if w.installed != nil {
		id := *w.installed
		s.Installed = &id
	}
	if w.lastResult != nil {
		r := *w.lastResult
		s.LastInstallResult = &r
	}
	return s
}

// Report renders the current agent-state payload.
func (w *Workflow) Report() []byte {
	return AgentStateReport(w.Snapshot())
}

func stateOf(name string) State {
	switch name {
	case stateDeploymentInProgress:
		return StateDeploymentInProgress
	case stateFailed:
		return StateFailed
	default:
		return StateIdle
	}
}
