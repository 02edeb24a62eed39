package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
	"github.com/autopeer-io/trustagent/internal/pkg/metrics"
	"github.com/autopeer-io/trustagent/pkg/log"
)

const (
	// Namespace holds the agent's persisted deployment state.
	Namespace = "adu"

	keyInstalled = "installed"
)

// Fetcher downloads one manifest file to dst and verifies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, file adu.File, dst string) error
}

// Manager is the Device Update module: it answers desired-property patches,
// runs accepted deployments and reports the agent state.
type Manager struct {
	workflow       *adu.Workflow
	fetcher        Fetcher
	state          kvstore.Namespace
	workDir        string
	installTimeout time.Duration
	clock          clock.Clock

	hal    core.HAL
	sender core.Sender

	// ctx bounds deployments; it is the agent context passed to Setup.
	ctx context.Context
	wg  sync.WaitGroup

	// reportMu orders acks and reports on the wire.
	reportMu sync.Mutex
}

var (
	_ core.Module = (*Manager)(nil)
	_ core.Runner = (*Manager)(nil)
)

type Config struct {
	Workflow       *adu.Workflow
	Fetcher        Fetcher
	State          kvstore.Namespace
	WorkDir        string
	InstallTimeout time.Duration
	Clock          clock.Clock
}

func NewManager(cfg Config) *Manager {
	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Manager{
		workflow:       cfg.Workflow,
		fetcher:        cfg.Fetcher,
		state:          cfg.State,
		workDir:        cfg.WorkDir,
		installTimeout: cfg.InstallTimeout,
		clock:          c,
	}
}

func (m *Manager) Name() string {
	return "ADU"
}

func (m *Manager) Setup(ctx context.Context, hal core.HAL, sender core.Sender) error {
	m.hal = hal
	m.sender = sender
	m.ctx = ctx

	id, err := loadInstalled(ctx, m.state)
	if err != nil {
		return fmt.Errorf("load installed update id: %w", err)
	}
	if id != nil {
		m.workflow.SetInstalled(*id)
		log.Info("Installed update restored", "updateID", id.String())
	}
	return nil
}

func (m *Manager) Routes() map[core.EventType]core.HandlerFunc {
	return map[core.EventType]core.HandlerFunc{
		core.EventDesiredPatch: m.HandlePatch,
	}
}

// Run sends the startup report and waits for running deployments on shutdown.
func (m *Manager) Run(ctx context.Context) error {
	m.report(ctx)
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

// HandlePatch processes one desired-properties patch.
func (m *Manager) HandlePatch(ctx context.Context, payload []byte) error {
	patch, err := adu.ParsePropertyPatch(payload)
	switch {
	case err != nil && patch == nil:
		// Without $version there is nothing to acknowledge.
		return err
	case err != nil:
		log.FromContext(ctx).Warn("Update request rejected", "reason", err.Error(), "version", patch.Version)
		metrics.ManifestRequestsTotal.WithLabelValues("rejected").Inc()
		m.ack(ctx, adu.StatusRejected, patch.Version)
		m.report(ctx)
		return nil
	case patch.Service == nil:
		return nil
	}

	logger := log.FromContext(ctx).WithValues("workflowID", patch.Service.Workflow.ID, "action", patch.Service.Workflow.Action.String())
	decision, err := m.workflow.Handle(ctx, patch.Service)
	metrics.ManifestRequestsTotal.WithLabelValues(decisionLabel(decision)).Inc()
	if err != nil {
		logger.Warn("Update request rejected", "reason", err.Error())
	} else {
		logger.Info("Update request handled", "status", decision.Status, "duplicate", decision.Duplicate, "cancelled", decision.Cancelled)
	}

	m.ack(ctx, decision.Status, patch.Version)
	m.report(ctx)

	if decision.Deployment != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deploy(m.ctx, decision.Deployment)
		}()
	}
	return nil
}

func (m *Manager) ack(ctx context.Context, status int, version int64) {
	m.reportMu.Lock()
	defer m.reportMu.Unlock()
	if err := m.sender.Send(ctx, core.EventReported, adu.ServiceAck(status, version)); err != nil {
		log.Error(err, "Failed to acknowledge update request", "version", version)
	}
}

func (m *Manager) report(ctx context.Context) {
	m.reportMu.Lock()
	defer m.reportMu.Unlock()

	s := m.workflow.Snapshot()
	metrics.AgentState.Set(float64(s.State))
	if err := m.sender.Send(ctx, core.EventReported, adu.AgentStateReport(s)); err != nil {
		log.Error(err, "Failed to report agent state", "state", s.State.String())
	}
}

func decisionLabel(d adu.Decision) string {
	switch {
	case d.Status != adu.StatusAccepted:
		return "rejected"
	case d.Duplicate:
		return "duplicate"
	case d.Cancelled:
		return "cancelled"
	default:
		return "accepted"
	}
}

func loadInstalled(ctx context.Context, ns kvstore.Namespace) (*adu.UpdateID, error) {
	if ns == nil {
		return nil, nil
	}
	raw, err := ns.Get(ctx, keyInstalled)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var id adu.UpdateID
	if err := msgpack.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func saveInstalled(ctx context.Context, ns kvstore.Namespace, id adu.UpdateID) error {
	if ns == nil {
		return nil
	}
	raw, err := msgpack.Marshal(&id)
	if err != nil {
		return err
	}
	if err := ns.Set(ctx, keyInstalled, raw); err != nil {
		_ = ns.Discard(ctx)
		return err
	}
	if err := ns.Commit(ctx); err != nil {
		_ = ns.Discard(ctx)
		return err
	}
	return nil
}
