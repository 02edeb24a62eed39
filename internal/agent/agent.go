package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/agent/hub"
	"github.com/autopeer-io/trustagent/internal/agent/status"
	"github.com/autopeer-io/trustagent/pkg/log"
)

type Agent struct {
	hal     core.HAL
	hub     *hub.Hub
	status  *status.Server
	modules []core.Module
}

func NewAgent(hal core.HAL, hub *hub.Hub, status *status.Server, modules ...core.Module) *Agent {
	return &Agent{
		hal:     hal,
		hub:     hub,
		status:  status,
		modules: modules,
	}
}

func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting du-agent", "deviceID", a.hal.DeviceID(), "manufacturer", a.hal.Manufacturer(), "model", a.hal.Model())

	for _, m := range a.modules {
		if err := m.Setup(ctx, a.hal, a.hub); err != nil {
			return fmt.Errorf("module %s setup failed: %w", m.Name(), err)
		}

		for event, handler := range m.Routes() {
			if err := a.hub.Register(event, handler); err != nil {
				return fmt.Errorf("module %s register event %s failed: %w", m.Name(), event, err)
			}
		}
	}

	if err := a.hub.Start(ctx); err != nil {
		return err
	}
	defer a.hub.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if a.status != nil {
		g.Go(func() error { return a.status.Run(gctx) })
	}
	for _, m := range a.modules {
		if r, ok := m.(core.Runner); ok {
			g.Go(func() error { return r.Run(gctx) })
		}
	}

	err := g.Wait()
	log.Info("Agent shutting down...")
	return err
}
