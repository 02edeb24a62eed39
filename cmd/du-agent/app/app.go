package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/trustagent/cmd/du-agent/app/options"
	"github.com/autopeer-io/trustagent/pkg/app"
	"github.com/autopeer-io/trustagent/pkg/log"
)

const (
	commandName = "du-agent"
	commandDesc = `The Device Update agent runs on the device. It accepts signed update
manifests from the service, downloads and installs them, reports the agent
state and keeps the device's trusted CA bundle current through CA recovery.`
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	application := app.NewApp(
		commandName,
		"Launch the Device Update agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync() //nolint:errcheck

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent(ctx)
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
