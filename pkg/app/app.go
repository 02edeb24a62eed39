package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"
	"k8s.io/component-base/version/verflag"
)

// RunFunc is the application body, called after options are loaded and validated.
type RunFunc func() error

// NamedFlagSetOptions is implemented by the options struct of every binary.
type NamedFlagSetOptions interface {
	// Flags returns the option flags grouped by section.
	Flags() cliflag.NamedFlagSets

	// Complete fills defaults that depend on other options.
	Complete() error

	// Validate checks the completed options.
	Validate() error
}

// App is a cobra command with config-file and flag handling.
type App struct {
	name        string
	shortDesc   string
	description string
	run         RunFunc
	options     NamedFlagSetOptions
	args        cobra.PositionalArgs
	noConfig    bool
	watch       bool
	cmd         *cobra.Command
}

// Option configures an App.
type Option func(*App)

// WithOptions sets the options struct flags and config are loaded into.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) {
		a.options = opts
	}
}

// WithRunFunc sets the application body.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) {
		a.run = run
	}
}

// WithDescription sets the long description.
func WithDescription(desc string) Option {
	return func(a *App) {
		a.description = desc
	}
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) {
		a.noConfig = true
	}
}

// WithWatchConfig logs changes to the config file while running.
func WithWatchConfig() Option {
	return func(a *App) {
		a.watch = true
	}
}

// NewApp builds the cobra command for name.
func NewApp(name string, shortDesc string, opts ...Option) *App {
	a := &App{name: name, shortDesc: shortDesc}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

// Command returns the underlying cobra command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the command and exits non-zero on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
	}
	if !a.noConfig {
		addConfigFlag(a.name, fss.FlagSet("global"))
	}
	verflag.AddFlags(fss.FlagSet("global"))
	fss.FlagSet("global").BoolP("help", "h", false, fmt.Sprintf("help for %s", a.name))

	for _, f := range fss.FlagSets {
		cmd.Flags().AddFlagSet(f)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, fss, cols)

	if a.run != nil {
		cmd.RunE = a.runCommand
	}
	a.cmd = cmd
}

func (a *App) runCommand(cmd *cobra.Command, args []string) error {
	verflag.PrintAndExitIfRequested()

	if a.options != nil {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := viper.Unmarshal(a.options); err != nil {
			return fmt.Errorf("failed to load options: %w", err)
		}
		if err := a.options.Complete(); err != nil {
			return err
		}
		if err := a.options.Validate(); err != nil {
			return err
		}
	}

	if a.watch && !a.noConfig {
		watchConfig()
	}

	return a.run()
}
