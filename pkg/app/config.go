package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/trustagent/pkg/log"
)

const configFlagName = "config"

var cfgFile string

// addConfigFlag registers --config and loads the file before the command runs.
// Environment variables prefixed with the upper-cased app name override it,
// e.g. DU_AGENT_MQTT_BROKER for --mqtt.broker.
func addConfigFlag(name string, fs *pflag.FlagSet) {
	fs.StringVarP(&cfgFile, configFlagName, "c", cfgFile, "Read configuration from the specified file, support JSON, TOML, YAML, HCL, or Java properties formats.")

	viper.AutomaticEnv()
	viper.SetEnvPrefix(strings.ReplaceAll(strings.ToUpper(name), "-", "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(".")
			if home, err := os.UserHomeDir(); err == nil {
				viper.AddConfigPath(filepath.Join(home, ".trustagent"))
			}
			viper.AddConfigPath("/etc/trustagent")
			viper.SetConfigName(name)
		}

		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				_, _ = fmt.Fprintf(os.Stderr, "Error: failed to read configuration file(%s): %v\n", cfgFile, err)
				os.Exit(1)
			}
		}
	})
}

// watchConfig logs every change of the loaded config file. Options are not
// reloaded; a restart applies them.
func watchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Config file changed, restart to apply", "name", e.Name, "op", e.Op.String())
	})
	viper.WatchConfig()
}
