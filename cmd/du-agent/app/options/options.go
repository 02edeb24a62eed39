package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/trustagent/internal/agent"
	"github.com/autopeer-io/trustagent/pkg/app"
	"github.com/autopeer-io/trustagent/pkg/log"
	"github.com/autopeer-io/trustagent/pkg/options"
)

type AgentOptions struct {
	MqttOptions   *options.MqttOptions   `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions   *options.HttpOptions   `json:"http" mapstructure:"http"`
	S3Options     *options.S3Options     `json:"s3" mapstructure:"s3"`
	StoreOptions  *options.StoreOptions  `json:"store" mapstructure:"store"`
	DeviceOptions *options.DeviceOptions `json:"device" mapstructure:"device"`
	TrustOptions  *options.TrustOptions  `json:"trust" mapstructure:"trust"`
	Log           *log.Options           `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		MqttOptions:   options.NewMqttOptions(),
		HttpOptions:   options.NewHttpOptions(),
		S3Options:     options.NewS3Options(),
		StoreOptions:  options.NewStoreOptions(),
		DeviceOptions: options.NewDeviceOptions(),
		TrustOptions:  options.NewTrustOptions(),
		Log:           log.NewOptions(),
	}

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.HttpOptions.AddFlags(fss.FlagSet("status"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.StoreOptions.AddFlags(fss.FlagSet("store"))
	o.DeviceOptions.AddFlags(fss.FlagSet("device"))
	o.TrustOptions.AddFlags(fss.FlagSet("trust"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	return fss
}

func (o *AgentOptions) Complete() error {
	// 设备 ID 同时作为 MQTT client id
	if o.MqttOptions.ClientID == "" && o.DeviceOptions.ID != "" {
		o.MqttOptions.ClientID = "du-agent-" + o.DeviceOptions.ID
	}
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.StoreOptions.Validate()...)
	errs = append(errs, o.DeviceOptions.Validate()...)
	errs = append(errs, o.TrustOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) Config() (*agent.Config, error) {
	return &agent.Config{
		MqttOptions:   o.MqttOptions,
		HttpOptions:   o.HttpOptions,
		S3Options:     o.S3Options,
		StoreOptions:  o.StoreOptions,
		DeviceOptions: o.DeviceOptions,
		TrustOptions:  o.TrustOptions,
	}, nil
}
