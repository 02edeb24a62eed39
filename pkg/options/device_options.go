package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DeviceOptions)(nil)

// DeviceOptions describes the device this agent runs on. Empty identity fields
// are filled from the HAL.
type DeviceOptions struct {
	ID           string `json:"id" mapstructure:"id"`
	Manufacturer string `json:"manufacturer" mapstructure:"manufacturer"`
	Model        string `json:"model" mapstructure:"model"`

	// ADUVersion is reported as deviceProperties.aduVer.
	ADUVersion string `json:"adu-version" mapstructure:"adu-version"`

	// WorkDir receives downloaded update files.
	WorkDir string `json:"work-dir" mapstructure:"work-dir"`

	// InstallTimeout bounds download plus install of one deployment.
	InstallTimeout time.Duration `json:"install-timeout" mapstructure:"install-timeout"`
}

func NewDeviceOptions() *DeviceOptions {
	return &DeviceOptions{
		ADUVersion:     "DU;agent/0.8.0-rc1-public-preview",
		WorkDir:        "/var/lib/trustagent/downloads",
		InstallTimeout: 30 * time.Minute,
	}
}

func (o *DeviceOptions) Validate() []error {
	errs := []error{}

	if o.WorkDir == "" {
		errs = append(errs, errors.New("--device.work-dir is required"))
	}
	if o.InstallTimeout <= 0 {
		errs = append(errs, errors.New("--device.install-timeout must be positive"))
	}

	return errs
}

func (o *DeviceOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.ID, "device.id", o.ID, "Device identity used in topics and as MQTT client id (defaults to the HAL device id).")
	fs.StringVar(&o.Manufacturer, "device.manufacturer", o.Manufacturer, "Manufacturer matched against update compatibility (defaults to the HAL value).")
	fs.StringVar(&o.Model, "device.model", o.Model, "Model matched against update compatibility (defaults to the HAL value).")
	fs.StringVar(&o.ADUVersion, "device.adu-version", o.ADUVersion, "Agent version string reported as aduVer.")
	fs.StringVar(&o.WorkDir, "device.work-dir", o.WorkDir, "Directory receiving downloaded update files.")
	fs.DurationVar(&o.InstallTimeout, "device.install-timeout", o.InstallTimeout, "Upper bound for downloading and installing one deployment.")
}
