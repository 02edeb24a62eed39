package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*TrustOptions)(nil)

// TrustOptions configures the trust anchors and CA recovery.
type TrustOptions struct {
	// AnchorsFile is the YAML file with the recovery and update root keys.
	AnchorsFile string `json:"anchors-file" mapstructure:"anchors-file"`

	// RecoveryOnStart requests a recovery envelope at startup when no
	// trust bundle is stored.
	RecoveryOnStart bool `json:"recovery-on-start" mapstructure:"recovery-on-start"`

	// RecoveryRetry re-sends an unanswered recovery request. 0 disables retries.
	RecoveryRetry time.Duration `json:"recovery-retry" mapstructure:"recovery-retry"`

	// RestartOnRecovery asks the HAL to restart after a new bundle is stored.
	RestartOnRecovery bool `json:"restart-on-recovery" mapstructure:"restart-on-recovery"`
}

func NewTrustOptions() *TrustOptions {
	return &TrustOptions{
		AnchorsFile:       "/etc/trustagent/anchors.yaml",
		RecoveryOnStart:   true,
		RecoveryRetry:     5 * time.Minute,
		RestartOnRecovery: true,
	}
}

func (o *TrustOptions) Validate() []error {
	errs := []error{}

	if o.AnchorsFile == "" {
		errs = append(errs, errors.New("--trust.anchors-file is required"))
	}
	if o.RecoveryRetry < 0 {
		errs = append(errs, errors.New("--trust.recovery-retry must not be negative"))
	}

	return errs
}

func (o *TrustOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.AnchorsFile, "trust.anchors-file", o.AnchorsFile, "YAML file with the recovery and update root keys.")
	fs.BoolVar(&o.RecoveryOnStart, "trust.recovery-on-start", o.RecoveryOnStart, "Request a CA recovery envelope at startup when no trust bundle is stored.")
	fs.DurationVar(&o.RecoveryRetry, "trust.recovery-retry", o.RecoveryRetry, "Interval for re-sending an unanswered recovery request (0 disables).")
	fs.BoolVar(&o.RestartOnRecovery, "trust.restart-on-recovery", o.RestartOnRecovery, "Restart the device after a new trust bundle is stored.")
}
