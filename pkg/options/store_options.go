package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

const (
	StoreBackendFile   = "file"
	StoreBackendMemory = "memory"
)

// StoreOptions selects the persistent namespace store.
type StoreOptions struct {
	// Backend is "file" or "memory". The memory backend loses everything on
	// exit and is meant for development.
	Backend string `json:"backend" mapstructure:"backend"`

	// DataDir holds one file per namespace for the file backend.
	DataDir string `json:"data-dir" mapstructure:"data-dir"`
}

func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Backend: StoreBackendFile,
		DataDir: "/var/lib/trustagent",
	}
}

func (o *StoreOptions) Validate() []error {
	errs := []error{}

	switch o.Backend {
	case StoreBackendFile:
		if o.DataDir == "" {
			errs = append(errs, fmt.Errorf("--store.data-dir is required for the %s backend", o.Backend))
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("--store.backend must be %q or %q, got %q", StoreBackendFile, StoreBackendMemory, o.Backend))
	}

	return errs
}

func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, "store.backend", o.Backend, "Persistent store backend: file or memory.")
	fs.StringVar(&o.DataDir, "store.data-dir", o.DataDir, "Directory holding the persistent namespaces.")
}
