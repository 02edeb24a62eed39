package agent

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/agent/download"
	"github.com/autopeer-io/trustagent/internal/agent/hal"
	"github.com/autopeer-io/trustagent/internal/agent/hub"
	"github.com/autopeer-io/trustagent/internal/agent/ota"
	"github.com/autopeer-io/trustagent/internal/agent/recovery"
	"github.com/autopeer-io/trustagent/internal/agent/status"
	"github.com/autopeer-io/trustagent/internal/pkg/anchors"
	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
	"github.com/autopeer-io/trustagent/internal/pkg/metrics"
	"github.com/autopeer-io/trustagent/internal/truststore"
	"github.com/autopeer-io/trustagent/pkg/log"
	"github.com/autopeer-io/trustagent/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/trustagent/pkg/mqtt/topic"
	"github.com/autopeer-io/trustagent/pkg/options"
)

type Config struct {
	MqttOptions   *options.MqttOptions
	HttpOptions   *options.HttpOptions
	S3Options     *options.S3Options
	StoreOptions  *options.StoreOptions
	DeviceOptions *options.DeviceOptions
	TrustOptions  *options.TrustOptions
}

func (cfg *Config) NewAgent(ctx context.Context) (*Agent, error) {
	device := cfg.newHAL()
	did := device.DeviceID()
	if did == "" {
		return nil, fmt.Errorf("FATAL: unable to retrieve DeviceID from HAL")
	}

	opener, err := cfg.newOpener()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	store, err := truststore.Open(ctx, opener)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}
	roots, err := anchors.Load(cfg.TrustOptions.AnchorsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}

	pool, err := cfg.rootCAs(ctx, store)
	if err != nil {
		return nil, err
	}

	mqttClient, topicBuilder, err := cfg.initMqttClientAndTopicBuilder(did, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to init mqtt client: %w", err)
	}
	h := hub.New(did, mqttClient, topicBuilder, cfg.MqttOptions.QoS)

	workflow := adu.NewWorkflow(adu.DeviceProperties{
		Manufacturer: device.Manufacturer(),
		Model:        device.Model(),
		ADUVersion:   cfg.DeviceOptions.ADUVersion,
	}, ota.TimedChecker{Checker: adu.NewManifestVerifier(roots), Clock: clock.RealClock{}}, log.Std().Logr().WithName("adu"))

	fetcher, err := download.NewFetcher(cfg.S3Options, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create downloader: %w", err)
	}
	aduState, err := opener.Open(ctx, ota.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s namespace: %w", ota.Namespace, err)
	}

	recoveryCfg := recovery.Config{
		Store:          store,
		RequestOnStart: cfg.TrustOptions.RecoveryOnStart,
		Retry:          cfg.TrustOptions.RecoveryRetry,
		Restart:        cfg.TrustOptions.RestartOnRecovery,
	}
	if roots.Recovery != nil {
		recoveryCfg.Key = &roots.Recovery.Key
	} else {
		log.Warn("No recovery key configured, CA recovery payloads will be rejected")
	}

	var statusServer *status.Server
	if cfg.HttpOptions.Addr != "" {
		statusServer = status.NewServer(cfg.HttpOptions, h, workflow)
	}

	return NewAgent(
		device,
		h,
		statusServer,
		ota.NewManager(ota.Config{
			Workflow:       workflow,
			Fetcher:        fetcher,
			State:          aduState,
			WorkDir:        cfg.DeviceOptions.WorkDir,
			InstallTimeout: cfg.DeviceOptions.InstallTimeout,
		}),
		recovery.NewManager(recoveryCfg),
	), nil
}

func (cfg *Config) newHAL() core.HAL {
	d := cfg.DeviceOptions
	base := hal.NewHAL()
	if d.ID == "" && d.Manufacturer == "" && d.Model == "" {
		return base
	}
	return &deviceHAL{HAL: base, id: d.ID, manufacturer: d.Manufacturer, model: d.Model}
}

func (cfg *Config) newOpener() (kvstore.Opener, error) {
	switch cfg.StoreOptions.Backend {
	case options.StoreBackendMemory:
		log.Warn("Using the in-memory store, trust bundles will not survive a restart")
		return kvstore.NewMemory(), nil
	default:
		return kvstore.NewFileStore(cfg.StoreOptions.DataDir)
	}
}

// rootCAs prefers the stored trust bundle over the configured CA file.
func (cfg *Config) rootCAs(ctx context.Context, store *truststore.Store) (*x509.CertPool, error) {
	v, err := store.ReadVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust bundle version: %w", err)
	}
	if v > 0 {
		pool, err := store.CertPool(ctx)
		if err == nil {
			log.Info("Using the stored trust bundle as TLS roots", "version", truststore.FormatVersion(v))
			return pool, nil
		}
		if !errors.Is(err, truststore.ErrInconsistent) {
			return nil, err
		}
		log.Error(err, "Stored trust bundle is damaged, falling back to the CA file")
	}

	if cfg.MqttOptions.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.MqttOptions.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", cfg.MqttOptions.CAFile)
	}
	return pool, nil
}

func (cfg *Config) initMqttClientAndTopicBuilder(did string, roots *x509.CertPool) (mqtt.Client, *mqtttopic.Builder, error) {
	topicBuilder := mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("du-agent-%s", did)
	}
	mqttConfig.RootCAs = roots

	// The broker publishes the offline status for us when the session drops.
	mqttConfig.WillTopic, mqttConfig.WillPayload = hub.WillMessage(topicBuilder, did)
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	mqttConfig.OnConnectionChange = func(up bool) {
		if up {
			metrics.BrokerConnectivityStatus.Set(1)
		} else {
			metrics.BrokerConnectivityStatus.Set(0)
		}
	}

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, nil, err
	}

	return mqttClient, topicBuilder, nil
}

// deviceHAL overrides the identity the HAL discovers.
type deviceHAL struct {
	core.HAL
	id, manufacturer, model string
}

func (h *deviceHAL) DeviceID() string {
	if h.id != "" {
		return h.id
	}
	return h.HAL.DeviceID()
}

func (h *deviceHAL) Manufacturer() string {
	if h.manufacturer != "" {
		return h.manufacturer
	}
	return h.HAL.Manufacturer()
}

func (h *deviceHAL) Model() string {
	if h.model != "" {
		return h.model
	}
	return h.HAL.Model()
}
