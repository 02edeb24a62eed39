// Package recovery implements the CA recovery module of the agent.
//
// The agent asks for a recovery envelope when it has no trust bundle and
// persists the bundle of a verified response. A response that fails any check
// is logged and dropped; the stored bundle is never touched in that case.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/carecovery"
	"github.com/autopeer-io/trustagent/internal/pkg/metrics"
	"github.com/autopeer-io/trustagent/internal/pkg/signature"
	"github.com/autopeer-io/trustagent/internal/truststore"
	"github.com/autopeer-io/trustagent/pkg/log"
)

var ErrNoRecoveryKey = errors.New("recovery: no recovery key configured")

const (
	resultAccepted  = "accepted"
	resultUnchanged = "unchanged"
	resultRejected  = "rejected"
)

type Config struct {
	Store *truststore.Store

	// Key verifies envelopes. A nil Key rejects every response.
	Key *signature.PublicKey

	RequestOnStart bool
	Retry          time.Duration
	Restart        bool
	Clock          clock.WithTicker
}

type Manager struct {
	store   *truststore.Store
	key     *signature.PublicKey
	onStart bool
	retry   time.Duration
	restart bool
	clock   clock.WithTicker

	hal    core.HAL
	sender core.Sender

	// mu guards scratch and pending.
	mu      sync.Mutex
	scratch []byte
	pending bool
}

var (
	_ core.Module = (*Manager)(nil)
	_ core.Runner = (*Manager)(nil)
)

func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:   cfg.Store,
		key:     cfg.Key,
		onStart: cfg.RequestOnStart,
		retry:   cfg.Retry,
		restart: cfg.Restart,
		clock:   cfg.Clock,
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.key != nil {
		m.scratch = make([]byte, signature.ScratchSize(*m.key))
	}
	return m
}

func (m *Manager) Name() string {
	return "CARecovery"
}

func (m *Manager) Setup(ctx context.Context, hal core.HAL, sender core.Sender) error {
	m.hal = hal
	m.sender = sender

	v, err := m.store.ReadVersion(ctx)
	if err != nil {
		return fmt.Errorf("read trust bundle version: %w", err)
	}
	metrics.TrustBundleVersion.Set(float64(v))
	log.Info("Trust bundle loaded", "version", truststore.FormatVersion(v))
	return nil
}

func (m *Manager) Routes() map[core.EventType]core.HandlerFunc {
	return map[core.EventType]core.HandlerFunc{
		core.EventRecoveryResponse: m.HandleResponse,
	}
}

// Run requests a bundle on start when none is stored and re-sends the request
// every retry interval until a response is accepted.
func (m *Manager) Run(ctx context.Context) error {
	if m.onStart {
		empty, err := m.empty(ctx)
		if err != nil {
			log.Error(err, "Failed to read trust bundle version")
		} else if empty {
			if err := m.Request(ctx); err != nil {
				log.Error(err, "Failed to request CA recovery")
			}
		}
	}

	if m.retry <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := m.clock.NewTicker(m.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if !m.isPending() {
				continue
			}
			log.Info("Recovery request unanswered, sending again")
			if err := m.Request(ctx); err != nil {
				log.Error(err, "Failed to request CA recovery")
			}
		}
	}
}

// Request publishes a recovery request carrying the stored version.
func (m *Manager) Request(ctx context.Context) error {
	v, err := m.store.ReadVersion(ctx)
	if err != nil {
		return err
	}

	stream := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowStream(nil)
	defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnStream(stream)
	stream.WriteObjectStart()
	stream.WriteObjectField("deviceId")
	stream.WriteString(m.hal.DeviceID())
	stream.WriteMore()
	stream.WriteObjectField("currentVersion")
	stream.WriteString(truststore.FormatVersion(v))
	stream.WriteObjectEnd()
	payload := append([]byte(nil), stream.Buffer()...)

	m.mu.Lock()
	m.pending = true
	m.mu.Unlock()

	return m.sender.Send(ctx, core.EventRecoveryRequest, payload)
}

// HandleResponse processes one recovery envelope. It reports errors only for
// failures of the agent itself, never for a bad envelope.
func (m *Manager) HandleResponse(ctx context.Context, payload []byte) error {
	logger := log.FromContext(ctx)
	written, err := m.apply(ctx, payload)
	switch {
	case err != nil:
		metrics.RecoveryPayloadsTotal.WithLabelValues(resultRejected).Inc()
		logger.Warn("Recovery payload rejected", "reason", err.Error(), "size", len(payload))
		return nil
	case !written:
		metrics.RecoveryPayloadsTotal.WithLabelValues(resultUnchanged).Inc()
		m.setPending(false)
		return nil
	}

	metrics.RecoveryPayloadsTotal.WithLabelValues(resultAccepted).Inc()
	m.setPending(false)

	if m.restart {
		logger.Info("Restarting to apply the new trust bundle")
		if err := m.hal.Reboot(); err != nil {
			return fmt.Errorf("restart after recovery: %w", err)
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, payload []byte) (bool, error) {
	res, err := carecovery.Parse(payload)
	if err != nil {
		return false, err
	}

	version, err := truststore.ParseVersion(res.Bundle.Version)
	if err != nil {
		return false, err
	}
	current, err := m.store.ReadVersion(ctx)
	if err != nil {
		return false, err
	}
	if version <= current {
		log.Info("Recovery payload is not newer than the stored bundle", "version", res.Bundle.Version, "stored", truststore.FormatVersion(current))
		return false, nil
	}

	if err := m.verify(res); err != nil {
		log.Debug("Recovery signature not verified", log.KeySignature, res.Signature, log.KeyCertificates, res.Bundle.Certificates)
		return false, err
	}
	if _, err := truststore.ParseCertificates(res.Bundle.Certificates); err != nil {
		return false, err
	}

	written, err := m.store.WriteBundle(ctx, res.Bundle.Certificates, version)
	if err != nil {
		return false, err
	}
	if written {
		metrics.TrustBundleVersion.Set(float64(version))
		log.Info("Trust bundle updated", "version", res.Bundle.Version, "expiry", res.Bundle.ExpiryTime, "host", res.Hostname)
	}
	return written, nil
}

func (m *Manager) verify(res *carecovery.Result) error {
	if m.key == nil {
		return ErrNoRecoveryKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.clock.Now()
	err := res.Verify(*m.key, m.scratch)
	metrics.SignatureVerifyDuration.WithLabelValues("recovery").Observe(m.clock.Since(start).Seconds())
	return err
}

func (m *Manager) empty(ctx context.Context) (bool, error) {
	v, err := m.store.ReadVersion(ctx)
	return v == 0, err
}

func (m *Manager) isPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *Manager) setPending(p bool) {
	m.mu.Lock()
	m.pending = p
	m.mu.Unlock()
}
