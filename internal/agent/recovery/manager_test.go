package recovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/pkg/metrics"
	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
	"github.com/autopeer-io/trustagent/internal/pkg/signature/testonly"
	"github.com/autopeer-io/trustagent/internal/truststore"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(_ context.Context, event core.EventType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, string(event)+" "+string(payload))
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeHAL struct {
	mu      sync.Mutex
	reboots int
}

func (h *fakeHAL) DeviceID() string     { return "dev-1" }
func (h *fakeHAL) Manufacturer() string { return "Contoso" }
func (h *fakeHAL) Model() string        { return "Simulator" }
func (h *fakeHAL) InstallStep(context.Context, string, []string, string) error {
	return nil
}

func (h *fakeHAL) Reboot() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reboots++
	return nil
}

// envelope builds a recovery envelope for version signed with key.
func envelope(t *testing.T, key, version string, certs []byte) []byte {
	t.Helper()
	doc, err := json.Marshal(map[string]string{
		"version":    version,
		"expiryTime": "12/9/2030 3:51:18 PM",
		"certs":      string(certs),
	})
	if err != nil {
		t.Fatal(err)
	}
	quoted, err := json.Marshal(string(doc))
	if err != nil {
		t.Fatal(err)
	}
	sig := base64.StdEncoding.EncodeToString(testonly.Sign(t, key, quoted[1:len(quoted)-1]))
	return []byte(`{"iotHubHostName":"hub.example.net","payload":{"signature":"` + sig + `","certTrustBundle":` + string(quoted) + `}}`)
}

type fixture struct {
	manager *Manager
	store   *truststore.Store
	kv      *kvstore.Memory
	sender  *fakeSender
	hal     *fakeHAL
	clock   *clocktesting.FakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	store, err := truststore.Open(context.Background(), kv)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:  store,
		kv:     kv,
		sender: &fakeSender{},
		hal:    &fakeHAL{},
		clock:  clocktesting.NewFakeClock(time.Unix(0, 0)),
	}
	key := testonly.Public(t, "recovery")
	cfg.Store = store
	cfg.Key = &key
	cfg.Clock = f.clock
	f.manager = NewManager(cfg)
	if err := f.manager.Setup(context.Background(), f.hal, f.sender); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return f
}

func TestHandleResponseAccepts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Restart: true})
	certs := testonly.CertificatePEM(t, "ca")

	if err := f.manager.HandleResponse(ctx, envelope(t, "recovery", "1.2", certs)); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}

	v, err := f.store.ReadVersion(ctx)
	if err != nil || v != 1_002_000 {
		t.Errorf("ReadVersion = %d, %v; want 1002000", v, err)
	}
	if f.hal.reboots != 1 {
		t.Errorf("reboots = %d, want 1", f.hal.reboots)
	}

	// Replaying the same envelope changes nothing.
	if err := f.manager.HandleResponse(ctx, envelope(t, "recovery", "1.2", certs)); err != nil {
		t.Fatalf("HandleResponse replay: %v", err)
	}
	if f.hal.reboots != 1 {
		t.Errorf("replay restarted the device")
	}
}

func TestHandleResponseRejects(t *testing.T) {
	certs := testonly.CertificatePEM(t, "ca")

	tests := []struct {
		name    string
		payload []byte
	}{
		{"wrong key", envelope(t, "impostor", "2.0", certs)},
		{"not pem", envelope(t, "recovery", "2.0", []byte("not a certificate"))},
		{"bad version", envelope(t, "recovery", "v2", certs)},
		{"garbage", []byte(`{"payload":`)},
		{"tampered bundle", []byte(strings.Replace(string(envelope(t, "recovery", "2.0", certs)), `2.0`, `3.0`, 1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Config{Restart: true})
			before := f.kv.Commits()
			rejected := testutil.ToFloat64(metrics.RecoveryPayloadsTotal.WithLabelValues(resultRejected))

			if err := f.manager.HandleResponse(ctx, tt.payload); err != nil {
				t.Fatalf("HandleResponse returned %v, want the rejection only logged", err)
			}
			if f.kv.Commits() != before {
				t.Errorf("store was written")
			}
			if got := testutil.ToFloat64(metrics.RecoveryPayloadsTotal.WithLabelValues(resultRejected)); got != rejected+1 {
				t.Errorf("%s count = %v, want %v", resultRejected, got, rejected+1)
			}
			if f.hal.reboots != 0 {
				t.Errorf("device restarted")
			}
		})
	}
}

// corruptSignature prepends a base64 block to the envelope signature.
func corruptSignature(payload []byte) []byte {
	return []byte(strings.Replace(string(payload), `"signature":"`, `"signature":"AAAA`, 1))
}

func TestHandleResponseNotNewer(t *testing.T) {
	stored := testonly.CertificatePEM(t, "ca-stored")
	offered := testonly.CertificatePEM(t, "ca-offered")

	tests := []struct {
		name    string
		payload []byte
	}{
		{"same version", envelope(t, "recovery", "2.0", offered)},
		{"same version wrong key", envelope(t, "impostor", "2.0", offered)},
		{"same version corrupted signature", corruptSignature(envelope(t, "recovery", "2.0", offered))},
		{"older version", envelope(t, "recovery", "1.9", offered)},
		{"older version wrong key", envelope(t, "impostor", "1.9", offered)},
		{"older version corrupted signature", corruptSignature(envelope(t, "recovery", "1.9", offered))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Config{Restart: true})
			if _, err := f.store.WriteBundle(ctx, stored, 2_000_000); err != nil {
				t.Fatal(err)
			}
			f.manager.setPending(true)

			commits := f.kv.Commits()
			unchanged := testutil.ToFloat64(metrics.RecoveryPayloadsTotal.WithLabelValues(resultUnchanged))
			rejected := testutil.ToFloat64(metrics.RecoveryPayloadsTotal.WithLabelValues(resultRejected))

			if err := f.manager.HandleResponse(ctx, tt.payload); err != nil {
				t.Fatalf("HandleResponse: %v", err)
			}

			if f.kv.Commits() != commits {
				t.Errorf("store was written")
			}
			buf := make([]byte, len(stored))
			if n, err := f.store.ReadBundle(ctx, buf); err != nil || string(buf[:n]) != string(stored) {
				t.Errorf("stored bundle changed: %v", err)
			}
			if v, _ := f.store.ReadVersion(ctx); v != 2_000_000 {
				t.Errorf("version = %d, want 2000000", v)
			}
			if got := testutil.ToFloat64(metrics.RecoveryPayloadsTotal.WithLabelValues(resultUnchanged)); got != unchanged+1 {
				t.Errorf("%s count = %v, want %v", resultUnchanged, got, unchanged+1)
			}
			if got := testutil.ToFloat64(metrics.RecoveryPayloadsTotal.WithLabelValues(resultRejected)); got != rejected {
				t.Errorf("%s count = %v, want %v", resultRejected, got, rejected)
			}
			if f.manager.isPending() {
				t.Errorf("request still pending after an answer")
			}
			if f.hal.reboots != 0 {
				t.Errorf("device restarted")
			}
		})
	}
}

func TestHandleResponseCommitFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.manager.setPending(true)
	payload := envelope(t, "recovery", "1.0", testonly.CertificatePEM(t, "ca"))

	f.kv.OnCommit = func(string) error { return errors.New("flash full") }
	if err := f.manager.HandleResponse(ctx, payload); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if v, _ := f.store.ReadVersion(ctx); v != 0 {
		t.Errorf("version after failed commit = %d, want 0", v)
	}
	if !f.manager.isPending() {
		t.Errorf("failed write cleared the pending request")
	}

	f.kv.OnCommit = nil
	if err := f.manager.HandleResponse(ctx, payload); err != nil {
		t.Fatalf("HandleResponse retry: %v", err)
	}
	if v, _ := f.store.ReadVersion(ctx); v != 1_000_000 {
		t.Errorf("version after retry = %d, want 1000000", v)
	}
	if f.manager.isPending() {
		t.Errorf("request still pending after the bundle was stored")
	}
}

func TestHandleResponseWithoutKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.manager.key = nil

	if err := f.manager.HandleResponse(ctx, envelope(t, "recovery", "1.0", testonly.CertificatePEM(t, "ca"))); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if v, _ := f.store.ReadVersion(ctx); v != 0 {
		t.Errorf("bundle stored without a recovery key")
	}
}

func TestRunRequestsUntilAnswered(t *testing.T) {
	f := newFixture(t, Config{RequestOnStart: true, Retry: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()

	waitFor(t, func() bool { return f.sender.count() == 1 && f.clock.HasWaiters() })
	if got := f.sender.sent[0]; got != `recovery.request {"deviceId":"dev-1","currentVersion":"0.0.0"}` {
		t.Errorf("request = %s", got)
	}

	f.clock.Step(time.Minute)
	waitFor(t, func() bool { return f.sender.count() == 2 })

	if err := f.manager.HandleResponse(ctx, envelope(t, "recovery", "1.0", testonly.CertificatePEM(t, "ca"))); err != nil {
		t.Fatal(err)
	}
	f.clock.Step(time.Minute)
	f.clock.Step(time.Minute)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.sender.count(); n != 2 {
		t.Errorf("sent %d requests, want 2", n)
	}
}

func TestRunSkipsRequestWithBundle(t *testing.T) {
	f := newFixture(t, Config{RequestOnStart: true})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.store.WriteBundle(ctx, testonly.CertificatePEM(t, "ca"), 1); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := f.manager.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.sender.count(); n != 0 {
		t.Errorf("sent %d requests with a stored bundle", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
