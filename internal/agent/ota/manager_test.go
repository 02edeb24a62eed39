package ota

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/internal/adu/adutest"
	"github.com/autopeer-io/trustagent/internal/agent/core"
	"github.com/autopeer-io/trustagent/internal/agent/download"
	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
)

type sent struct {
	event   core.EventType
	payload string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSender) Send(_ context.Context, event core.EventType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{event, string(payload)})
	return nil
}

func (s *fakeSender) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.payload)
	}
	return out
}

type installCall struct {
	Handler  string
	Files    int
	Criteria string
}

type fakeHAL struct {
	mu      sync.Mutex
	calls   []installCall
	err     error
	started chan struct{}
	release chan struct{}
}

func (h *fakeHAL) DeviceID() string     { return "dev-1" }
func (h *fakeHAL) Manufacturer() string { return adutest.Manufacturer }
func (h *fakeHAL) Model() string        { return adutest.Model }
func (h *fakeHAL) Reboot() error        { return nil }

func (h *fakeHAL) InstallStep(ctx context.Context, handler string, files []string, criteria string) error {
	if h.started != nil {
		close(h.started)
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, installCall{handler, len(files), criteria})
	return h.err
}

type fixture struct {
	manager  *Manager
	workflow *adu.Workflow
	store    *kvstore.Memory
	sender   *fakeSender
	hal      *fakeHAL
	url      string
}

func newFixture(t *testing.T, content []byte) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)

	verifier := adu.NewManifestVerifier(adutest.Roots(t, "root-kid", "root"))
	clk := clocktesting.NewFakePassiveClock(time.Unix(0, 0))
	workflow := adu.NewWorkflow(adutest.Device(), TimedChecker{Checker: verifier, Clock: clk}, logr.Discard())

	store := kvstore.NewMemory()
	ns, err := store.Open(context.Background(), Namespace)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		workflow: workflow,
		store:    store,
		sender:   &fakeSender{},
		hal:      &fakeHAL{},
		url:      srv.URL + "/install.sh",
	}
	f.manager = NewManager(Config{
		Workflow:       workflow,
		Fetcher:        download.NewHTTPFetcher(srv.Client()),
		State:          ns,
		WorkDir:        t.TempDir(),
		InstallTimeout: time.Minute,
	})
	return f
}

func (f *fixture) setup(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := f.manager.Setup(ctx, f.hal, f.sender); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}

func (f *fixture) patch(t *testing.T, version int64, id string, manifest []byte) []byte {
	t.Helper()
	jws := adutest.SignManifest(t, "root", "root-kid", "signer", manifest)
	svc := adutest.Service(t, adu.ActionApplyDeployment, id, manifest, jws, map[string]string{"f1": f.url})
	return adutest.Patch(t, version, svc)
}

func TestManagerDeploys(t *testing.T) {
	ctx := context.Background()
	content := []byte("echo hi\n")
	f := newFixture(t, content)
	f.setup(t, ctx)

	if err := f.manager.HandlePatch(ctx, f.patch(t, 5, "wf-1", adutest.Manifest(t, "1.1", content))); err != nil {
		t.Fatalf("HandlePatch: %v", err)
	}
	f.manager.wg.Wait()

	if diff := cmp.Diff([]installCall{{"microsoft/script:1", 1, "1.1"}}, f.hal.calls); diff != "" {
		t.Errorf("install calls mismatch (-want +got):\n%s", diff)
	}

	s := f.workflow.Snapshot()
	if s.State != adu.StateIdle || s.Installed == nil || s.Installed.Version != "1.1" {
		t.Errorf("snapshot = %+v, want idle with 1.1 installed", s)
	}

	payloads := f.sender.payloads()
	if len(payloads) < 3 {
		t.Fatalf("sent %d payloads, want ack and reports", len(payloads))
	}
	if want := string(adu.ServiceAck(adu.StatusAccepted, 5)); payloads[0] != want {
		t.Errorf("first payload = %s, want ack %s", payloads[0], want)
	}
	if want := string(f.workflow.Report()); payloads[len(payloads)-1] != want {
		t.Errorf("last payload = %s, want final report %s", payloads[len(payloads)-1], want)
	}

	// The installed id survives a restart.
	ns, _ := f.store.Open(ctx, Namespace)
	raw, err := ns.Get(ctx, keyInstalled)
	if err != nil {
		t.Fatalf("installed id not persisted: %v", err)
	}
	var id adu.UpdateID
	if err := msgpack.Unmarshal(raw, &id); err != nil {
		t.Fatal(err)
	}
	if id.Version != "1.1" {
		t.Errorf("persisted version = %q", id.Version)
	}
}

func TestManagerRestoresInstalled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ns, _ := f.store.Open(ctx, Namespace)
	if err := saveInstalled(ctx, ns, adu.UpdateID{Provider: "Contoso", Name: "FooBar", Version: "0.9"}); err != nil {
		t.Fatal(err)
	}
	f.setup(t, ctx)

	if got := f.workflow.Snapshot().Installed; got == nil || got.Version != "0.9" {
		t.Errorf("Installed = %+v, want 0.9", got)
	}
}

func TestManagerDeployFailures(t *testing.T) {
	tests := []struct {
		name     string
		served   []byte
		declared []byte
		halErr   error
		wantCode int32
	}{
		{name: "tampered download", served: []byte("evil"), declared: []byte("good"), wantCode: ExtendedDownloadFailed},
		{name: "install step fails", served: []byte("good"), declared: []byte("good"), halErr: errors.New("exit 1"), wantCode: ExtendedInstallFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.served)
			f.hal.err = tt.halErr
			f.setup(t, ctx)

			if err := f.manager.HandlePatch(ctx, f.patch(t, 1, "wf-1", adutest.Manifest(t, "2.0", tt.declared))); err != nil {
				t.Fatalf("HandlePatch: %v", err)
			}
			f.manager.wg.Wait()

			s := f.workflow.Snapshot()
			if s.State != adu.StateFailed {
				t.Fatalf("State = %v, want Failed", s.State)
			}
			if s.LastInstallResult == nil || s.LastInstallResult.ExtendedResultCode != tt.wantCode {
				t.Errorf("LastInstallResult = %+v, want extended code %#x", s.LastInstallResult, tt.wantCode)
			}
			if s.Installed != nil {
				t.Errorf("Installed = %+v after a failure", s.Installed)
			}
		})
	}
}

func TestManagerWorkflowIDDoesNotNameDownloadDir(t *testing.T) {
	for _, id := range []string{"..", ".", "../..", "wf/../../x"} {
		t.Run(id, func(t *testing.T) {
			ctx := context.Background()
			content := []byte("echo hi\n")
			f := newFixture(t, content)

			root := t.TempDir()
			keep := filepath.Join(root, "trusted-ca")
			if err := os.WriteFile(keep, []byte("bundle"), 0o600); err != nil {
				t.Fatal(err)
			}
			f.manager.workDir = filepath.Join(root, "downloads")
			f.setup(t, ctx)

			if err := f.manager.HandlePatch(ctx, f.patch(t, 1, id, adutest.Manifest(t, "1.1", content))); err != nil {
				t.Fatalf("HandlePatch: %v", err)
			}
			f.manager.wg.Wait()

			if _, err := os.Stat(keep); err != nil {
				t.Fatalf("file next to the work dir is gone: %v", err)
			}
			entries, err := os.ReadDir(f.manager.workDir)
			if err != nil || len(entries) != 0 {
				t.Errorf("work dir after deployment = %v, %v; want empty", entries, err)
			}
			if got := f.workflow.Snapshot(); got.Installed == nil || got.Installed.Version != "1.1" {
				t.Errorf("snapshot = %+v, want 1.1 installed", got)
			}
		})
	}
}

func TestManagerRejectedRequestIsAcked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setup(t, ctx)

	manifest := adutest.Manifest(t, "1.1", []byte("x"))
	svc := adutest.Service(t, adu.ActionApplyDeployment, "wf-1", manifest, "a.b.c", map[string]string{"f1": f.url})
	if err := f.manager.HandlePatch(ctx, adutest.Patch(t, 9, svc)); err != nil {
		t.Fatalf("HandlePatch: %v", err)
	}
	f.manager.wg.Wait()

	payloads := f.sender.payloads()
	if len(payloads) == 0 || payloads[0] != string(adu.ServiceAck(adu.StatusRejected, 9)) {
		t.Errorf("payloads = %v, want a 406 ack first", payloads)
	}
	if len(f.hal.calls) != 0 {
		t.Errorf("rejected request reached the installer")
	}
}

func TestManagerMalformedServiceIsAcked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setup(t, ctx)

	urls := make([]string, adu.MaxFileURLs+1)
	for i := range urls {
		urls[i] = fmt.Sprintf(`"f%d":"%s"`, i, f.url)
	}
	doc := `{"deviceUpdate":{"__t":"c","service":{"workflow":{"action":3,"id":"wf-1"},"fileUrls":{` +
		strings.Join(urls, ",") + `}}},"$version":11}`

	if err := f.manager.HandlePatch(ctx, []byte(doc)); err != nil {
		t.Fatalf("HandlePatch: %v", err)
	}

	payloads := f.sender.payloads()
	if len(payloads) != 2 {
		t.Fatalf("sent %v, want an ack and a report", payloads)
	}
	if want := string(adu.ServiceAck(adu.StatusRejected, 11)); payloads[0] != want {
		t.Errorf("ack = %s, want %s", payloads[0], want)
	}
	if s := f.workflow.Snapshot(); s.State != adu.StateIdle {
		t.Errorf("State = %v, want Idle", s.State)
	}
}

func TestManagerCancelDuringInstall(t *testing.T) {
	ctx := context.Background()
	content := []byte("payload")
	f := newFixture(t, content)
	f.hal.started = make(chan struct{})
	f.hal.release = make(chan struct{})
	f.setup(t, ctx)

	if err := f.manager.HandlePatch(ctx, f.patch(t, 1, "wf-1", adutest.Manifest(t, "3.0", content))); err != nil {
		t.Fatalf("HandlePatch: %v", err)
	}
	<-f.hal.started

	cancel := adutest.Service(t, adu.ActionCancel, "wf-1", nil, "", nil)
	if err := f.manager.HandlePatch(ctx, adutest.Patch(t, 2, cancel)); err != nil {
		t.Fatalf("HandlePatch cancel: %v", err)
	}
	close(f.hal.release)
	f.manager.wg.Wait()

	s := f.workflow.Snapshot()
	if s.State != adu.StateIdle || s.Installed != nil || s.LastInstallResult != nil {
		t.Errorf("snapshot after cancel = %+v, want idle and untouched", s)
	}
}

func TestManagerIgnoresPatchWithoutService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setup(t, ctx)

	if err := f.manager.HandlePatch(ctx, []byte(`{"$version":4}`)); err != nil {
		t.Fatalf("HandlePatch: %v", err)
	}
	if got := f.sender.payloads(); len(got) != 0 {
		t.Errorf("sent %v for a patch without service", got)
	}
	if err := f.manager.HandlePatch(ctx, []byte(`{"deviceUpdate":`)); err == nil {
		t.Errorf("HandlePatch accepted a truncated document")
	}
}

func TestManagerRunReportsOnStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.setup(t, ctx)

	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(f.sender.payloads()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := f.sender.payloads()
	if len(got) != 1 || !strings.Contains(got[0], `"state":0`) {
		t.Errorf("startup payloads = %v, want one idle report", got)
	}
}
