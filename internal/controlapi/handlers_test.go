package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/quentingllmt/hostsupervisor/internal/applyloop"
	"github.com/quentingllmt/hostsupervisor/internal/config"
	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/eventbus"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/internal/infra/locks"
)

type stubPlanner struct{}

func (stubPlanner) Plan(current, target *model.Target) ([]model.Step, error) { return nil, nil }

type stubSyncer struct{}

func (stubSyncer) Sync(ctx context.Context) error { return nil }

// testHarness wires a Server against in-memory fakes, mirroring
// cmd/supervisor/main.go's construction order.
type testHarness struct {
	server  *Server
	store   *fakeStateStore
	runtime *fakeRuntimeAdapter
	keys    *fakeKeyStore
	host    *fakeHostPrimitive
	lockDir string
}

func newHarness(t *testing.T, localMode bool) *testHarness {
	t.Helper()

	lockDir := t.TempDir()
	advisory := locks.NewManager(lockDir)
	store := newFakeStateStore()
	runtime := newFakeRuntimeAdapter()
	keys := newFakeKeyStore()
	host := &fakeHostPrimitive{}
	events := eventbus.New()

	exec := executor.New(runtime, store, advisory, events)
	loop := applyloop.New(store, stubPlanner{}, exec, stubSyncer{}, events, advisory.Keys(), time.Minute, time.Hour, false)

	cfg := &config.Config{LocalMode: localMode, LockOverride: false}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := New(ctx, cfg, store, keys, runtime, exec, loop, host, nil)
	return &testHarness{server: server, store: store, runtime: runtime, keys: keys, host: host, lockDir: lockDir}
}

func (h *testHarness) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := h.server.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// holdLock pre-creates the advisory lock files for (appID, service),
// simulating a workload already holding the update lock.
func (h *testHarness) holdLock(t *testing.T, appID int64, service string) {
	t.Helper()
	dir := filepath.Join(h.lockDir, strconv.FormatInt(appID, 10), service)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir lock dir: %v", err)
	}
	for _, name := range []string{"updates.lock", "resin-updates.lock"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("seed lock file: %v", err)
		}
	}
}

func (h *testHarness) lockFileExists(appID int64, service, name string) bool {
	_, err := os.Stat(filepath.Join(h.lockDir, strconv.FormatInt(appID, 10), service, name))
	return err == nil
}

func appWithMainService(appID int64, containerID string) *model.Application {
	return &model.Application{
		AppID: appID,
		Services: []model.Service{
			{ServiceID: 640681, AppID: appID, Name: "main", ImageID: 1, ContainerID: containerID},
		},
	}
}

// Scenario 1: start a known service.
func TestStartKnownServiceRunsExecutorWithoutAdvisoryLock(t *testing.T) {
	h := newHarness(t, true)
	const appID = int64(1658654)
	h.store.targetApps[appID] = appWithMainService(appID, "")

	resp := h.do(t, http.MethodPost, "/v2/applications/1658654/start-service", "", map[string]any{"serviceName": "main"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(h.runtime.created) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(h.runtime.created))
	}
	if len(h.runtime.started) != 1 {
		t.Fatalf("Start calls = %d, want 1", len(h.runtime.started))
	}
	if h.lockFileExists(appID, "main", "updates.lock") {
		t.Fatal("advisory lock file exists, want no lock taken for a start action")
	}
}

// Scenario 2: start an unknown service.
func TestStartUnknownServiceReturnsNotFound(t *testing.T) {
	h := newHarness(t, true)
	const appID = int64(1658654)
	h.store.targetApps[appID] = appWithMainService(appID, "")

	resp := h.do(t, http.MethodPost, "/v2/applications/1658654/start-service", "", map[string]any{"serviceName": "unknown"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if len(h.runtime.created) != 0 {
		t.Fatalf("Create calls = %d, want 0", len(h.runtime.created))
	}
}

// Scenario 3: restart under an advisory lock, no force.
func TestRestartUnderLockWithoutForceIsLocked(t *testing.T) {
	h := newHarness(t, true)
	const appID = int64(1658654)
	h.store.targetApps[appID] = appWithMainService(appID, "existing-container")
	h.holdLock(t, appID, "main")

	resp := h.do(t, http.MethodPost, "/v2/applications/1658654/restart-service", "", map[string]any{"serviceName": "main"})
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("status = %d, want 423", resp.StatusCode)
	}
	if len(h.runtime.stopped) != 0 {
		t.Fatalf("Stop calls = %d, want 0 (lock should block before runtime I/O)", len(h.runtime.stopped))
	}
}

// Scenario 4: restart under an advisory lock, with force.
func TestRestartUnderLockWithForceSucceeds(t *testing.T) {
	h := newHarness(t, true)
	const appID = int64(1658654)
	h.store.targetApps[appID] = appWithMainService(appID, "existing-container")
	h.holdLock(t, appID, "main")

	resp := h.do(t, http.MethodPost, "/v2/applications/1658654/restart-service", "", map[string]any{"serviceName": "main", "force": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(h.runtime.stopped) != 1 || len(h.runtime.started) != 1 {
		t.Fatalf("stop/start calls = %d/%d, want 1/1", len(h.runtime.stopped), len(h.runtime.started))
	}
}

// Scenario 5: reboot without force while a lock is held.
func TestRebootWithoutForceUnderLockDoesNotInvokeHostPrimitive(t *testing.T) {
	h := newHarness(t, true)
	const appID = int64(1658654)
	h.store.current = []*model.Application{appWithMainService(appID, "running-container")}
	h.holdLock(t, appID, "main")

	resp := h.do(t, http.MethodPost, "/v2/reboot", "", nil)
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("status = %d, want 423", resp.StatusCode)
	}
	if h.host.rebootCalls != 0 {
		t.Fatalf("reboot primitive called %d times, want 0", h.host.rebootCalls)
	}
}

// Scenario 6: reboot with force.
func TestRebootWithForceStopsAllThenInvokesHostPrimitive(t *testing.T) {
	h := newHarness(t, true)
	const appID = int64(1658654)
	h.store.current = []*model.Application{appWithMainService(appID, "running-container")}
	h.holdLock(t, appID, "main")

	resp := h.do(t, http.MethodPost, "/v2/reboot", "", map[string]any{"force": true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["Data"] != "OK" || body["Error"] != nil {
		t.Fatalf("body = %+v, want {Data:OK, Error:nil}", body)
	}
	if len(h.runtime.stopped) != 1 {
		t.Fatalf("stop calls = %d, want 1 (stopAll before reboot)", len(h.runtime.stopped))
	}
	if h.host.rebootCalls != 1 {
		t.Fatalf("reboot primitive called %d times, want 1", h.host.rebootCalls)
	}
}

// Scenario 7: state status with a scoped key and two apps present.
func TestStateStatusWithScopedKeyReturnsOnlyScopedApp(t *testing.T) {
	h := newHarness(t, false)
	const scopedApp, otherApp = int64(1658654), int64(222222)
	h.store.apps = []*model.Application{
		{AppID: scopedApp, ReleaseID: 11},
		{AppID: otherApp, ReleaseID: 22},
	}
	h.keys.seedScopedKey("scoped-key", repository.Scope{Apps: map[int64]bool{scopedApp: true}})

	resp := h.do(t, http.MethodGet, "/v2/state/status", "scoped-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	release, ok := body["release"].(float64)
	if !ok || int64(release) != 11 {
		t.Fatalf("release = %v, want 11 (the scoped app's)", body["release"])
	}
}

// Scenario 8: blink fires the host primitive once with the documented
// duration.
func TestBlinkInvokesHostPrimitiveOnce(t *testing.T) {
	h := newHarness(t, true)

	resp := h.do(t, http.MethodPost, "/v2/blink", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(h.host.blinkDurations) != 1 {
		t.Fatalf("Blink calls = %d, want 1", len(h.host.blinkDurations))
	}
	if h.host.blinkDurations[0] != 15*time.Second {
		t.Fatalf("blink duration = %v, want 15s", h.host.blinkDurations[0])
	}
}
