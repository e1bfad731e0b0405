package controlapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/hostprimitive"
)

// fakeStateStore is an in-memory repository.StateStore used by the
// Control API's handler tests, standing in for internal/infra/statestore.
type fakeStateStore struct {
	mu sync.Mutex

	target     *model.Target
	targetApps map[int64]*model.Application
	commits    map[int64]string
	apps       []*model.Application
	current    []*model.Application
	overlays   map[string]model.VolatileOverlay
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		targetApps: make(map[int64]*model.Application),
		commits:    make(map[int64]string),
		overlays:   make(map[string]model.VolatileOverlay),
	}
}

func overlayKey(appID int64, serviceName string) string {
	return fmt.Sprintf("%d/%s", appID, serviceName)
}

func (f *fakeStateStore) SetTarget(ctx context.Context, target *model.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
	return nil
}

func (f *fakeStateStore) GetTarget(ctx context.Context, opts repository.GetTargetOptions) (*model.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, nil
}

func (f *fakeStateStore) GetTargetApp(ctx context.Context, appID int64) (*model.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.targetApps[appID]
	if !ok {
		return nil, &model.AppNotFoundError{AppID: appID}
	}
	return app, nil
}

func (f *fakeStateStore) GetCommitForApp(ctx context.Context, appID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[appID], nil
}

func (f *fakeStateStore) SetCommitForApp(ctx context.Context, appID int64, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[appID] = commit
	return nil
}

func (f *fakeStateStore) GetApps(ctx context.Context) ([]*model.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apps, nil
}

func (f *fakeStateStore) GetCurrentApps(ctx context.Context) ([]*model.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeStateStore) SetCurrentApps(ctx context.Context, apps []*model.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = apps
	return nil
}

func (f *fakeStateStore) SetServiceOverlay(ctx context.Context, appID int64, serviceName string, overlay model.VolatileOverlay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overlays[overlayKey(appID, serviceName)] = overlay
	return nil
}

func (f *fakeStateStore) GetServiceOverlay(ctx context.Context, appID int64, serviceName string) (*model.VolatileOverlay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.overlays[overlayKey(appID, serviceName)]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (f *fakeStateStore) ClearOverlaysForApp(ctx context.Context, appID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := fmt.Sprintf("%d/", appID)
	for k := range f.overlays {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.overlays, k)
		}
	}
	return nil
}

func (f *fakeStateStore) Close() error { return nil }

var _ repository.StateStore = (*fakeStateStore)(nil)

// fakeRuntimeAdapter is an in-memory repository.RuntimeAdapter that
// records every call so tests can assert on them without a real Docker
// daemon.
type fakeRuntimeAdapter struct {
	mu sync.Mutex

	containers []repository.ContainerInfo
	images     []repository.ImageInfo

	created  []repository.ServiceSpec
	started  []string
	stopped  []string
	killed   []string
	removed  []string
	pulled   []string
	netsUp   []string
	netsDown []string
	volsUp   []string
	volsDown []string

	nextContainerID string
}

func newFakeRuntimeAdapter() *fakeRuntimeAdapter {
	return &fakeRuntimeAdapter{nextContainerID: "generated-container"}
}

func (f *fakeRuntimeAdapter) ListContainers(ctx context.Context) ([]repository.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers, nil
}

func (f *fakeRuntimeAdapter) ListImages(ctx context.Context) ([]repository.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images, nil
}

func (f *fakeRuntimeAdapter) Inspect(ctx context.Context, containerID string) (repository.ContainerDetail, error) {
	return repository.ContainerDetail{}, nil
}

func (f *fakeRuntimeAdapter) Create(ctx context.Context, spec repository.ServiceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return f.nextContainerID, nil
}

func (f *fakeRuntimeAdapter) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeRuntimeAdapter) Stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeRuntimeAdapter) Kill(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, containerID)
	return nil
}

func (f *fakeRuntimeAdapter) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntimeAdapter) PullImage(ctx context.Context, name string, onProgress func(repository.PullProgress)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, name)
	return "image-" + name, nil
}

func (f *fakeRuntimeAdapter) CreateNetwork(ctx context.Context, appID int64, net model.Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.netsUp = append(f.netsUp, net.Name)
	return nil
}

func (f *fakeRuntimeAdapter) RemoveNetwork(ctx context.Context, appID int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.netsDown = append(f.netsDown, name)
	return nil
}

func (f *fakeRuntimeAdapter) CreateVolume(ctx context.Context, appID int64, vol model.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volsUp = append(f.volsUp, vol.Name)
	return nil
}

func (f *fakeRuntimeAdapter) RemoveVolume(ctx context.Context, appID int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volsDown = append(f.volsDown, name)
	return nil
}

func (f *fakeRuntimeAdapter) Events(ctx context.Context) (<-chan repository.RuntimeEvent, error) {
	ch := make(chan repository.RuntimeEvent)
	close(ch)
	return ch, nil
}

func (f *fakeRuntimeAdapter) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntimeAdapter) Close() error { return nil }

var _ repository.RuntimeAdapter = (*fakeRuntimeAdapter)(nil)

// fakeKeyStore is an in-memory repository.KeyStore: keys map directly to
// pre-seeded scopes, no persistence or token generation involved.
type fakeKeyStore struct {
	mu        sync.Mutex
	scopes    map[string]repository.Scope
	cloudKey  string
	isCloud   map[string]bool
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{scopes: make(map[string]repository.Scope), isCloud: make(map[string]bool)}
}

func (f *fakeKeyStore) seedScopedKey(key string, scope repository.Scope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes[key] = scope
}

func (f *fakeKeyStore) CloudKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cloudKey == "" {
		f.cloudKey = "cloud-key-1"
		f.scopes[f.cloudKey] = repository.Scope{Wildcard: true}
		f.isCloud[f.cloudKey] = true
	}
	return f.cloudKey, nil
}

func (f *fakeKeyStore) RegenerateCloudKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scopes, f.cloudKey)
	delete(f.isCloud, f.cloudKey)
	f.cloudKey = fmt.Sprintf("cloud-key-%d", len(f.scopes)+1)
	f.scopes[f.cloudKey] = repository.Scope{Wildcard: true}
	f.isCloud[f.cloudKey] = true
	return f.cloudKey, nil
}

func (f *fakeKeyStore) GenerateScopedKey(ctx context.Context, appID int64, serviceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("scoped-%d-%s", appID, serviceID)
	f.scopes[key] = repository.Scope{Apps: map[int64]bool{appID: true}}
	return key, nil
}

func (f *fakeKeyStore) Validate(ctx context.Context, key string) (repository.Scope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scope, ok := f.scopes[key]
	if !ok {
		return repository.Scope{}, fmt.Errorf("unknown api key")
	}
	return scope, nil
}

func (f *fakeKeyStore) IsCloudKey(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isCloud[key], nil
}

var _ repository.KeyStore = (*fakeKeyStore)(nil)

// fakeHostPrimitive is an in-memory hostprimitive.Primitive that records
// every call instead of shelling out to reboot(8)/shutdown(8).
type fakeHostPrimitive struct {
	mu             sync.Mutex
	rebootCalls    int
	shutdownCalls  int
	blinkDurations []time.Duration
}

func (f *fakeHostPrimitive) Reboot(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebootCalls++
	return nil
}

func (f *fakeHostPrimitive) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
	return nil
}

func (f *fakeHostPrimitive) Blink(duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blinkDurations = append(f.blinkDurations, duration)
}

var _ hostprimitive.Primitive = (*fakeHostPrimitive)(nil)
