package applyloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/eventbus"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/internal/infra/locks"
)

type fakePlanner struct {
	mu    sync.Mutex
	steps []model.Step
	err   error
	calls int
}

func (p *fakePlanner) Plan(current, target *model.Target) ([]model.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.steps, p.err
}

type fakeExecutor struct {
	mu       sync.Mutex
	outcomes []model.StepOutcome
	calls    int
	lastOpts executor.Options
}

func (e *fakeExecutor) Execute(ctx context.Context, steps []model.Step, opts executor.Options) []model.StepOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastOpts = opts
	if e.outcomes != nil {
		return e.outcomes
	}
	out := make([]model.StepOutcome, len(steps))
	for i, s := range steps {
		out[i] = model.StepOutcome{Step: s}
	}
	return out
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeSyncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

type fakeLoopStore struct {
	mu         sync.Mutex
	target     *model.Target
	current    []*model.Application
	overlays   map[string]model.VolatileOverlay
	commits    map[int64]string
	getTargetErr error
}

func newFakeLoopStore() *fakeLoopStore {
	return &fakeLoopStore{overlays: make(map[string]model.VolatileOverlay), commits: make(map[int64]string)}
}

func (f *fakeLoopStore) SetTarget(ctx context.Context, target *model.Target) error { return nil }
func (f *fakeLoopStore) GetTarget(ctx context.Context, opts repository.GetTargetOptions) (*model.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.getTargetErr
}
func (f *fakeLoopStore) GetTargetApp(ctx context.Context, appID int64) (*model.Application, error) {
	return nil, &model.AppNotFoundError{AppID: appID}
}
func (f *fakeLoopStore) GetCommitForApp(ctx context.Context, appID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[appID], nil
}
func (f *fakeLoopStore) SetCommitForApp(ctx context.Context, appID int64, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[appID] = commit
	return nil
}
func (f *fakeLoopStore) GetApps(ctx context.Context) ([]*model.Application, error) { return nil, nil }
func (f *fakeLoopStore) GetCurrentApps(ctx context.Context) ([]*model.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}
func (f *fakeLoopStore) SetCurrentApps(ctx context.Context, apps []*model.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = apps
	return nil
}
func (f *fakeLoopStore) SetServiceOverlay(ctx context.Context, appID int64, serviceName string, overlay model.VolatileOverlay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overlays[overlayKeyFor(appID, serviceName)] = overlay
	return nil
}
func (f *fakeLoopStore) GetServiceOverlay(ctx context.Context, appID int64, serviceName string) (*model.VolatileOverlay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.overlays[overlayKeyFor(appID, serviceName)]
	if !ok {
		return nil, nil
	}
	return &o, nil
}
func (f *fakeLoopStore) ClearOverlaysForApp(ctx context.Context, appID int64) error { return nil }
func (f *fakeLoopStore) Close() error                                              { return nil }

func overlayKeyFor(appID int64, serviceName string) string {
	return fmt.Sprintf("%d/%s", appID, serviceName)
}

var _ repository.StateStore = (*fakeLoopStore)(nil)

func newTestLoop(store *fakeLoopStore, planner *fakePlanner, exec *fakeExecutor, syncer *fakeSyncer, events *eventbus.Bus) *Loop {
	keys := locks.NewKeyedLocker()
	return New(store, planner, exec, syncer, events, keys, 50*time.Millisecond, time.Second, false)
}

func waitForApplyEnd(t *testing.T, ch <-chan eventbus.ApplyEndEvent) eventbus.ApplyEndEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for apply-end event")
		return eventbus.ApplyEndEvent{}
	}
}

func TestTriggerRunsCycleAndRecordsCommitOnSuccess(t *testing.T) {
	store := newFakeLoopStore()
	store.target = &model.Target{Apps: map[int64]*model.Application{
		1: {AppID: 1, Commit: "commit-a"},
	}}
	planner := &fakePlanner{steps: []model.Step{{Action: model.ActionStart, AppID: 1}}}
	exec := &fakeExecutor{}
	syncer := &fakeSyncer{}
	events := eventbus.New()
	ch := events.SubscribeApplyEnd()

	loop := newTestLoop(store, planner, exec, syncer, events)
	loop.Trigger(context.Background(), false, 0, true)

	evt := waitForApplyEnd(t, ch)
	if evt.Err != nil {
		t.Fatalf("apply-end error = %v, want nil", evt.Err)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.calls)
	}
	if syncer.calls != 1 {
		t.Fatalf("syncer calls = %d, want 1", syncer.calls)
	}
	store.mu.Lock()
	commit := store.commits[1]
	store.mu.Unlock()
	if commit != "commit-a" {
		t.Fatalf("commit for app 1 = %q, want %q", commit, "commit-a")
	}
}

func TestTriggerConvergedCycleSkipsExecutor(t *testing.T) {
	store := newFakeLoopStore()
	store.target = &model.Target{Apps: map[int64]*model.Application{}}
	planner := &fakePlanner{steps: nil}
	exec := &fakeExecutor{}
	syncer := &fakeSyncer{}
	events := eventbus.New()
	ch := events.SubscribeApplyEnd()

	loop := newTestLoop(store, planner, exec, syncer, events)
	loop.Trigger(context.Background(), false, 0, true)

	waitForApplyEnd(t, ch)
	if exec.calls != 0 {
		t.Fatalf("executor calls = %d, want 0 for a converged plan", exec.calls)
	}
}

func TestTriggerFailedStepDoesNotRecordCommitForThatApp(t *testing.T) {
	store := newFakeLoopStore()
	store.target = &model.Target{Apps: map[int64]*model.Application{
		1: {AppID: 1, Commit: "commit-a"},
	}}
	planner := &fakePlanner{steps: []model.Step{{Action: model.ActionStart, AppID: 1}}}
	failStep := model.Step{Action: model.ActionStart, AppID: 1}
	exec := &fakeExecutor{outcomes: []model.StepOutcome{{Step: failStep, Err: errors.New("boom")}}}
	syncer := &fakeSyncer{}
	events := eventbus.New()
	ch := events.SubscribeApplyEnd()

	loop := newTestLoop(store, planner, exec, syncer, events)
	loop.Trigger(context.Background(), false, 0, true)

	evt := waitForApplyEnd(t, ch)
	if evt.Err == nil {
		t.Fatal("apply-end error = nil, want the step's error")
	}
	store.mu.Lock()
	_, committed := store.commits[1]
	store.mu.Unlock()
	if committed {
		t.Fatal("commit recorded for an app whose step failed")
	}
}

func TestIsApplyingReflectsCycleLifetime(t *testing.T) {
	store := newFakeLoopStore()
	store.target = &model.Target{Apps: map[int64]*model.Application{}}
	planner := &fakePlanner{}
	exec := &fakeExecutor{}
	syncer := &fakeSyncer{}
	events := eventbus.New()
	ch := events.SubscribeApplyEnd()

	loop := newTestLoop(store, planner, exec, syncer, events)
	if loop.IsApplying() {
		t.Fatal("IsApplying = true before any cycle ran")
	}

	loop.Trigger(context.Background(), false, 0, true)
	waitForApplyEnd(t, ch)

	deadline := time.Now().Add(time.Second)
	for loop.IsApplying() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if loop.IsApplying() {
		t.Fatal("IsApplying = true after the cycle's apply-end event fired")
	}
}

func TestPausingApplyBlocksTriggerUntilThunkReturns(t *testing.T) {
	store := newFakeLoopStore()
	store.target = &model.Target{Apps: map[int64]*model.Application{}}
	planner := &fakePlanner{}
	exec := &fakeExecutor{}
	syncer := &fakeSyncer{}
	events := eventbus.New()
	ch := events.SubscribeApplyEnd()

	loop := newTestLoop(store, planner, exec, syncer, events)

	release := make(chan struct{})
	pauseDone := make(chan struct{})
	go func() {
		_ = loop.PausingApply(func() error {
			<-release
			return nil
		})
		close(pauseDone)
	}()

	time.Sleep(20 * time.Millisecond) // let PausingApply install the blocker
	loop.Trigger(context.Background(), false, 0, true)

	select {
	case <-ch:
		t.Fatal("apply cycle completed while paused")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-pauseDone
	waitForApplyEnd(t, ch)
}

func TestHealthcheckTrueWhenIdle(t *testing.T) {
	store := newFakeLoopStore()
	loop := newTestLoop(store, &fakePlanner{}, &fakeExecutor{}, &fakeSyncer{}, eventbus.New())
	if !loop.Healthcheck() {
		t.Fatal("Healthcheck = false while idle, want true")
	}
}

func TestShuttingDownPublishesOnce(t *testing.T) {
	events := eventbus.New()
	ch := events.SubscribeShutdown()
	loop := newTestLoop(newFakeLoopStore(), &fakePlanner{}, &fakeExecutor{}, &fakeSyncer{}, events)

	loop.SetShuttingDown(true)
	loop.SetShuttingDown(true)

	select {
	case evt := <-ch:
		if !evt.Reboot {
			t.Fatal("Reboot = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown event")
	}

	select {
	case <-ch:
		t.Fatal("shutdown event published a second time")
	case <-time.After(50 * time.Millisecond):
	}

	if !loop.ShuttingDown() {
		t.Fatal("ShuttingDown() = false after SetShuttingDown(true)")
	}
}
