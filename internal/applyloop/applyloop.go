// Package applyloop implements C6: the central state machine owning the
// reconcile cadence — scheduling, debouncing, backoff, and serializing
// intermediate applies against the pause blocker. Per spec.md §9's design
// note, the loop depends on Planner and Executor only through the
// interfaces below, breaking any cyclic coupling with the rest of the
// core.
package applyloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/eventbus"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/internal/infra/locks"
	"github.com/quentingllmt/hostsupervisor/pkg/backoff"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// Planner is the subset of internal/planner.Planner the Apply Loop needs.
type Planner interface {
	Plan(current, target *model.Target) ([]model.Step, error)
}

// Executor is the subset of internal/executor.Executor the Apply Loop
// needs.
type Executor interface {
	Execute(ctx context.Context, steps []model.Step, opts executor.Options) []model.StepOutcome
}

// Syncer refreshes the State Store's current-state cache from the Runtime
// Adapter before each plan, the subset of internal/runtimesync.Syncer the
// Apply Loop needs (spec.md §4.3, §8's convergence invariant).
type Syncer interface {
	Sync(ctx context.Context) error
}

type scheduledApply struct {
	force bool
	delay time.Duration
}

// Loop is C6.
type Loop struct {
	store    repository.StateStore
	planner  Planner
	exec     Executor
	syncer   Syncer
	events   *eventbus.Bus
	pauseKey *locks.KeyedLocker

	basePollInterval time.Duration
	maxPollInterval  time.Duration
	lockOverride     bool

	failureBackoff *backoff.Backoff
	noopBackoff    *backoff.Backoff

	mu                       sync.Mutex // guards the fields below: the loop's single owner
	applyInProgress          bool
	shuttingDown             bool
	scheduled                *scheduledApply
	pendingTimer             *time.Timer
	pendingForce             bool
	failedUpdates            int
	lastApplyStart           time.Time
	lastSuccessfulUpdate     time.Time
	fetchesInProgress        int
	timeSpentFetching        time.Duration
	lastCycleWasDeviceConfig bool

	blockerMu    sync.Mutex
	applyBlocker chan struct{}
}

// New builds a Loop. basePoll is the regular reconcile cadence; maxPoll
// caps both the failure backoff and the healthcheck window. keys is the
// in-process keyed locker shared with the Lock Manager and State Store so
// the "pause" key lives in the same lock table as "target" and per-appID
// locks (internal/infra/locks.Manager.Keys).
func New(store repository.StateStore, planner Planner, exec Executor, syncer Syncer, events *eventbus.Bus, keys *locks.KeyedLocker, basePoll, maxPoll time.Duration, lockOverride bool) *Loop {
	l := &Loop{
		store:            store,
		planner:          planner,
		exec:             exec,
		syncer:           syncer,
		events:           events,
		pauseKey:         keys,
		basePollInterval: basePoll,
		maxPollInterval:  maxPoll,
		lockOverride:     lockOverride,
		failureBackoff:   backoff.New(basePoll, maxPoll),
		noopBackoff:      backoff.New(time.Second, 10*time.Minute),
	}
	return l
}

func (l *Loop) lock()   { l.mu.Lock() }
func (l *Loop) unlock() { l.mu.Unlock() }

func (l *Loop) lockBlocker()   { l.blockerMu.Lock() }
func (l *Loop) unlockBlocker() { l.blockerMu.Unlock() }

// Trigger requests an apply cycle after delay, or immediately if delay is
// zero. Concurrent triggers while a cycle is already running or already
// scheduled coalesce: the effective delay is the max of all pending
// delays and force is OR'd in. An isFromApi trigger cancels a still-
// pending pre-run timer and applies immediately (spec.md §4.6).
func (l *Loop) Trigger(ctx context.Context, force bool, delay time.Duration, isFromApi bool) {
	l.lock()
	defer l.unlock()

	if l.applyInProgress {
		l.coalesceLocked(force, delay)
		return
	}

	if l.pendingTimer != nil {
		if isFromApi {
			l.pendingTimer.Stop()
			l.pendingTimer = nil
			force = force || l.pendingForce
			l.pendingForce = false
			l.startCycleLocked(ctx, force, false)
			return
		}
		l.coalesceLocked(force, delay)
		return
	}

	if delay <= 0 {
		l.startCycleLocked(ctx, force, false)
		return
	}

	l.pendingForce = force
	l.pendingTimer = time.AfterFunc(delay, func() {
		l.lock()
		l.pendingTimer = nil
		f := l.pendingForce
		l.pendingForce = false
		l.startCycleLocked(ctx, f, false)
		l.unlock()
	})
}

// TriggerIntermediate immediately applies the currently installed
// intermediate target, bypassing the pause blocker and the executor's
// per-app in-process serialization (spec.md §4.2, §4.6, GLOSSARY
// "Intermediate target").
func (l *Loop) TriggerIntermediate(ctx context.Context, force bool) {
	l.lock()
	defer l.unlock()
	if l.applyInProgress {
		l.coalesceLocked(force, 0)
		return
	}
	l.startCycleLocked(ctx, force, true)
}

func (l *Loop) coalesceLocked(force bool, delay time.Duration) {
	if l.scheduled == nil {
		l.scheduled = &scheduledApply{force: force, delay: delay}
		return
	}
	l.scheduled.force = l.scheduled.force || force
	if delay > l.scheduled.delay {
		l.scheduled.delay = delay
	}
}

// startCycleLocked must be called with l.mu held; it flips
// applyInProgress and launches the cycle on its own goroutine so the
// caller (Trigger, or the pending-timer callback) never blocks on the
// apply itself.
func (l *Loop) startCycleLocked(ctx context.Context, force, intermediate bool) {
	l.applyInProgress = true
	l.lastApplyStart = time.Now()
	go l.runCycle(ctx, force, intermediate)
}

func (l *Loop) runCycle(ctx context.Context, force, intermediate bool) {
	if !intermediate {
		l.waitForUnpause(ctx)
	}

	if l.syncer != nil {
		if err := l.syncer.Sync(ctx); err != nil {
			log.Warn("runtime sync failed, planning against stale current state", "error", err)
		}
	}

	target, err := l.store.GetTarget(ctx, repository.GetTargetOptions{Intermediate: intermediate})
	if err == nil {
		err = l.attachOverlays(ctx, target)
	}
	var steps []model.Step
	if err == nil {
		var current *model.Target
		current, err = l.loadCurrent(ctx)
		if err == nil {
			steps, err = l.planner.Plan(current, target)
		}
	}

	var outcomes []model.StepOutcome
	if err == nil && len(steps) > 0 {
		opts := executor.Options{Force: force, SkipLock: intermediate, LockOverride: l.lockOverride}
		outcomes = l.exec.Execute(ctx, steps, opts)
		err = firstError(outcomes)
	}

	if l.events != nil {
		l.events.PublishApplyEnd(eventbus.ApplyEndEvent{Err: err})
	}

	if err == nil {
		l.onCycleSuccess(ctx, target, outcomes)
	} else {
		l.onCycleFailure(err)
	}

	nextDelay := l.computeInterCycleDelay(steps, err)

	l.lock()
	l.applyInProgress = false
	scheduled := l.scheduled
	l.scheduled = nil
	l.unlock()

	if scheduled != nil {
		l.Trigger(ctx, scheduled.force, scheduled.delay, false)
	} else {
		l.Trigger(ctx, false, nextDelay, false)
	}
}

// attachOverlays reads each target service's volatile overlay (set by the
// Control API after an explicit stop/start, spec.md §3, §4.4 step 3c) and
// attaches it onto the in-memory target before planning, without mutating
// the stored target itself (invariant 4).
func (l *Loop) attachOverlays(ctx context.Context, target *model.Target) error {
	if target == nil {
		return nil
	}
	for appID, app := range target.Apps {
		if app == nil {
			continue
		}
		for i := range app.Services {
			overlay, err := l.store.GetServiceOverlay(ctx, appID, app.Services[i].Name)
			if err != nil {
				return err
			}
			app.Services[i].Overlay = overlay
		}
	}
	return nil
}

// loadCurrent assembles a model.Target-shaped view of current apps so
// the pure Planner can diff it against target the same way it diffs
// target against target.
func (l *Loop) loadCurrent(ctx context.Context) (*model.Target, error) {
	apps, err := l.store.GetCurrentApps(ctx)
	if err != nil {
		return nil, err
	}
	t := &model.Target{Local: &model.LocalTarget{}, Apps: make(map[int64]*model.Application, len(apps))}
	for _, app := range apps {
		t.Apps[app.AppID] = app
	}
	return t, nil
}

func (l *Loop) onCycleSuccess(ctx context.Context, target *model.Target, outcomes []model.StepOutcome) {
	l.lock()
	l.failedUpdates = 0
	l.lastSuccessfulUpdate = time.Now()
	l.unlock()
	l.failureBackoff.Reset()

	failedApps := make(map[int64]bool)
	for _, o := range outcomes {
		if o.Err != nil {
			failedApps[o.Step.AppID] = true
		}
	}
	if target == nil {
		return
	}
	for appID, app := range target.Apps {
		if failedApps[appID] {
			continue
		}
		if err := l.store.SetCommitForApp(ctx, appID, app.Commit); err != nil {
			log.Warn("failed to record commit for app", "appId", appID, "error", err)
		}
	}
}

func (l *Loop) onCycleFailure(err error) {
	l.lock()
	l.failedUpdates++
	l.unlock()

	if errors.Is(err, model.ErrUpdatesLocked) {
		log.Info("apply cycle deferred: updates locked", "error", err)
	} else {
		log.Error("apply cycle failed", "error", err)
	}
}

func allDeviceConfigOnly(steps []model.Step) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.AppID != 0 || s.DeviceConfig == nil {
			return false
		}
	}
	return true
}

// computeInterCycleDelay mirrors the Step Executor's inter-cycle pacing
// (spec.md §4.5 step 4): 200ms by default, 1s when the cycle converged
// (empty step list), and an exponential backoff up to 10 minutes when a
// run of converged cycles follows a device-config-only cycle. A failed
// cycle (err != nil) instead returns the next failure-backoff delay,
// capped at maxPollInterval.
func (l *Loop) computeInterCycleDelay(steps []model.Step, err error) time.Duration {
	if err != nil {
		d := l.failureBackoff.Next()
		if d > l.maxPollInterval {
			d = l.maxPollInterval
		}
		return d
	}

	if len(steps) == 0 {
		if l.lastCycleWasDeviceConfig {
			return l.noopBackoff.Next()
		}
		l.noopBackoff.Reset()
		return time.Second
	}

	l.lastCycleWasDeviceConfig = allDeviceConfigOnly(steps)
	if !l.lastCycleWasDeviceConfig {
		l.noopBackoff.Reset()
	}
	return 200 * time.Millisecond
}

// Healthcheck reports true iff the Apply Loop is not stuck (spec.md
// §4.6): no apply in progress, an image fetch is actively progressing,
// or the current apply hasn't exceeded twice the max poll interval.
func (l *Loop) Healthcheck() bool {
	l.lock()
	defer l.unlock()
	if !l.applyInProgress {
		return true
	}
	if l.fetchesInProgress > 0 {
		return true
	}
	elapsed := time.Since(l.lastApplyStart) - l.timeSpentFetching
	return elapsed < 2*l.maxPollInterval
}

// PausingApply runs thunk with the pause blocker installed: regular
// (non-intermediate) applies started via Trigger will wait for thunk to
// return before running (spec.md §4.6, GLOSSARY "Intermediate target").
func (l *Loop) PausingApply(thunk func() error) error {
	h := l.pauseKey.WriteLock("pause")
	defer h.Release()

	l.lockBlocker()
	ch := make(chan struct{})
	l.applyBlocker = ch
	l.unlockBlocker()

	err := thunk()

	l.lockBlocker()
	close(ch)
	l.applyBlocker = nil
	l.unlockBlocker()

	return err
}

func (l *Loop) waitForUnpause(ctx context.Context) {
	l.lockBlocker()
	ch := l.applyBlocker
	l.unlockBlocker()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// SetShuttingDown marks the loop as shutting down and publishes the
// shutdown event exactly once (spec.md §4.7 reboot/shutdown sequencing).
func (l *Loop) SetShuttingDown(reboot bool) {
	l.lock()
	already := l.shuttingDown
	l.shuttingDown = true
	l.unlock()
	if !already && l.events != nil {
		l.events.PublishShutdown(eventbus.ShutdownEvent{Reboot: reboot})
	}
}

func (l *Loop) ShuttingDown() bool {
	l.lock()
	defer l.unlock()
	return l.shuttingDown
}

// IsApplying reports whether an apply cycle is currently running, for
// handlers that need to surface "applying" vs "applied" (spec.md §6).
func (l *Loop) IsApplying() bool {
	l.lock()
	defer l.unlock()
	return l.applyInProgress
}

func firstError(outcomes []model.StepOutcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
