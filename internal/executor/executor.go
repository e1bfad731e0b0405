// Package executor implements C5: applies a planner-produced step list
// concurrently, serializing steps that touch the same app and honoring
// the advisory-lock discipline of internal/infra/locks, then emits one
// outcome per step on the event bus.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/eventbus"
	"github.com/quentingllmt/hostsupervisor/internal/infra/locks"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// Options controls how one Execute call honors locking (spec.md §4.5).
type Options struct {
	// Force pre-empts an already-held advisory lock.
	Force bool
	// SkipLock bypasses the per-app in-process serialization used by
	// intermediate applies.
	SkipLock bool
	// LockOverride mirrors the configured lockOverride flag: when true,
	// lock-requiring actions acquire with Force regardless of the
	// caller-supplied Force value.
	LockOverride bool
}

// Executor is C5.
type Executor struct {
	runtime  repository.RuntimeAdapter
	store    repository.StateStore
	advisory *locks.Manager
	seq      *locks.KeyedLocker
	events   *eventbus.Bus
}

// New builds an Executor. advisory is the shared on-host lock manager;
// seq is the executor's own in-process keyed lock used purely to
// serialize concurrent steps against the same app (spec.md §4.5 step 1)
// — deliberately a different KeyedLocker instance than the one the
// advisory manager uses internally, so the two locking concerns never
// contend on the same mutex.
func New(runtime repository.RuntimeAdapter, store repository.StateStore, advisory *locks.Manager, events *eventbus.Bus) *Executor {
	return &Executor{
		runtime:  runtime,
		store:    store,
		advisory: advisory,
		seq:      locks.NewKeyedLocker(),
		events:   events,
	}
}

// Execute runs every step concurrently, serializing steps that share an
// AppID, and returns one outcome per step in input order.
func (e *Executor) Execute(ctx context.Context, steps []model.Step, opts Options) []model.StepOutcome {
	outcomes := make([]model.StepOutcome, len(steps))
	var wg sync.WaitGroup

	for i, step := range steps {
		wg.Add(1)
		go func(i int, step model.Step) {
			defer wg.Done()
			err := e.runOne(ctx, step, opts)
			outcome := model.StepOutcome{Step: step, Err: err}
			outcomes[i] = outcome
			if err != nil {
				log.Warn("step failed", "action", step.Action, "appId", step.AppID, "error", err)
				if e.events != nil {
					e.events.PublishStepError(outcome)
				}
			} else {
				if e.events != nil {
					e.events.PublishStepCompleted(outcome)
				}
			}
		}(i, step)
	}

	wg.Wait()
	return outcomes
}

// runOne serializes against other steps for the same app (unless
// skipped), then wraps the actual runtime call in the advisory lock
// unless the action is always-lock-free or the step opted out of
// advisory locking (spec.md §4.5 step 2).
func (e *Executor) runOne(ctx context.Context, step model.Step, opts Options) error {
	run := func() error { return e.apply(ctx, step) }

	if step.AppID == 0 {
		// Device-config steps have no app to serialize against.
		return run()
	}

	if !opts.SkipLock {
		h := e.seq.WriteLock(strconv.FormatInt(step.AppID, 10))
		defer h.Release()
	}

	if step.Action.IsAlwaysLockFree() || step.BypassAdvisoryLock {
		return run()
	}

	force := opts.Force || opts.LockOverride
	appID := step.AppID
	return e.advisory.Lock(&appID, locks.Options{Force: force}, run)
}

// apply performs the actual runtime I/O for one step.
func (e *Executor) apply(ctx context.Context, step model.Step) error {
	switch step.Action {
	case model.ActionNoop:
		return nil

	case model.ActionUpdateMetadata:
		return e.applyUpdateMetadata(ctx, step)

	case model.ActionFetch:
		if step.Target == nil {
			return fmt.Errorf("fetch step missing target service")
		}
		_, err := e.runtime.PullImage(ctx, step.Target.Name, nil)
		return err

	case model.ActionKill:
		if step.Current == nil || step.Current.ContainerID == "" {
			return nil
		}
		return e.runtime.Kill(ctx, step.Current.ContainerID)

	case model.ActionStop:
		if step.Current == nil || step.Current.ContainerID == "" {
			return nil
		}
		return e.runtime.Stop(ctx, step.Current.ContainerID, 10)

	case model.ActionRemove:
		if step.Current == nil || step.Current.ContainerID == "" {
			return nil
		}
		return e.runtime.Remove(ctx, step.Current.ContainerID)

	case model.ActionStart:
		return e.applyStart(ctx, step)

	case model.ActionRestart:
		return e.applyRestart(ctx, step)

	case model.ActionHandover:
		return e.applyHandover(ctx, step)

	case model.ActionCreateNetwork:
		if step.Network == nil {
			return fmt.Errorf("createNetwork step missing network")
		}
		return e.runtime.CreateNetwork(ctx, step.AppID, *step.Network)

	case model.ActionRemoveNetwork:
		if step.Network == nil {
			return fmt.Errorf("removeNetwork step missing network")
		}
		return e.runtime.RemoveNetwork(ctx, step.AppID, step.Network.Name)

	case model.ActionCreateVolume:
		if step.Volume == nil {
			return fmt.Errorf("createVolume step missing volume")
		}
		return e.runtime.CreateVolume(ctx, step.AppID, *step.Volume)

	case model.ActionRemoveVolume:
		if step.Volume == nil {
			return fmt.Errorf("removeVolume step missing volume")
		}
		return e.runtime.RemoveVolume(ctx, step.AppID, step.Volume.Name)

	case model.ActionPurge:
		return e.applyPurgeStep(ctx, step)

	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

// applyUpdateMetadata handles both device-config steps (AppID 0) and
// per-service metadata-only diffs. Neither requires recreating a
// container; both are logged only, with no runtime call and no write to
// the state store.
func (e *Executor) applyUpdateMetadata(ctx context.Context, step model.Step) error {
	if step.AppID == 0 {
		log.Info("applying device config", "keys", len(step.DeviceConfig))
		return nil
	}
	if step.Target == nil {
		return fmt.Errorf("updateMetadata step missing target service")
	}
	log.Info("updating service metadata", "appId", step.AppID, "service", step.Target.Name)
	return nil
}

func (e *Executor) applyStart(ctx context.Context, step model.Step) error {
	if step.Current != nil && step.Current.ContainerID != "" {
		return e.runtime.Start(ctx, step.Current.ContainerID)
	}
	if step.Target == nil {
		return fmt.Errorf("start step missing target service")
	}
	id, err := e.runtime.Create(ctx, repository.ServiceSpec{
		AppID:       step.AppID,
		ServiceName: step.Target.Name,
		ImageID:     step.Target.ImageID,
		Image:       step.Target.Name,
		Labels:      step.Target.Labels,
		Env:         step.Target.Env,
		Networks:    step.Target.NetworkNames,
		Volumes:     step.Target.VolumeNames,
	})
	if err != nil {
		return err
	}
	return e.runtime.Start(ctx, id)
}

func (e *Executor) applyRestart(ctx context.Context, step model.Step) error {
	var containerID string
	if step.Target != nil {
		containerID = step.Target.ContainerID
	} else if step.Current != nil {
		containerID = step.Current.ContainerID
	}
	if containerID == "" {
		return fmt.Errorf("restart step missing a container to restart")
	}
	if err := e.runtime.Stop(ctx, containerID, 10); err != nil {
		return err
	}
	return e.runtime.Start(ctx, containerID)
}

// applyHandover runs start-new -> quiesce-old -> stop-old for a service
// declared with handover semantics (spec.md §4.4 step 3d).
func (e *Executor) applyHandover(ctx context.Context, step model.Step) error {
	if step.Target == nil {
		return fmt.Errorf("handover step missing target service")
	}
	id, err := e.runtime.Create(ctx, repository.ServiceSpec{
		AppID:       step.AppID,
		ServiceName: step.Target.Name,
		ImageID:     step.Target.ImageID,
		Image:       step.Target.Name,
		Labels:      step.Target.Labels,
		Env:         step.Target.Env,
		Networks:    step.Target.NetworkNames,
		Volumes:     step.Target.VolumeNames,
	})
	if err != nil {
		return err
	}
	if err := e.runtime.Start(ctx, id); err != nil {
		return err
	}
	if step.Current == nil || step.Current.ContainerID == "" {
		return nil
	}
	if err := e.runtime.Stop(ctx, step.Current.ContainerID, 10); err != nil {
		return err
	}
	return e.runtime.Remove(ctx, step.Current.ContainerID)
}

func (e *Executor) applyPurgeStep(ctx context.Context, step model.Step) error {
	if step.Current == nil || step.Current.ContainerID == "" {
		return nil
	}
	if err := e.runtime.Stop(ctx, step.Current.ContainerID, 10); err != nil {
		return err
	}
	return e.runtime.Remove(ctx, step.Current.ContainerID)
}

// Purge stops and removes every current container and volume belonging
// to appID (spec.md §6 POST /v2/applications/:appId/purge). It bypasses
// the planner entirely since a purge discards state rather than
// converging toward it.
func (e *Executor) Purge(ctx context.Context, appID int64, opts Options) error {
	current, err := e.store.GetCurrentApps(ctx)
	if err != nil {
		return err
	}

	var app *model.Application
	for _, a := range current {
		if a.AppID == appID {
			app = a
			break
		}
	}
	if app == nil {
		return nil
	}

	var steps []model.Step
	for i := range app.Services {
		svc := app.Services[i]
		steps = append(steps, model.Step{Action: model.ActionPurge, AppID: appID, Current: &svc})
	}
	outcomes := e.Execute(ctx, steps, opts)
	if err := firstError(outcomes); err != nil {
		return err
	}

	for _, v := range app.Volumes {
		vv := v
		if err := e.runtime.RemoveVolume(ctx, appID, vv.Name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll issues stop steps for every service under every app's update
// lock, used by the reboot/shutdown sequence (spec.md §4.7).
func (e *Executor) StopAll(ctx context.Context, opts Options) error {
	current, err := e.store.GetCurrentApps(ctx)
	if err != nil {
		return err
	}

	var steps []model.Step
	for _, app := range current {
		for i := range app.Services {
			svc := app.Services[i]
			if svc.ContainerID == "" {
				continue
			}
			steps = append(steps, model.Step{Action: model.ActionStop, AppID: app.AppID, Current: &svc})
		}
	}
	outcomes := e.Execute(ctx, steps, opts)
	return firstError(outcomes)
}

func firstError(outcomes []model.StepOutcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
