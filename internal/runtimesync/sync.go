// Package runtimesync keeps the State Store's current-state cache (C2)
// in step with the Runtime Adapter (C3): it lists containers, joins them
// back to (AppID, ServiceName, ImageID) via the labels internal/infra/docker
// stamps onto every container it creates, and writes the result through
// repository.StateStore.SetCurrentApps so the Planner's "current" side of
// plan(current, target) reflects what is actually running, not an empty
// cache (spec.md §4.3, §8).
package runtimesync

import (
	"context"
	"strconv"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/infra/docker"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// Syncer refreshes the State Store's current-state cache from the Runtime
// Adapter. Grounded on the teacher's poll-then-reconcile loop in
// internal/application/agent/agent.go, narrowed here to the single
// list-and-cache responsibility the Apply Loop calls once per cycle.
type Syncer struct {
	runtime repository.RuntimeAdapter
	store   repository.StateStore
}

// New builds a Syncer over the given Runtime Adapter and State Store.
func New(runtime repository.RuntimeAdapter, store repository.StateStore) *Syncer {
	return &Syncer{runtime: runtime, store: store}
}

// Sync lists every container the runtime knows about, reconstructs the
// (AppID, ServiceName, ImageID) triple from the labels internal/infra/docker
// attaches at Create time, and stores the result as the current-state
// snapshot. Containers missing any of the tracking labels, or carrying a
// malformed one (e.g. not created by this supervisor), are skipped.
func (s *Syncer) Sync(ctx context.Context) error {
	containers, err := s.runtime.ListContainers(ctx)
	if err != nil {
		return err
	}

	byApp := make(map[int64]*model.Application)
	for _, c := range containers {
		appID, serviceName, imageID, ok := parseTrackingLabels(c.Labels)
		if !ok {
			continue
		}

		app, exists := byApp[appID]
		if !exists {
			app = &model.Application{AppID: appID}
			byApp[appID] = app
		}

		app.Services = append(app.Services, model.Service{
			AppID:       appID,
			Name:        serviceName,
			ImageID:     imageID,
			ContainerID: c.ID,
			Status:      mapContainerState(c.State),
			Labels:      withoutTrackingLabels(c.Labels),
			CreatedAt:   c.CreatedAt,
		})
	}

	apps := make([]*model.Application, 0, len(byApp))
	for _, app := range byApp {
		apps = append(apps, app)
	}

	if err := s.store.SetCurrentApps(ctx, apps); err != nil {
		return err
	}
	log.Debug("runtime sync complete", "apps", len(apps), "containers", len(containers))
	return nil
}

// parseTrackingLabels recovers the (AppID, ServiceName, ImageID) triple
// internal/infra/docker stamped onto the container at creation. ok is false
// when any of the three labels is absent or malformed, meaning the
// container isn't one this supervisor manages.
func parseTrackingLabels(labels map[string]string) (appID int64, serviceName string, imageID int64, ok bool) {
	rawAppID, hasApp := labels[docker.AppIDLabel]
	serviceName, hasService := labels[docker.ServiceNameLabel]
	rawImageID, hasImage := labels[docker.ImageIDLabel]
	if !hasApp || !hasService || !hasImage {
		return 0, "", 0, false
	}

	appID, err := strconv.ParseInt(rawAppID, 10, 64)
	if err != nil {
		return 0, "", 0, false
	}
	imageID, err = strconv.ParseInt(rawImageID, 10, 64)
	if err != nil {
		return 0, "", 0, false
	}
	return appID, serviceName, imageID, true
}

// withoutTrackingLabels strips the internal tracking labels out of a
// container's label set before it's compared against target-declared
// labels, so a target with no explicit labels still equalConfig-matches a
// running container that only carries the tracking labels we added.
func withoutTrackingLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if k == docker.AppIDLabel || k == docker.ServiceNameLabel || k == docker.ImageIDLabel {
			continue
		}
		out[k] = v
	}
	return out
}

// mapContainerState translates Docker's container state strings to the
// lifecycle states the Planner compares against declared target status.
func mapContainerState(state string) model.ServiceStatus {
	switch state {
	case "running":
		return model.StatusRunning
	case "restarting":
		return model.StatusStarting
	case "removing":
		return model.StatusStopping
	case "paused":
		return model.StatusRunning
	case "exited":
		return model.StatusExited
	case "dead":
		return model.StatusDead
	case "created":
		return model.StatusInstalled
	default:
		return model.StatusStopped
	}
}
