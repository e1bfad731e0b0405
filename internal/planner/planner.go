// Package planner implements C4: a pure function producing the ordered
// set of composition steps needed to move current state to target state
// for one apply cycle (spec.md §4.4). It performs no I/O; callers (the
// Apply Loop) are responsible for loading current/target state and for
// stamping each target service's volatile overlay before calling Plan.
package planner

import (
	"sort"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
)

// Planner holds no state; a single zero-value Planner is safe to share.
type Planner struct{}

// New returns a Planner.
func New() *Planner { return &Planner{} }

// Plan computes the steps needed to converge current into target for one
// apply cycle (spec.md §4.4 algorithm). A nil slice signals convergence.
func (p *Planner) Plan(current, target *model.Target) ([]model.Step, error) {
	if steps := planDeviceConfig(current, target); len(steps) > 0 {
		return steps, nil
	}

	appIDs := unionAppIDs(current, target)
	sort.Slice(appIDs, func(i, j int) bool { return appIDs[i] < appIDs[j] })

	allTargetVolumes := collectVolumeNames(target)

	var steps []model.Step
	for _, appID := range appIDs {
		var targetApp, currentApp *model.Application
		if target != nil {
			targetApp = target.Apps[appID]
		}
		if current != nil {
			currentApp = current.Apps[appID]
		}

		steps = append(steps, planVolumes(appID, currentApp, targetApp, allTargetVolumes)...)
		steps = append(steps, planNetworks(appID, currentApp, targetApp)...)
		steps = append(steps, planServices(appID, currentApp, targetApp)...)
	}

	if allNoop(steps) {
		return nil, nil
	}
	return orderSteps(steps), nil
}

func allNoop(steps []model.Step) bool {
	for _, s := range steps {
		if s.Action != model.ActionNoop {
			return false
		}
	}
	return true
}

// unionAppIDs returns the set of app IDs present in either current or
// target.
func unionAppIDs(current, target *model.Target) []int64 {
	seen := make(map[int64]bool)
	if current != nil {
		for id := range current.Apps {
			seen[id] = true
		}
	}
	if target != nil {
		for id := range target.Apps {
			seen[id] = true
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// planDeviceConfig computes host-level settings steps, which must
// precede any app-level change (spec.md §4.4 step 2). If any are
// non-noop, they are the only steps emitted for the cycle.
func planDeviceConfig(current, target *model.Target) []model.Step {
	var targetLocal, currentLocal map[string]string
	if target != nil && target.Local != nil {
		targetLocal = target.Local.Config
	}
	if current != nil && current.Local != nil {
		currentLocal = current.Local.Config
	}

	changed := map[string]string{}
	for k, v := range targetLocal {
		if currentLocal[k] != v {
			changed[k] = v
		}
	}
	for k := range currentLocal {
		if _, ok := targetLocal[k]; !ok {
			// A key dropped from target is itself a device-config change
			// the host must reconcile away.
			changed[k] = ""
		}
	}

	if len(changed) == 0 {
		return nil
	}
	return []model.Step{{Action: model.ActionUpdateMetadata, DeviceConfig: changed}}
}

func collectVolumeNames(target *model.Target) map[string]bool {
	names := make(map[string]bool)
	if target == nil {
		return names
	}
	for _, app := range target.Apps {
		for _, v := range app.Volumes {
			names[v.Name] = true
		}
	}
	return names
}

func planVolumes(appID int64, current, target *model.Application, allTargetVolumes map[string]bool) []model.Step {
	var steps []model.Step

	targetByName := map[string]model.Volume{}
	if target != nil {
		for _, v := range target.Volumes {
			targetByName[v.Name] = v
		}
	}
	currentByName := map[string]model.Volume{}
	if current != nil {
		for _, v := range current.Volumes {
			currentByName[v.Name] = v
		}
	}

	for name, v := range targetByName {
		if _, ok := currentByName[name]; !ok {
			vv := v
			steps = append(steps, model.Step{Action: model.ActionCreateVolume, AppID: appID, Volume: &vv})
		}
	}
	for name, v := range currentByName {
		if _, ok := targetByName[name]; ok {
			continue
		}
		// Invariant 3: never remove a volume referenced by any in-scope
		// target app, even one outside this appID.
		if allTargetVolumes[name] {
			continue
		}
		vv := v
		steps = append(steps, model.Step{Action: model.ActionRemoveVolume, AppID: appID, Volume: &vv})
	}
	return steps
}

func planNetworks(appID int64, current, target *model.Application) []model.Step {
	var steps []model.Step

	targetByName := map[string]model.Network{}
	if target != nil {
		for _, n := range target.Networks {
			targetByName[n.Name] = n
		}
	}
	currentByName := map[string]model.Network{}
	if current != nil {
		for _, n := range current.Networks {
			currentByName[n.Name] = n
		}
	}

	for name, n := range targetByName {
		if _, ok := currentByName[name]; !ok {
			nn := n
			steps = append(steps, model.Step{Action: model.ActionCreateNetwork, AppID: appID, Network: &nn})
		}
	}
	for name, n := range currentByName {
		if _, ok := targetByName[name]; !ok {
			nn := n
			steps = append(steps, model.Step{Action: model.ActionRemoveNetwork, AppID: appID, Network: &nn})
		}
	}
	return steps
}

// dedupeNewest keeps the newest-by-CreatedAt service per name and returns
// the rest as extras to be killed and removed (spec.md §4.4 edge case:
// duplicate containers for the same (appId, serviceName)).
func dedupeNewest(services []model.Service) (kept map[string]model.Service, extras []model.Service) {
	kept = make(map[string]model.Service)
	byName := make(map[string][]model.Service)
	var order []string
	for _, s := range services {
		if _, ok := byName[s.Name]; !ok {
			order = append(order, s.Name)
		}
		byName[s.Name] = append(byName[s.Name], s)
	}
	for _, name := range order {
		group := byName[name]
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt > group[j].CreatedAt })
		kept[name] = group[0]
		extras = append(extras, group[1:]...)
	}
	return kept, extras
}

// equalConfig reports whether a target and current service describe the
// exact same configuration: same image and equal labels/env. A same-image
// service whose labels/env differ is a metadata-only diff, not an equal
// config — see metadataOnlyDiff, which must be checked first since it is
// the more specific condition.
func equalConfig(t, c model.Service) bool {
	return t.ImageID == c.ImageID && mapsEqual(t.Labels, c.Labels) && mapsEqual(t.Env, c.Env)
}

// metadataOnlyDiff reports whether two services with the same ImageID
// differ only in labels/env (a metadata-only change, spec.md §4.4 step 3c).
func metadataOnlyDiff(t, c model.Service) bool {
	if t.ImageID != c.ImageID {
		return false
	}
	return !mapsEqual(t.Labels, c.Labels) || !mapsEqual(t.Env, c.Env)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func planServices(appID int64, current, target *model.Application) []model.Step {
	var steps []model.Step

	var targetOrder []string
	targetByName := map[string]model.Service{}
	if target != nil {
		for _, s := range target.Services {
			if _, ok := targetByName[s.Name]; !ok {
				targetOrder = append(targetOrder, s.Name)
			}
			targetByName[s.Name] = s
		}
	}

	var currentByName map[string]model.Service
	var extras []model.Service
	if current != nil {
		currentByName, extras = dedupeNewest(current.Services)
	} else {
		currentByName = map[string]model.Service{}
	}

	// Extra duplicate containers are always killed and removed outright.
	for _, extra := range extras {
		e := extra
		steps = append(steps, model.Step{Action: model.ActionKill, AppID: appID, Current: &e})
		steps = append(steps, model.Step{Action: model.ActionRemove, AppID: appID, Current: &e})
	}

	for _, name := range targetOrder {
		t := targetByName[name]
		c, hasCurrent := currentByName[name]

		if !hasCurrent {
			steps = append(steps, planTargetOnlyService(appID, t)...)
			continue
		}

		if metadataOnlyDiff(t, c) {
			steps = append(steps, model.Step{Action: model.ActionUpdateMetadata, AppID: appID, Current: &c, Target: &t})
			continue
		}

		if equalConfig(t, c) {
			if isRunning(c) {
				steps = append(steps, model.Step{Action: model.ActionNoop, AppID: appID, Current: &c, Target: &t})
			} else if t.Overlay != nil && t.Overlay.Running {
				steps = append(steps, model.Step{Action: model.ActionStart, AppID: appID, Current: &c, Target: &t})
			} else {
				steps = append(steps, model.Step{Action: model.ActionNoop, AppID: appID, Current: &c, Target: &t})
			}
			continue
		}

		if t.Handover {
			steps = append(steps, model.Step{Action: model.ActionHandover, AppID: appID, Current: &c, Target: &t})
			continue
		}

		ct := c
		tt := t
		steps = append(steps,
			model.Step{Action: model.ActionKill, AppID: appID, Current: &ct},
			model.Step{Action: model.ActionRemove, AppID: appID, Current: &ct},
			model.Step{Action: model.ActionStart, AppID: appID, Target: &tt},
		)
	}

	for name, c := range currentByName {
		if _, ok := targetByName[name]; ok {
			continue
		}
		cc := c
		steps = append(steps,
			model.Step{Action: model.ActionStop, AppID: appID, Current: &cc},
			model.Step{Action: model.ActionRemove, AppID: appID, Current: &cc},
		)
	}

	return steps
}

func isRunning(s model.Service) bool {
	return s.Status == model.StatusRunning
}

// planTargetOnlyService handles a service declared in target with no
// current instantiation: fetch its image first if missing, else start it.
func planTargetOnlyService(appID int64, t model.Service) []model.Step {
	tt := t
	if imageMissing(tt) {
		return []model.Step{{Action: model.ActionFetch, AppID: appID, Target: &tt}}
	}
	return []model.Step{{Action: model.ActionStart, AppID: appID, Target: &tt}}
}

// imageMissing is true when the target service's image hasn't been
// pulled yet; callers mark this via Status == StatusDownloading.
func imageMissing(t model.Service) bool {
	return t.Status == model.StatusDownloading
}

// orderSteps reorders the flat step list so prerequisites precede
// dependents: volumes and networks before services, fetch before start,
// stop before remove, kill before remove, and remove before the start
// that replaces it (spec.md §4.4 step 4). Stability within a rank
// preserves the per-app, target-declaration-order tie-break already
// established by the planning passes above.
func orderSteps(steps []model.Step) []model.Step {
	rank := func(s model.Step) int {
		switch s.Action {
		case model.ActionCreateVolume, model.ActionCreateNetwork:
			return 0
		case model.ActionFetch:
			return 1
		case model.ActionKill:
			return 2
		case model.ActionStop:
			return 2
		case model.ActionRemove:
			return 3
		case model.ActionUpdateMetadata:
			return 4
		case model.ActionStart, model.ActionHandover, model.ActionRestart:
			return 5
		case model.ActionPurge:
			return 6
		case model.ActionRemoveVolume, model.ActionRemoveNetwork:
			return 7
		default:
			return 8
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return rank(steps[i]) < rank(steps[j]) })
	return steps
}

// PlanServiceAction builds the single step a Control-API handler needs
// for a named action against one service in an app's target (spec.md
// §4.7 step 3). It returns *model.ServiceNotFoundError when the service
// is unknown — the executor/API layer maps that to 404. When both an
// imageID and a serviceName are supplied and both match different
// services, imageID wins (spec.md §9 open question).
func PlanServiceAction(app *model.Application, serviceName string, imageID int64, action model.Action) (model.Step, error) {
	var match *model.Service
	if imageID != 0 {
		for i := range app.Services {
			if app.Services[i].ImageID == imageID {
				match = &app.Services[i]
				break
			}
		}
	}
	if match == nil && serviceName != "" {
		for i := range app.Services {
			if app.Services[i].Name == serviceName {
				match = &app.Services[i]
				break
			}
		}
	}
	if match == nil {
		return model.Step{}, &model.ServiceNotFoundError{AppID: app.AppID, ServiceName: serviceName}
	}

	step := model.Step{Action: action, AppID: app.AppID, Target: match, Wait: true}
	if action == model.ActionStart {
		step.BypassAdvisoryLock = true
	}
	return step, nil
}
