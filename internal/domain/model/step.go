package model

// Action identifies the kind of composition step the planner can emit.
type Action string

const (
	ActionFetch          Action = "fetch"
	ActionKill           Action = "kill"
	ActionRemove         Action = "remove"
	ActionStart          Action = "start"
	ActionUpdateMetadata Action = "updateMetadata"
	ActionHandover       Action = "handover"
	ActionRestart        Action = "restart"
	ActionStop           Action = "stop"
	ActionPurge          Action = "purge"
	ActionCreateNetwork  Action = "createNetwork"
	ActionRemoveNetwork  Action = "removeNetwork"
	ActionCreateVolume   Action = "createVolume"
	ActionRemoveVolume   Action = "removeVolume"
	ActionNoop           Action = "noop"
)

// alwaysLockFree lists the actions the executor never wraps in an advisory
// lock (spec.md §4.5 step 2), regardless of the `force`/`lockOverride`
// setting.
var alwaysLockFree = map[Action]bool{
	ActionFetch:          true,
	ActionUpdateMetadata: true,
	ActionNoop:           true,
}

// IsAlwaysLockFree reports whether an action is never wrapped in the
// advisory lock.
func (a Action) IsAlwaysLockFree() bool {
	return alwaysLockFree[a]
}

// Step is a single atomic action on one service/network/volume/image,
// along with the context the executor needs to carry it out.
type Step struct {
	Action Action
	AppID  int64

	// Current and Target describe the service this step concerns, where
	// applicable. Either may be nil depending on the action (e.g. a
	// `fetch` step only populates Target).
	Current *Service
	Target  *Service

	Network *Network
	Volume  *Volume
	Image   *Image

	// DeviceConfig carries the changed host-level settings for a
	// device-config step (AppID is 0 in that case). Device-config steps
	// are always planned and returned alone, ahead of any app step.
	DeviceConfig map[string]string

	// Wait, when true, marks a step that came from the Control API's
	// single-step dispatch path, whose caller synchronously waits for its
	// outcome (spec.md §4.7 step 3). The executor does not read it.
	Wait bool

	// BypassAdvisoryLock is set on steps the Control API explicitly wants
	// to run without advisory-lock coordination (the `start-service`
	// action, spec.md §6).
	BypassAdvisoryLock bool
}

// StepOutcome is what the executor emits on its step-completed/step-error
// channels for a single step.
type StepOutcome struct {
	Step Step
	Err  error
}
