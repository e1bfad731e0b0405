// Package eventbus maps the source design's event-emitter fan-out onto
// typed broadcast channels, one per event kind, per spec.md §9's design
// note: change, step-completed, step-error, apply-target-state-end and
// shutdown.
package eventbus

import (
	"sync"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
)

// ChangeEvent is published whenever target state or current state changes
// in a way status readers may care about.
type ChangeEvent struct {
	Reason string
}

// ApplyEndEvent is published when one apply cycle's execution finishes.
type ApplyEndEvent struct {
	Err error
}

// ShutdownEvent is published once, when the supervisor has committed to a
// reboot or shutdown sequence.
type ShutdownEvent struct {
	Reboot bool
}

// Bus fans out each event kind to any number of subscribers. A
// subscriber that is slow to drain its channel only delays itself: Bus
// never blocks a publisher on a full subscriber channel, it drops the
// event for that subscriber instead.
type Bus struct {
	mu sync.Mutex

	change       []chan ChangeEvent
	stepDone     []chan model.StepOutcome
	stepErr      []chan model.StepOutcome
	applyEnd     []chan ApplyEndEvent
	shutdown     []chan ShutdownEvent
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

func subscribe[T any](mu *sync.Mutex, list *[]chan T) <-chan T {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan T, 16)
	*list = append(*list, ch)
	return ch
}

func publish[T any](mu *sync.Mutex, list *[]chan T, evt T) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range *list {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Bus) SubscribeChange() <-chan ChangeEvent { return subscribe(&b.mu, &b.change) }
func (b *Bus) PublishChange(evt ChangeEvent)        { publish(&b.mu, &b.change, evt) }

func (b *Bus) SubscribeStepCompleted() <-chan model.StepOutcome { return subscribe(&b.mu, &b.stepDone) }
func (b *Bus) PublishStepCompleted(evt model.StepOutcome)        { publish(&b.mu, &b.stepDone, evt) }

func (b *Bus) SubscribeStepError() <-chan model.StepOutcome { return subscribe(&b.mu, &b.stepErr) }
func (b *Bus) PublishStepError(evt model.StepOutcome)        { publish(&b.mu, &b.stepErr, evt) }

func (b *Bus) SubscribeApplyEnd() <-chan ApplyEndEvent { return subscribe(&b.mu, &b.applyEnd) }
func (b *Bus) PublishApplyEnd(evt ApplyEndEvent)        { publish(&b.mu, &b.applyEnd, evt) }

func (b *Bus) SubscribeShutdown() <-chan ShutdownEvent { return subscribe(&b.mu, &b.shutdown) }
func (b *Bus) PublishShutdown(evt ShutdownEvent)        { publish(&b.mu, &b.shutdown, evt) }
