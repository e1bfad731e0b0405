package controlapi

import (
	"context"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/pkg/cqrs"
)

// The privileged mutations a Control-API handler triggers (spec.md §4.7
// step 3) are dispatched through the teacher's pkg/cqrs command bus
// instead of calling the Executor directly, the way the teacher's own
// HTTP-equivalent surface dispatches into internal/application/command
// (flowmitry-winterflow-agent/internal/winterflow/handlers). Handlers
// here hold no state beyond the Executor they close over.

// StepCommand asks the Executor to run a single planner-built step
// (start-service/stop-service/restart-service).
type StepCommand struct {
	Ctx  context.Context
	Step model.Step
	Opts executor.Options
}

func (StepCommand) Name() string { return "ApplyStep" }

// StepCommandHandler handles StepCommand.
type StepCommandHandler struct {
	exec *executor.Executor
}

func (h *StepCommandHandler) Handle(cmd StepCommand) error {
	outcomes := h.exec.Execute(cmd.Ctx, []model.Step{cmd.Step}, cmd.Opts)
	return firstOutcomeError(outcomes)
}

// StepsCommand asks the Executor to run several steps together
// (restart-app issues one restart step per running service).
type StepsCommand struct {
	Ctx   context.Context
	Steps []model.Step
	Opts  executor.Options
}

func (StepsCommand) Name() string { return "ApplySteps" }

// StepsCommandHandler handles StepsCommand.
type StepsCommandHandler struct {
	exec *executor.Executor
}

func (h *StepsCommandHandler) Handle(cmd StepsCommand) error {
	if len(cmd.Steps) == 0 {
		return nil
	}
	outcomes := h.exec.Execute(cmd.Ctx, cmd.Steps, cmd.Opts)
	return firstOutcomeError(outcomes)
}

// PurgeCommand asks the Executor to stop, remove, and discard every
// current container and volume for an app.
type PurgeCommand struct {
	Ctx   context.Context
	AppID int64
	Opts  executor.Options
}

func (PurgeCommand) Name() string { return "PurgeApp" }

// PurgeCommandHandler handles PurgeCommand.
type PurgeCommandHandler struct {
	exec *executor.Executor
}

func (h *PurgeCommandHandler) Handle(cmd PurgeCommand) error {
	return h.exec.Purge(cmd.Ctx, cmd.AppID, cmd.Opts)
}

// StopAllCommand asks the Executor to stop every service under every
// app's update lock, ahead of a reboot or shutdown primitive call.
type StopAllCommand struct {
	Ctx  context.Context
	Opts executor.Options
}

func (StopAllCommand) Name() string { return "StopAll" }

// StopAllCommandHandler handles StopAllCommand.
type StopAllCommandHandler struct {
	exec *executor.Executor
}

func (h *StopAllCommandHandler) Handle(cmd StopAllCommand) error {
	return h.exec.StopAll(cmd.Ctx, cmd.Opts)
}

// registerCommandHandlers registers every command handler the Control
// API dispatches into. Panics on a registration error, which can only
// happen if two handlers claim the same command name — a programming
// error caught at startup, not a runtime condition.
func registerCommandHandlers(bus *cqrs.DefaultCommandBus, exec *executor.Executor) {
	must(bus.Register(&StepCommandHandler{exec: exec}))
	must(bus.Register(&StepsCommandHandler{exec: exec}))
	must(bus.Register(&PurgeCommandHandler{exec: exec}))
	must(bus.Register(&StopAllCommandHandler{exec: exec}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func firstOutcomeError(outcomes []model.StepOutcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
