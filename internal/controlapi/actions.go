package controlapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/internal/planner"
)

type serviceActionRequest struct {
	ServiceName string `json:"serviceName"`
	ImageID     int64  `json:"imageId"`
	Force       bool   `json:"force"`
}

type forceRequest struct {
	Force bool `json:"force"`
}

// serviceActionHandler builds the handler for start-service/stop-service/
// restart-service: each dispatches a single planner-built step through the
// Executor's single-step path, reusing its lock discipline (spec.md §4.7
// step 3).
func (s *Server) serviceActionHandler(action model.Action) fiber.Handler {
	return func(c *fiber.Ctx) error {
		appID, err := parseAppID(c)
		if err != nil {
			return writeError(c, err)
		}
		if !scopeFromContext(c).IsScoped(appID) {
			return writeError(c, &model.OutOfScopeError{AppID: appID})
		}

		var req serviceActionRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, &model.ValidationError{Message: "invalid request body"})
		}
		if req.ServiceName == "" && req.ImageID == 0 {
			return writeError(c, &model.ValidationError{Message: "serviceName or imageId is required"})
		}

		app, err := s.store.GetTargetApp(c.Context(), appID)
		if err != nil {
			return writeError(c, err)
		}

		step, err := planner.PlanServiceAction(app, req.ServiceName, req.ImageID, action)
		if err != nil {
			return writeError(c, err)
		}

		opts := executor.Options{Force: req.Force, LockOverride: s.cfg.LockOverride}
		cmd := StepCommand{Ctx: c.Context(), Step: step, Opts: opts}
		if err := s.cmdBus.Dispatch(cmd); err != nil {
			return writeError(c, err)
		}

		if overlay, ok := overlayFor(action); ok && step.Target != nil {
			if err := s.store.SetServiceOverlay(c.Context(), appID, step.Target.Name, overlay); err != nil {
				return writeError(c, err)
			}
		}
		return c.SendString("OK")
	}
}

// overlayFor reports the volatile overlay an explicit start/stop should
// bias the planner with (spec.md §3, §4.4 step 3c); other actions leave
// the overlay untouched.
func overlayFor(action model.Action) (model.VolatileOverlay, bool) {
	switch action {
	case model.ActionStart:
		return model.VolatileOverlay{Running: true}, true
	case model.ActionStop:
		return model.VolatileOverlay{Running: false}, true
	default:
		return model.VolatileOverlay{}, false
	}
}

// handlePurge serves POST /v2/applications/:appId/purge (spec.md §6):
// stops and removes every current container and volume for the app.
func (s *Server) handlePurge(c *fiber.Ctx) error {
	appID, err := parseAppID(c)
	if err != nil {
		return writeError(c, err)
	}
	if !scopeFromContext(c).IsScoped(appID) {
		return writeError(c, &model.OutOfScopeError{AppID: appID})
	}

	var req forceRequest
	_ = c.BodyParser(&req)

	opts := executor.Options{Force: req.Force, LockOverride: s.cfg.LockOverride}
	cmd := PurgeCommand{Ctx: c.Context(), AppID: appID, Opts: opts}
	if err := s.cmdBus.Dispatch(cmd); err != nil {
		return writeError(c, err)
	}
	return c.SendString("OK")
}

// handleRestartApp serves POST /v2/applications/:appId/restart: restarts
// every currently-running service belonging to the app. An app with no
// currently-observed services is a no-op success, mirroring Purge's
// treatment of an unknown app (spec.md §6 lists no 404/409 for this
// endpoint).
func (s *Server) handleRestartApp(c *fiber.Ctx) error {
	appID, err := parseAppID(c)
	if err != nil {
		return writeError(c, err)
	}
	if !scopeFromContext(c).IsScoped(appID) {
		return writeError(c, &model.OutOfScopeError{AppID: appID})
	}

	var req forceRequest
	_ = c.BodyParser(&req)

	current, err := s.store.GetCurrentApps(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	var steps []model.Step
	for _, app := range current {
		if app.AppID != appID {
			continue
		}
		for i := range app.Services {
			svc := app.Services[i]
			if svc.ContainerID == "" {
				continue
			}
			steps = append(steps, model.Step{Action: model.ActionRestart, AppID: appID, Current: &svc, Target: &svc})
		}
	}
	if len(steps) == 0 {
		return c.SendString("OK")
	}

	opts := executor.Options{Force: req.Force, LockOverride: s.cfg.LockOverride}
	cmd := StepsCommand{Ctx: c.Context(), Steps: steps, Opts: opts}
	if err := s.cmdBus.Dispatch(cmd); err != nil {
		return writeError(c, err)
	}
	return c.SendString("OK")
}
