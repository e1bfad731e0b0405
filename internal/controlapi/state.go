package controlapi

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/version"
)

func parseAppID(c *fiber.Ctx) (int64, error) {
	raw := c.Params("appId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Message: fmt.Sprintf("invalid appId %q", raw)}
	}
	return id, nil
}

func (s *Server) handleGetVPN(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "success",
		"vpn": fiber.Map{
			"enabled":   false,
			"connected": false,
		},
	})
}

func (s *Server) handleGetVersion(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version":        version.GetVersion(),
		"numericVersion": version.GetNumericVersion(),
	})
}

func (s *Server) handleHealthy(c *fiber.Ctx) error {
	ok := s.loop.Healthcheck()
	if ok {
		if err := s.runtime.Ping(c.Context()); err != nil {
			ok = false
		}
	}
	if !ok {
		return c.Status(fiber.StatusInternalServerError).SendString("Unhealthy")
	}
	return c.SendString("OK")
}

// handleGetAppState serves GET /v2/applications/:appId/state. Both an
// unknown app and one outside the authenticating key's scope surface as
// 409, matching spec.md §6's table entry for this endpoint specifically
// (the general 401-for-out-of-scope rule in spec.md §4.7 step 2 applies
// to every other handler, but this one groups both cases together).
func (s *Server) handleGetAppState(c *fiber.Ctx) error {
	appID, err := parseAppID(c)
	if err != nil {
		return writeError(c, err)
	}

	if !scopeFromContext(c).IsScoped(appID) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "app unknown or out of scope"})
	}

	apps, err := s.store.GetApps(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	var app *model.Application
	for _, a := range apps {
		if a.AppID == appID {
			app = a
			break
		}
	}
	if app == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "app unknown or out of scope"})
	}

	commit, err := s.store.GetCommitForApp(c.Context(), appID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"commit": commit,
		"local": fiber.Map{
			strconv.FormatInt(appID, 10): appStateView(app),
		},
		"dependent": fiber.Map{},
	})
}

func appStateView(app *model.Application) fiber.Map {
	services := make(fiber.Map, len(app.Services))
	for _, svc := range app.Services {
		services[svc.Name] = fiber.Map{
			"status":  svc.Status,
			"imageId": svc.ImageID,
			"releaseId": svc.ReleaseID,
		}
	}
	return fiber.Map{
		"appId":     app.AppID,
		"commit":    app.Commit,
		"name":      app.Name,
		"releaseId": app.ReleaseID,
		"services":  services,
	}
}

// handleGetStateStatus serves GET /v2/state/status, a single-app view.
// When the caller's scope narrows to exactly one app that app is used;
// otherwise the lowest appId among visible apps is picked deterministically
// (spec.md §9 Open Question — the source picks an arbitrary first app).
func (s *Server) handleGetStateStatus(c *fiber.Ctx) error {
	apps, err := s.store.GetApps(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	scope := scopeFromContext(c)
	var visible []*model.Application
	for _, a := range apps {
		if scope.IsScoped(a.AppID) {
			visible = append(visible, a)
		}
	}
	if len(visible) == 0 {
		return c.JSON(fiber.Map{"status": "success", "appState": "applied"})
	}

	sort.Slice(visible, func(i, j int) bool { return visible[i].AppID < visible[j].AppID })
	app := visible[0]

	images, err := s.runtime.ListImages(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	containers, err := s.runtime.ListContainers(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	appState := "applied"
	if s.loop.IsApplying() {
		appState = "applying"
	}

	return c.JSON(fiber.Map{
		"status":                  "success",
		"appState":                appState,
		"overallDownloadProgress": nil,
		"containers":              containers,
		"images":                  images,
		"release":                 app.ReleaseID,
	})
}

func (s *Server) handleGetLocalTargetState(c *fiber.Ctx) error {
	target, err := s.store.GetTarget(c.Context(), repository.GetTargetOptions{})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "state": target})
}

func (s *Server) handlePostLocalTargetState(c *fiber.Ctx) error {
	if !s.cfg.LocalMode {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "local mode is not enabled"})
	}

	var target model.Target
	if err := c.BodyParser(&target); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid target state body"})
	}

	if err := s.store.SetTarget(c.Context(), &target); err != nil {
		return writeError(c, err)
	}

	s.loop.Trigger(c.Context(), false, 0, true)
	return c.JSON(fiber.Map{"status": "success"})
}

func (s *Server) handleGetContainerID(c *fiber.Ctx) error {
	serviceName := c.Query("serviceName")

	apps, err := s.store.GetCurrentApps(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	if serviceName != "" {
		for _, app := range apps {
			for _, svc := range app.Services {
				if svc.Name == serviceName && svc.ContainerID != "" {
					return c.JSON(fiber.Map{"containerId": svc.ContainerID})
				}
			}
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service not found"})
	}

	result := make(fiber.Map)
	for _, app := range apps {
		for _, svc := range app.Services {
			if svc.ContainerID != "" {
				result[svc.Name] = svc.ContainerID
			}
		}
	}
	if len(result) == 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no services found"})
	}
	return c.JSON(fiber.Map{"services": result})
}
