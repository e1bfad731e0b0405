package controlapi

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/quentingllmt/hostsupervisor/internal/cloudreporter"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// handleBlink serves POST /v2/blink: fire-and-forget, the pattern stops
// itself after blinkDuration (spec.md §4.7 "Blink").
func (s *Server) handleBlink(c *fiber.Ctx) error {
	s.host.Blink(blinkDuration)
	return c.SendStatus(fiber.StatusOK)
}

// handleRegenerateAPIKey serves POST /v2/regenerate-api-key. The cloud key
// is the only key this Control API can regenerate (internal/domain/repository.KeyStore
// exposes no scoped-key regeneration); when the authenticating key was
// itself the cloud key, the new value is reported to the external state
// channel (spec.md §4.7 "Regenerate-API-key").
func (s *Server) handleRegenerateAPIKey(c *fiber.Ctx) error {
	wasCloudKey, err := s.keys.IsCloudKey(c.Context(), apiKeyFromContext(c))
	if err != nil {
		return writeError(c, err)
	}

	newKey, err := s.keys.RegenerateCloudKey(c.Context())
	if err != nil {
		return writeError(c, err)
	}

	if wasCloudKey && s.cloud != nil {
		if err := s.cloud.ReportCurrentState(c.Context(), cloudreporter.Fields{"apiKey": newKey}); err != nil {
			log.Warn("failed to report regenerated api key", "error", err)
		}
	}

	return c.SendString(newKey)
}

// handleReboot and handleShutdown both stop every service under its
// update lock, then invoke the matching host primitive (spec.md §4.7
// "Reboot/Shutdown").
func (s *Server) handleReboot(c *fiber.Ctx) error {
	return s.stopAllThen(c, true, s.host.Reboot)
}

func (s *Server) handleShutdown(c *fiber.Ctx) error {
	return s.stopAllThen(c, false, s.host.Shutdown)
}

func (s *Server) stopAllThen(c *fiber.Ctx, reboot bool, primitive func(ctx context.Context) error) error {
	var req forceRequest
	_ = c.BodyParser(&req)

	opts := executor.Options{Force: req.Force, LockOverride: s.cfg.LockOverride}
	cmd := StopAllCommand{Ctx: c.Context(), Opts: opts}
	if err := s.cmdBus.Dispatch(cmd); err != nil {
		return writeError(c, err)
	}

	log.Info("host stop sequence complete, invoking primitive", "reboot", reboot)
	if err := primitive(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.loop.SetShuttingDown(reboot)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"Data": "OK", "Error": nil})
}
