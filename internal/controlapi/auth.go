package controlapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
)

const (
	localScopeKey = "scope"
	localAPIKeyKey = "apiKey"
)

// authMiddleware validates the bearer/apikey credential on every /v2
// route, stashing the resolved scope for handlers to check against the
// appId they affect (spec.md §4.7 steps 1-2). Local-mode bypasses auth
// entirely, matching spec.md §6's "Local-mode bypasses auth".
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.cfg.LocalMode {
		c.Locals(localScopeKey, repository.Scope{Wildcard: true})
		return c.Next()
	}

	key := bearerToken(c)
	if key == "" {
		key = c.Query("apikey")
	}
	if key == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing api key")
	}

	scope, err := s.keys.Validate(c.Context(), key)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or revoked api key")
	}

	c.Locals(localScopeKey, scope)
	c.Locals(localAPIKeyKey, key)
	return c.Next()
}

func bearerToken(c *fiber.Ctx) string {
	h := c.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func scopeFromContext(c *fiber.Ctx) repository.Scope {
	scope, _ := c.Locals(localScopeKey).(repository.Scope)
	return scope
}

func apiKeyFromContext(c *fiber.Ctx) string {
	key, _ := c.Locals(localAPIKeyKey).(string)
	return key
}
