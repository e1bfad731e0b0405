package controlapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
)

// errToStatus maps the error taxonomy (spec.md §7) onto the status codes
// spec.md §4.7 step 4 and §6's endpoint table describe.
func errToStatus(err error) int {
	if err == nil {
		return fiber.StatusOK
	}

	var svcNotFound *model.ServiceNotFoundError
	var appNotFound *model.AppNotFoundError
	var outOfScope *model.OutOfScopeError
	var validation *model.ValidationError

	switch {
	case errors.Is(err, model.ErrUpdatesLocked):
		return fiber.StatusLocked
	case errors.As(err, &svcNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &appNotFound):
		return fiber.StatusConflict
	case errors.As(err, &outOfScope):
		return fiber.StatusUnauthorized
	case errors.As(err, &validation):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	return c.Status(errToStatus(err)).JSON(fiber.Map{"error": err.Error()})
}
