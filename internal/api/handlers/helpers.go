package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/service"
)

func GetUserID(c *fiber.Ctx) int64 {
	userID, _ := c.Locals("user_id").(int64)
	return userID
}

// errorResponse maps service errors onto status codes. Anything unexpected
// is logged and hidden behind a 500.
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNoPlatforms),
		errors.Is(err, service.ErrUnknownPlatform),
		errors.Is(err, service.ErrDuplicatePlatform),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrMediaNotFound),
		errors.Is(err, service.ErrUnsupportedMedia):
		status = fiber.StatusBadRequest
	case errors.Is(err, service.ErrTooManyKeys):
		status = fiber.StatusForbidden
	case errors.Is(err, service.ErrPostNotFound),
		errors.Is(err, service.ErrKeyNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, service.ErrPostNotCancellable),
		errors.Is(err, service.ErrPostInFlight):
		status = fiber.StatusConflict
	}

	if status == fiber.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "error", err)
		return c.Status(status).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
