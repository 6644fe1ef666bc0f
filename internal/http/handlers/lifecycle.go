package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/lifecycle"
)

type LifecycleHandler struct {
	broadcaster *lifecycle.Broadcaster
}

func NewLifecycleHandler(broadcaster *lifecycle.Broadcaster) *LifecycleHandler {
	return &LifecycleHandler{broadcaster: broadcaster}
}

// Report records a foreground/background transition from the host shell.
func (h *LifecycleHandler) Report(c *fiber.Ctx) error {
	var req struct {
		State string `json:"state"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "invalid json body"})
	}

	state, err := lifecycle.ParseState(req.State)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}

	changed := h.broadcaster.Publish(state)
	return c.JSON(fiber.Map{"state": state, "changed": changed})
}
