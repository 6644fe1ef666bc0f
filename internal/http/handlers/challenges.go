package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/challenge"
)

// ChallengesHandler lets the UI see mounted solve sessions and report on
// the manual one.
type ChallengesHandler struct {
	negotiator *challenge.Negotiator
}

func NewChallengesHandler(negotiator *challenge.Negotiator) *ChallengesHandler {
	return &ChallengesHandler{negotiator: negotiator}
}

func (h *ChallengesHandler) Active(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"items": h.negotiator.ActiveSessions()})
}

func (h *ChallengesHandler) Done(c *fiber.Ctx) error {
	if !h.negotiator.SignalDone(c.Params("id")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "manual challenge session not found"})
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *ChallengesHandler) Cancel(c *fiber.Ctx) error {
	if !h.negotiator.CancelManual(c.Params("id")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "manual challenge session not found"})
	}
	return c.SendStatus(fiber.StatusAccepted)
}
