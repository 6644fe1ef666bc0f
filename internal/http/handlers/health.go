package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/librarysync"
)

type HealthHandler struct {
	db         *sql.DB
	controller *librarysync.Controller
}

func NewHealthHandler(db *sql.DB, controller *librarysync.Controller) *HealthHandler {
	return &HealthHandler{db: db, controller: controller}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	syncStatus := librarysync.StatusIdle
	if h.controller != nil {
		syncStatus = h.controller.Snapshot().Status
	}

	if err := h.db.PingContext(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"db":     "down",
			"sync":   syncStatus,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(fiber.Map{
		"status": "ok",
		"db":     "up",
		"sync":   syncStatus,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
