package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/connectors"
)

// ConnectorsHandler exposes the source catalogue. Library entries reference
// sources by the keys listed here.
type ConnectorsHandler struct {
	registry *connectors.Registry
}

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

func NewConnectorsHandler(registry *connectors.Registry) *ConnectorsHandler {
	return &ConnectorsHandler{registry: registry}
}

func (h *ConnectorsHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"items": h.registry.List()})
}

func (h *ConnectorsHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()
	return c.JSON(fiber.Map{"items": h.registry.Health(ctx)})
}

// Match reports which adapter would sync a title url, without fetching it.
func (h *ConnectorsHandler) Match(c *fiber.Ctx) error {
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "url is required"})
	}

	connector, ok := h.registry.Get(rawURL)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "no source adapter matches url"})
	}

	return c.JSON(connectors.Descriptor{
		Key:  connector.Key(),
		Name: connector.Name(),
		Kind: connector.Kind(),
	})
}

// Search looks titles up on one source so they can be added to the library.
func (h *ConnectorsHandler) Search(c *fiber.Ctx) error {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "q is required"})
	}

	limit := c.QueryInt("limit", defaultSearchLimit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	connector, ok := h.registry.Get(c.Params("key"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "unknown source"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
	defer cancel()

	results, err := connector.SearchByTitle(ctx, query, limit)
	if err != nil {
		if errors.Is(err, connectors.ErrNotFound) {
			return c.JSON(fiber.Map{"items": []connectors.MangaResult{}})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"message": err.Error()})
	}
	if results == nil {
		results = []connectors.MangaResult{}
	}
	if len(results) > limit {
		results = results[:limit]
	}

	return c.JSON(fiber.Map{"items": results})
}
