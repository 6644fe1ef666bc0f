package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/journal"
	"github.com/dk5761/reader-sync/internal/repository"
)

type EventsHandler struct {
	feed *journal.Feed
}

func NewEventsHandler(feed *journal.Feed) *EventsHandler {
	return &EventsHandler{feed: feed}
}

func (h *EventsHandler) List(c *fiber.Ctx) error {
	query, err := parseEventsQuery(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}

	page, err := h.feed.Page(c.Context(), query)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "failed to list update events"})
	}

	return c.JSON(page)
}

func (h *EventsHandler) MarkSeen(c *fiber.Ctx) error {
	state, err := h.feed.MarkSeenToLatest(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "failed to mark events as seen"})
	}
	return c.JSON(state)
}

func (h *EventsHandler) Summary(c *fiber.Ctx) error {
	summary, err := h.feed.Summary(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "failed to load feed state"})
	}
	return c.JSON(summary)
}

func parseEventsQuery(c *fiber.Ctx) (repository.EventsPageQuery, error) {
	query := repository.EventsPageQuery{
		SourceID: strings.TrimSpace(c.Query("sourceId")),
	}

	if raw := strings.TrimSpace(c.Query("cursor")); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor <= 0 {
			return query, fmt.Errorf("invalid cursor")
		}
		query.Cursor = &cursor
	}

	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return query, fmt.Errorf("invalid limit")
		}
		query.Limit = limit
	}

	if raw := strings.TrimSpace(c.Query("detectedAfter")); raw != "" {
		detectedAfter, err := parseTimestamp(raw)
		if err != nil {
			return query, fmt.Errorf("invalid detectedAfter, expected RFC3339 or unix milliseconds")
		}
		query.DetectedAfter = &detectedAfter
	}

	if raw := strings.TrimSpace(c.Query("unreadOnly")); raw != "" {
		unreadOnly, err := strconv.ParseBool(raw)
		if err != nil {
			return query, fmt.Errorf("invalid unreadOnly")
		}
		query.UnreadOnly = unreadOnly
	}

	return query, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
