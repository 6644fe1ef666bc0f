package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/models"
	"github.com/dk5761/reader-sync/internal/repository"
	"github.com/dk5761/reader-sync/internal/searchutil"
)

type createEntryRequest struct {
	SourceID     string  `json:"sourceId"`
	MangaID      string  `json:"mangaId"`
	Title        string  `json:"title"`
	URL          *string `json:"url"`
	ThumbnailURL *string `json:"thumbnailUrl"`
	Status       *string `json:"status"`
}

type LibraryHandler struct {
	repo     *repository.LibraryRepository
	registry *connectors.Registry
}

func NewLibraryHandler(repo *repository.LibraryRepository, registry *connectors.Registry) *LibraryHandler {
	return &LibraryHandler{repo: repo, registry: registry}
}

func (h *LibraryHandler) List(c *fiber.Ctx) error {
	sourceIDs := make([]string, 0)
	for _, raw := range strings.Split(c.Query("sourceId"), ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			sourceIDs = append(sourceIDs, trimmed)
		}
	}

	entries, err := h.repo.ListLibraryEntries(c.Context(), sourceIDs...)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "failed to list library entries"})
	}

	return c.JSON(fiber.Map{"items": searchutil.FilterEntries(entries, c.Query("q"))})
}

// Create follows a title. A bare url is resolved through the matching
// source adapter; otherwise sourceId and mangaId are required.
func (h *LibraryHandler) Create(c *fiber.Ctx) error {
	var req createEntryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "invalid json body"})
	}

	entry, status, err := h.buildEntry(c.Context(), req)
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"message": err.Error()})
	}

	created, err := h.repo.UpsertLibraryEntry(c.Context(), entry)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "failed to save library entry"})
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *LibraryHandler) Delete(c *fiber.Ctx) error {
	deleted, err := h.repo.DeleteLibraryEntry(c.Context(), c.Params("sourceId"), c.Params("mangaId"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "failed to delete library entry"})
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "library entry not found"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *LibraryHandler) buildEntry(ctx context.Context, req createEntryRequest) (models.LibraryEntry, int, error) {
	sourceID := strings.ToLower(strings.TrimSpace(req.SourceID))
	mangaID := strings.TrimSpace(req.MangaID)

	if sourceID != "" && mangaID != "" {
		if _, ok := h.registry.Get(sourceID); !ok {
			return models.LibraryEntry{}, fiber.StatusBadRequest, errors.New("unknown sourceId")
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = mangaID
		}
		return models.LibraryEntry{
			SourceID:     sourceID,
			MangaID:      mangaID,
			Title:        title,
			URL:          req.URL,
			ThumbnailURL: req.ThumbnailURL,
			Status:       req.Status,
		}, 0, nil
	}

	if req.URL == nil || strings.TrimSpace(*req.URL) == "" {
		return models.LibraryEntry{}, fiber.StatusBadRequest, errors.New("sourceId and mangaId, or url, are required")
	}

	rawURL := strings.TrimSpace(*req.URL)
	connector, ok := h.registry.Get(firstNonEmpty(sourceID, rawURL))
	if !ok {
		return models.LibraryEntry{}, fiber.StatusBadRequest, errors.New("no source adapter matches url")
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resolved, err := connector.ResolveByURL(resolveCtx, rawURL)
	if err != nil {
		if errors.Is(err, connectors.ErrNotFound) {
			return models.LibraryEntry{}, fiber.StatusNotFound, errors.New("title not found at source")
		}
		return models.LibraryEntry{}, fiber.StatusBadGateway, errors.New("failed to resolve url at source")
	}

	entry := models.LibraryEntry{
		SourceID: connector.Key(),
		MangaID:  resolved.SourceItemID,
		Title:    firstNonEmpty(strings.TrimSpace(req.Title), resolved.Title),
		URL:      &resolved.URL,
		Status:   req.Status,
	}
	if resolved.CoverImageURL != "" {
		entry.ThumbnailURL = &resolved.CoverImageURL
	}
	return entry, 0, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
