package http

import (
	"database/sql"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/dk5761/reader-sync/internal/challenge"
	"github.com/dk5761/reader-sync/internal/config"
	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/http/handlers"
	"github.com/dk5761/reader-sync/internal/journal"
	"github.com/dk5761/reader-sync/internal/librarysync"
	"github.com/dk5761/reader-sync/internal/lifecycle"
	"github.com/dk5761/reader-sync/internal/repository"
)

type Dependencies struct {
	DB         *sql.DB
	Registry   *connectors.Registry
	Library    *repository.LibraryRepository
	Feed       *journal.Feed
	Controller *librarysync.Controller
	Negotiator *challenge.Negotiator
	Lifecycle  *lifecycle.Broadcaster
}

func NewServer(cfg config.Config, deps Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: cfg.AppName,
	})

	app.Use(recover.New())

	health := handlers.NewHealthHandler(deps.DB, deps.Controller)
	connectorHandlers := handlers.NewConnectorsHandler(deps.Registry)
	syncHandlers := handlers.NewSyncHandler(deps.Controller)
	events := handlers.NewEventsHandler(deps.Feed)
	library := handlers.NewLibraryHandler(deps.Library, deps.Registry)
	challenges := handlers.NewChallengesHandler(deps.Negotiator)
	appState := handlers.NewLifecycleHandler(deps.Lifecycle)

	app.Get("/health", health.Check)
	app.Get("/v1/health", health.Check)

	v1 := app.Group("/v1")
	v1.Get("/connectors", connectorHandlers.List)
	v1.Get("/connectors/health", connectorHandlers.Health)
	v1.Get("/connectors/match", connectorHandlers.Match)
	v1.Get("/connectors/:key/search", connectorHandlers.Search)

	v1.Get("/sync/run", syncHandlers.Snapshot)
	v1.Get("/sync/run/stream", syncHandlers.Stream)
	v1.Post("/sync/run/start", syncHandlers.Start)
	v1.Post("/sync/run/pause", syncHandlers.Pause)
	v1.Post("/sync/run/resume", syncHandlers.Resume)
	v1.Post("/sync/run/cancel", syncHandlers.Cancel)

	v1.Get("/library/entries", library.List)
	v1.Post("/library/entries", library.Create)
	v1.Delete("/library/entries/:sourceId/:mangaId", library.Delete)
	v1.Get("/library/events", events.List)
	v1.Post("/library/events/mark-seen", events.MarkSeen)
	v1.Get("/library/feed", events.Summary)

	v1.Get("/challenges/active", challenges.Active)
	v1.Post("/challenges/:id/done", challenges.Done)
	v1.Post("/challenges/:id/cancel", challenges.Cancel)

	v1.Post("/lifecycle", appState.Report)

	return app
}
