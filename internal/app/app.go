package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dk5761/reader-sync/internal/challenge"
	"github.com/dk5761/reader-sync/internal/challenge/rodbrowser"
	"github.com/dk5761/reader-sync/internal/config"
	"github.com/dk5761/reader-sync/internal/connectors"
	connectordefaults "github.com/dk5761/reader-sync/internal/connectors/defaults"
	"github.com/dk5761/reader-sync/internal/database"
	apihttp "github.com/dk5761/reader-sync/internal/http"
	"github.com/dk5761/reader-sync/internal/journal"
	"github.com/dk5761/reader-sync/internal/librarysync"
	"github.com/dk5761/reader-sync/internal/lifecycle"
	"github.com/dk5761/reader-sync/internal/notifications"
	"github.com/dk5761/reader-sync/internal/repository"
	"github.com/dk5761/reader-sync/internal/transport"
)

// App holds the wired sync core shared by the API server and the CLI.
type App struct {
	Config     config.Config
	DB         *sql.DB
	Transport  *transport.Client
	Negotiator *challenge.Negotiator
	Registry   *connectors.Registry
	Library    *repository.LibraryRepository
	Events     *repository.UpdateEventRepository
	Feed       *journal.Feed
	Lifecycle  *lifecycle.Broadcaster
	Controller *librarysync.Controller
	logger     *slog.Logger
}

// Build opens the database, applies migrations and wires transport,
// challenge negotiation, adapters and the run controller together.
func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := database.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
	}

	if err := database.ApplyMigrations(db, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	client, err := transport.New(transport.Options{
		Timeout:                cfg.HTTP.Timeout,
		UserAgent:              cfg.HTTP.UserAgent,
		RatePerHost:            cfg.HTTP.RatePerHost,
		Burst:                  cfg.HTTP.Burst,
		ChallengeAutoTimeout:   cfg.Challenge.AutoTimeout,
		ChallengeManualTimeout: cfg.Challenge.ManualTimeout,
		AllowManualFallback:    cfg.Challenge.AllowManualFallback,
		Logger:                 logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	negotiator := challenge.NewNegotiator(rodbrowser.New(cfg.Challenge.BrowserBin, logger), challenge.Options{
		CookieNames: cfg.Challenge.CookieNames,
		CookieSink:  client,
		Logger:      logger,
	})
	client.SetSolver(negotiator)

	registry, registryErr := connectordefaults.NewRegistry(cfg.YAMLConnectorsPath, client)
	if registryErr != nil {
		logger.Warn("connector registry loaded with warnings", "error", registryErr)
	}

	notifier := notifications.Notifier(notifications.NoopNotifier{})
	if cfg.NotifyWebhookURL != "" {
		webhook, err := notifications.NewWebhookNotifier(cfg.NotifyWebhookURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create webhook notifier: %w", err)
		}
		notifier = notifications.NewMultiNotifier(webhook)
	}

	library := repository.NewLibraryRepository(db)
	events := repository.NewUpdateEventRepository(db)
	broadcaster := lifecycle.NewBroadcaster()

	controller := librarysync.NewController(
		library,
		registry,
		notifier,
		broadcaster,
		librarysync.Config{TitleTimeout: cfg.Sync.TitleTimeout},
		logger,
	)

	return &App{
		Config:     cfg,
		DB:         db,
		Transport:  client,
		Negotiator: negotiator,
		Registry:   registry,
		Library:    library,
		Events:     events,
		Feed:       journal.NewFeed(events),
		Lifecycle:  broadcaster,
		Controller: controller,
		logger:     logger,
	}, nil
}

func (a *App) Dependencies() apihttp.Dependencies {
	return apihttp.Dependencies{
		DB:         a.DB,
		Registry:   a.Registry,
		Library:    a.Library,
		Feed:       a.Feed,
		Controller: a.Controller,
		Negotiator: a.Negotiator,
		Lifecycle:  a.Lifecycle,
	}
}

// Close stops the controller and closes the database.
func (a *App) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.Controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sync controller: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sqlite: %w", err))
	}
	return errors.Join(errs...)
}
