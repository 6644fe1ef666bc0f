package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dk5761/reader-sync/internal/app"
	"github.com/dk5761/reader-sync/internal/config"
	apihttp "github.com/dk5761/reader-sync/internal/http"
	"github.com/dk5761/reader-sync/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	core, err := app.Build(cfg, logger)
	if err != nil {
		slog.Error("failed to start sync core", "error", err)
		os.Exit(1)
	}

	server := apihttp.NewServer(cfg, core.Dependencies())

	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	poller := scheduler.NewPoller(
		core.Controller,
		scheduler.PollerConfig{
			Interval: time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
			AppState: core.Lifecycle,
		},
		logger,
	)
	if cfg.Sync.ScheduleEnabled {
		poller.Start(pollerCtx)
	}

	go func() {
		if err := server.Listen(":" + cfg.Port); err != nil {
			slog.Error("server stopped", "error", err)
		}
	}()

	slog.Info("api started", "port", cfg.Port, "env", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down server")
	pollerCancel()
	if cfg.Sync.ScheduleEnabled {
		poller.StopWait(2 * time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := core.Close(5 * time.Second); err != nil {
		slog.Error("sync core shutdown error", "error", err)
	}
}
