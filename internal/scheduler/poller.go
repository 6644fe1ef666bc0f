package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dk5761/reader-sync/internal/librarysync"
	"github.com/dk5761/reader-sync/internal/lifecycle"
)

type runStarter interface {
	StartRun(ctx context.Context) librarysync.RunSnapshot
}

type appStateReader interface {
	Current() lifecycle.State
}

// Poller starts a library sync run on a fixed interval. Ticks that land
// while a run is running or paused, or while the app is in the background,
// are no-ops.
type Poller struct {
	runner   runStarter
	appState appStateReader
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	started  atomic.Bool
}

type PollerConfig struct {
	Interval time.Duration
	// AppState, when set, defers ticks until the app is in the foreground.
	AppState appStateReader
}

func NewPoller(runner runStarter, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		runner:   runner,
		appState: cfg.AppState,
		interval: cfg.Interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("sync scheduler started", "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		if err := p.RunOnce(ctx); err != nil {
			p.logger.Warn("scheduled sync initial run failed", "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("sync scheduler stopped")
				close(p.stopCh)
				return
			case <-ticker.C:
				if err := p.RunOnce(ctx); err != nil {
					p.logger.Warn("scheduled sync run failed", "error", err)
				}
			}
		}
	}()
}

// StopWait waits for a started poller to exit after its context is
// cancelled. It returns at once when the poller was never started.
func (p *Poller) StopWait(timeout time.Duration) {
	if !p.started.Load() {
		return
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	select {
	case <-p.stopCh:
	case <-time.After(timeout):
	}
}

func (p *Poller) RunOnce(ctx context.Context) error {
	if p.appState != nil && p.appState.Current() == lifecycle.StateBackground {
		p.logger.Debug("scheduled sync deferred while app is in background")
		return nil
	}

	snapshot := p.runner.StartRun(ctx)
	if snapshot.Status == librarysync.StatusFailed {
		return fmt.Errorf("start library sync run %s: %s", snapshot.RunID, snapshot.ErrorMessage)
	}

	p.logger.Info("scheduled sync tick", "runId", snapshot.RunID, "status", snapshot.Status, "total", snapshot.Total)
	return nil
}
