package librarysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/lifecycle"
	"github.com/dk5761/reader-sync/internal/models"
	"github.com/dk5761/reader-sync/internal/notifications"
	"github.com/dk5761/reader-sync/internal/repository"
)

// ErrFetchAborted is the cancellation cause of an in-flight title fetch that
// was interrupted by pause, cancel or shutdown. It is never counted as a
// title failure.
var ErrFetchAborted = errors.New("library sync fetch aborted")

const errNoRunContext = "no run context left to resume"

type libraryStore interface {
	ListLibraryEntries(ctx context.Context, sourceIDs ...string) ([]models.LibraryEntry, error)
	GetLibraryUpdateState(ctx context.Context, sourceID string, mangaID string) (*models.LibraryUpdateState, error)
	ApplyTitleSync(ctx context.Context, input repository.TitleSync) (*models.LibraryUpdateEvent, error)
}

type connectorLookup interface {
	Get(key string) (connectors.Connector, bool)
}

type appStateSource interface {
	Subscribe(fn func(lifecycle.State)) func()
}

type Config struct {
	TitleTimeout time.Duration
}

// Controller drives sync runs over the library, one title at a time. At most
// one run exists; it lives in memory only.
type Controller struct {
	store        libraryStore
	registry     connectorLookup
	notifier     notifications.Notifier
	appState     appStateSource
	titleTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	loops      sync.WaitGroup

	listenerOnce        sync.Once
	unsubscribeAppState func()

	mu          sync.Mutex
	snapshot    RunSnapshot
	run         *runContext
	generation  uint64
	subscribers map[int]func(RunSnapshot)
	nextSubID   int
}

// runContext is the resumable part of a run: the entry list captured at
// start and the position of the next title to check.
type runContext struct {
	id      string
	entries []models.LibraryEntry
	index   int
	abort   context.CancelCauseFunc
}

func NewController(
	store libraryStore,
	registry connectorLookup,
	notifier notifications.Notifier,
	appState appStateSource,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notifications.NoopNotifier{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Controller{
		store:        store,
		registry:     registry,
		notifier:     notifier,
		appState:     appState,
		titleTimeout: cfg.TitleTimeout,
		logger:       logger,
		now:          time.Now,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		snapshot:     RunSnapshot{Status: StatusIdle},
		subscribers:  map[int]func(RunSnapshot){},
	}
}

func (c *Controller) Snapshot() RunSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.clone()
}

// Subscribe calls fn with every snapshot change. The returned function
// removes the subscription.
func (c *Controller) Subscribe(fn func(RunSnapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// StartRun captures the library and starts checking it in the background.
// While a run is running or paused it only returns the current snapshot.
func (c *Controller) StartRun(ctx context.Context) RunSnapshot {
	c.mu.Lock()
	if c.snapshot.Active() {
		snapshot := c.snapshot.clone()
		c.mu.Unlock()
		return snapshot
	}
	c.mu.Unlock()

	c.listenerOnce.Do(c.listenForAppState)

	entries, err := c.store.ListLibraryEntries(ctx)

	c.mu.Lock()
	if c.snapshot.Active() {
		snapshot := c.snapshot.clone()
		c.mu.Unlock()
		return snapshot
	}

	now := c.now().UTC()
	runID := uuid.NewString()
	c.snapshot = RunSnapshot{
		RunID:     runID,
		Status:    StatusRunning,
		Total:     len(entries),
		StartedAt: &now,
	}
	c.run = nil
	c.generation++

	switch {
	case err != nil:
		c.snapshot.Status = StatusFailed
		c.snapshot.ErrorMessage = fmt.Sprintf("load library entries: %v", err)
		c.snapshot.EndedAt = &now
		c.logger.Error("library sync failed to start", "runId", runID, "error", err)
	case len(entries) == 0:
		c.snapshot.Status = StatusCompleted
		c.snapshot.EndedAt = &now
		c.logger.Info("library sync completed", "runId", runID, "total", 0)
	default:
		c.run = &runContext{id: runID, entries: entries}
		c.startLoopLocked()
		c.logger.Info("library sync started", "runId", runID, "total", len(entries))
	}

	snapshot, subscribers := c.snapshot.clone(), c.subscribersLocked()
	c.mu.Unlock()

	notify(subscribers, snapshot)
	return snapshot
}

// PauseRun stops a running run after aborting its in-flight title. The
// aborted title is checked again on resume.
func (c *Controller) PauseRun(fromAppState bool) RunSnapshot {
	c.mu.Lock()
	if c.snapshot.Status != StatusRunning {
		snapshot := c.snapshot.clone()
		c.mu.Unlock()
		return snapshot
	}

	c.snapshot.Status = StatusPaused
	c.snapshot.PausedByAppState = fromAppState
	c.generation++
	c.abortInFlightLocked()

	c.logger.Info("library sync paused", "runId", c.snapshot.RunID, "fromAppState", fromAppState, "processed", c.snapshot.Processed)

	snapshot, subscribers := c.snapshot.clone(), c.subscribersLocked()
	c.mu.Unlock()

	notify(subscribers, snapshot)
	return snapshot
}

// ResumeRun continues a paused run from the title that was interrupted.
// Without a surviving run context the run fails.
func (c *Controller) ResumeRun() RunSnapshot {
	c.mu.Lock()
	if c.snapshot.Status != StatusPaused {
		snapshot := c.snapshot.clone()
		c.mu.Unlock()
		return snapshot
	}

	c.snapshot.PausedByAppState = false
	if c.run == nil {
		endedAt := c.now().UTC()
		c.snapshot.Status = StatusFailed
		c.snapshot.ErrorMessage = errNoRunContext
		c.snapshot.EndedAt = &endedAt
		c.snapshot.Current = nil
		c.logger.Warn("library sync resume failed", "runId", c.snapshot.RunID, "error", errNoRunContext)
	} else {
		c.snapshot.Status = StatusRunning
		c.generation++
		c.startLoopLocked()
		c.logger.Info("library sync resumed", "runId", c.snapshot.RunID, "index", c.run.index)
	}

	snapshot, subscribers := c.snapshot.clone(), c.subscribersLocked()
	c.mu.Unlock()

	notify(subscribers, snapshot)
	return snapshot
}

// CancelRun ends a running or paused run for good.
func (c *Controller) CancelRun() RunSnapshot {
	c.mu.Lock()
	if !c.snapshot.Active() {
		snapshot := c.snapshot.clone()
		c.mu.Unlock()
		return snapshot
	}

	c.abortInFlightLocked()
	c.run = nil
	c.generation++

	endedAt := c.now().UTC()
	c.snapshot.Status = StatusCancelled
	c.snapshot.EndedAt = &endedAt
	c.snapshot.Current = nil
	c.snapshot.PausedByAppState = false

	c.logger.Info("library sync cancelled", "runId", c.snapshot.RunID, "processed", c.snapshot.Processed)

	snapshot, subscribers := c.snapshot.clone(), c.subscribersLocked()
	c.mu.Unlock()

	notify(subscribers, snapshot)
	return snapshot
}

// Shutdown aborts any in-flight title and waits for the loop to exit. The
// run context is dropped, so a paused run can no longer be resumed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.abortInFlightLocked()
	c.run = nil
	c.generation++
	c.mu.Unlock()

	c.baseCancel()
	if c.unsubscribeAppState != nil {
		c.unsubscribeAppState()
	}

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for library sync loop: %w", ctx.Err())
	}
}

func (c *Controller) listenForAppState() {
	if c.appState == nil {
		return
	}
	c.unsubscribeAppState = c.appState.Subscribe(c.handleAppState)
}

func (c *Controller) handleAppState(state lifecycle.State) {
	snapshot := c.Snapshot()

	switch state {
	case lifecycle.StateBackground:
		if snapshot.Status == StatusRunning {
			c.PauseRun(true)
		}
	case lifecycle.StateForeground:
		if snapshot.Status == StatusPaused && snapshot.PausedByAppState {
			c.ResumeRun()
		}
	}
}

func (c *Controller) startLoopLocked() {
	generation := c.generation
	c.loops.Add(1)
	go c.loop(generation)
}

func (c *Controller) abortInFlightLocked() {
	if c.run != nil && c.run.abort != nil {
		c.run.abort(ErrFetchAborted)
		c.run.abort = nil
	}
}

// ownsLocked reports whether the loop started for generation still owns run.
// Pause, resume, cancel and shutdown all bump the generation.
func (c *Controller) ownsLocked(generation uint64, run *runContext) bool {
	return c.generation == generation && c.run == run && c.snapshot.Status == StatusRunning
}

func (c *Controller) loop(generation uint64) {
	defer c.loops.Done()

	for {
		c.mu.Lock()
		run := c.run
		if run == nil || !c.ownsLocked(generation, run) {
			c.mu.Unlock()
			return
		}

		if run.index >= len(run.entries) {
			endedAt := c.now().UTC()
			c.snapshot.Status = StatusCompleted
			c.snapshot.EndedAt = &endedAt
			c.snapshot.Current = nil
			c.run = nil
			c.logger.Info(
				"library sync completed",
				"runId", run.id,
				"processed", c.snapshot.Processed,
				"updated", c.snapshot.Updated,
				"skipped", c.snapshot.Skipped,
				"errors", c.snapshot.Errors,
			)
			snapshot, subscribers := c.snapshot.clone(), c.subscribersLocked()
			c.mu.Unlock()
			notify(subscribers, snapshot)
			return
		}

		entry := run.entries[run.index]
		fetchCtx, abort := context.WithCancelCause(c.baseCtx)
		run.abort = abort
		c.snapshot.Current = &CurrentTitle{SourceID: entry.SourceID, MangaID: entry.MangaID, Title: entry.Title}
		snapshot, subscribers := c.snapshot.clone(), c.subscribersLocked()
		c.mu.Unlock()
		notify(subscribers, snapshot)

		// The commit is the point of no return: it runs under c.mu only while
		// this loop still owns the run, and the title is counted in the same
		// critical section.
		committed := false
		settle := func(updated bool, commit func() error) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.ownsLocked(generation, run) || context.Cause(fetchCtx) != nil {
				return ErrFetchAborted
			}
			if err := commit(); err != nil {
				return err
			}
			committed = true
			run.abort = nil
			run.index++
			c.snapshot.Processed++
			if updated {
				c.snapshot.Updated++
			} else {
				c.snapshot.Skipped++
			}
			return nil
		}

		result, err := c.syncEntry(fetchCtx, entry, settle)
		aborted := errors.Is(context.Cause(fetchCtx), ErrFetchAborted) || c.baseCtx.Err() != nil
		abort(nil)

		if committed {
			if result.updated && result.event != nil {
				c.logger.Info("library update detected", "runId", run.id, "sourceKey", entry.SourceID, "mangaId", entry.MangaID, "chapterDelta", result.event.ChapterDelta, "detectionMode", result.event.DetectionMode)
			} else {
				c.logger.Debug("library sync title unchanged", "runId", run.id, "sourceKey", entry.SourceID, "mangaId", entry.MangaID)
			}

			c.mu.Lock()
			owned := c.ownsLocked(generation, run)
			snapshot, subscribers = c.snapshot.clone(), c.subscribersLocked()
			c.mu.Unlock()
			notify(subscribers, snapshot)

			if result.event != nil {
				c.notifyUpdate(*result.event)
			}
			if !owned {
				return
			}
			continue
		}

		c.mu.Lock()
		if !c.ownsLocked(generation, run) || aborted {
			// Pause, cancel or shutdown won the race before the commit; the
			// title was rolled back and is not counted.
			c.mu.Unlock()
			c.logger.Debug("library sync title aborted", "runId", run.id, "sourceKey", entry.SourceID, "mangaId", entry.MangaID)
			return
		}
		run.abort = nil

		c.snapshot.Processed++
		if err != nil {
			c.snapshot.Errors++
			c.snapshot.ErrorMessage = fmt.Sprintf("%s: %v", entryLabel(entry), err)
			c.logger.Warn("library sync title failed", "runId", run.id, "sourceKey", entry.SourceID, "mangaId", entry.MangaID, "error", err)
		} else {
			// Only reached when the entry was removed from the library mid-check.
			c.snapshot.Skipped++
			c.logger.Info("library sync title removed during check", "runId", run.id, "sourceKey", entry.SourceID, "mangaId", entry.MangaID)
		}
		run.index++

		snapshot, subscribers = c.snapshot.clone(), c.subscribersLocked()
		c.mu.Unlock()
		notify(subscribers, snapshot)
	}
}

func (c *Controller) notifyUpdate(event models.LibraryUpdateEvent) {
	ctx, cancel := context.WithTimeout(c.baseCtx, 10*time.Second)
	defer cancel()

	if err := c.notifier.Notify(ctx, notifications.UpdateMessage(event)); err != nil {
		c.logger.Warn("library update notification failed", "eventId", event.ID, "error", err)
	}
}

func (c *Controller) subscribersLocked() []func(RunSnapshot) {
	subscribers := make([]func(RunSnapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	return subscribers
}

func notify(subscribers []func(RunSnapshot), snapshot RunSnapshot) {
	for _, fn := range subscribers {
		fn(snapshot.clone())
	}
}

func entryLabel(entry models.LibraryEntry) string {
	if entry.Title != "" {
		return entry.Title
	}
	return entry.SourceID + "/" + entry.MangaID
}
