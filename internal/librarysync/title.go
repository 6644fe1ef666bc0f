package librarysync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/models"
	"github.com/dk5761/reader-sync/internal/repository"
	"github.com/dk5761/reader-sync/internal/updates"
)

var errTitleTimeout = errors.New("title check timed out")

type titleResult struct {
	updated bool
	removed bool
	event   *models.LibraryUpdateEvent
}

// settleFunc decides whether a title's writes commit. It runs commit and
// records the outcome, or returns an error to roll the title back.
type settleFunc func(updated bool, commit func() error) error

// syncEntry checks one title: details and chapters are fetched together,
// then state, entry metadata and the optional event are written in one
// transaction that commits through settle.
func (c *Controller) syncEntry(ctx context.Context, entry models.LibraryEntry, settle settleFunc) (titleResult, error) {
	connector, ok := c.registry.Get(entry.SourceID)
	if !ok {
		return titleResult{}, fmt.Errorf("no source adapter for %q", entry.SourceID)
	}

	if c.titleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.titleTimeout, errTitleTimeout)
		defer cancel()
	}

	var (
		details  *connectors.MangaDetails
		chapters []connectors.Chapter
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		result, err := connector.GetMangaDetails(groupCtx, entry.MangaID)
		if err != nil {
			return fmt.Errorf("get manga details: %w", err)
		}
		details = result
		return nil
	})
	group.Go(func() error {
		result, err := connector.GetChapters(groupCtx, entry.MangaID)
		if err != nil {
			return fmt.Errorf("get chapters: %w", err)
		}
		chapters = result
		return nil
	})
	if err := group.Wait(); err != nil {
		if errors.Is(context.Cause(ctx), errTitleTimeout) {
			return titleResult{}, fmt.Errorf("%w after %s", errTitleTimeout, c.titleTimeout)
		}
		return titleResult{}, err
	}

	previous, err := c.store.GetLibraryUpdateState(ctx, entry.SourceID, entry.MangaID)
	if err != nil {
		return titleResult{}, err
	}

	checkedAt := c.now().UTC()
	metrics := updates.ComputeMetrics(chapters)
	verdict := updates.Evaluate(previous, metrics)
	refreshed := mergeDetails(entry, details)

	stored, err := c.store.ApplyTitleSync(ctx, repository.TitleSync{
		Entry: refreshed,
		State: metrics.State(entry.SourceID, entry.MangaID, checkedAt, verdict),
		Event: updates.Event(previous, metrics, verdict, refreshed, checkedAt),
		CommitGuard: func(commit func() error) error {
			return settle(verdict.IsUpdateDetected, commit)
		},
	})
	if errors.Is(err, repository.ErrLibraryEntryRemoved) {
		return titleResult{removed: true}, nil
	}
	if err != nil {
		return titleResult{}, err
	}

	return titleResult{updated: verdict.IsUpdateDetected, event: stored}, nil
}

// mergeDetails refreshes cached display metadata. Empty source fields keep
// what the library already had.
func mergeDetails(entry models.LibraryEntry, details *connectors.MangaDetails) models.LibraryEntry {
	if details == nil {
		return entry
	}

	if title := strings.TrimSpace(details.Title); title != "" {
		entry.Title = title
	}
	entry.URL = preferString(details.URL, entry.URL)
	entry.ThumbnailURL = preferString(details.ThumbnailURL, entry.ThumbnailURL)
	entry.Status = preferString(details.Status, entry.Status)
	entry.Description = preferString(details.Description, entry.Description)
	return entry
}

func preferString(value string, fallback *string) *string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return &trimmed
	}
	return fallback
}
