package journal

import (
	"context"
	"fmt"

	"github.com/dk5761/reader-sync/internal/models"
	"github.com/dk5761/reader-sync/internal/repository"
)

type eventStore interface {
	GetLibraryUpdateEventsPage(ctx context.Context, input repository.EventsPageQuery) (*repository.EventsPage, error)
	GetLibraryUpdateFeedState(ctx context.Context) (*models.LibraryUpdateFeedState, error)
	SetLibraryUpdateFeedLastSeenEventID(ctx context.Context, eventID int64) (*models.LibraryUpdateFeedState, error)
	LatestLibraryUpdateEventID(ctx context.Context) (int64, error)
	CountLibraryUpdateEventsAfter(ctx context.Context, eventID int64) (int, error)
}

// Feed is the read side of the update journal: paging, unread tracking and
// the "mark seen" action.
type Feed struct {
	store eventStore
}

type Summary struct {
	LastSeenEventID int64 `json:"lastSeenEventId"`
	LatestEventID   int64 `json:"latestEventId"`
	UnreadCount     int   `json:"unreadCount"`
}

func NewFeed(store eventStore) *Feed {
	return &Feed{store: store}
}

// Page returns one page of events. With UnreadOnly and no explicit
// LastSeenEventID the stored feed cursor is used.
func (f *Feed) Page(ctx context.Context, input repository.EventsPageQuery) (*repository.EventsPage, error) {
	if input.UnreadOnly && input.LastSeenEventID == nil {
		state, err := f.store.GetLibraryUpdateFeedState(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve feed cursor: %w", err)
		}
		lastSeen := state.LastSeenEventID
		input.LastSeenEventID = &lastSeen
	}

	page, err := f.store.GetLibraryUpdateEventsPage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("page update events: %w", err)
	}

	return page, nil
}

// MarkSeenToLatest moves the feed cursor to the newest event id.
func (f *Feed) MarkSeenToLatest(ctx context.Context) (*models.LibraryUpdateFeedState, error) {
	latest, err := f.store.LatestLibraryUpdateEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}

	state, err := f.store.SetLibraryUpdateFeedLastSeenEventID(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}

	return state, nil
}

func (f *Feed) Summary(ctx context.Context) (*Summary, error) {
	state, err := f.store.GetLibraryUpdateFeedState(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed summary: %w", err)
	}

	latest, err := f.store.LatestLibraryUpdateEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed summary: %w", err)
	}

	unread, err := f.store.CountLibraryUpdateEventsAfter(ctx, state.LastSeenEventID)
	if err != nil {
		return nil, fmt.Errorf("feed summary: %w", err)
	}

	return &Summary{
		LastSeenEventID: state.LastSeenEventID,
		LatestEventID:   latest,
		UnreadCount:     unread,
	}, nil
}
