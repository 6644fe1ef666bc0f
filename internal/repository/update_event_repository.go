package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dk5761/reader-sync/internal/models"
)

const (
	DefaultEventsPageLimit = 20
	MaxEventsPageLimit     = 100
)

type UpdateEventRepository struct {
	db  *sql.DB
	now func() time.Time
}

// EventsPageQuery pages backwards through the journal. Cursor is exclusive:
// only events with a smaller id are returned. LastSeenEventID only applies
// when UnreadOnly is set.
type EventsPageQuery struct {
	Cursor          *int64
	Limit           int
	SourceID        string
	DetectedAfter   *time.Time
	UnreadOnly      bool
	LastSeenEventID *int64
}

type EventsPage struct {
	Items      []models.LibraryUpdateEvent `json:"items"`
	NextCursor *int64                      `json:"nextCursor"`
}

func NewUpdateEventRepository(db *sql.DB) *UpdateEventRepository {
	return &UpdateEventRepository{db: db, now: time.Now}
}

const libraryUpdateEventColumns = `
	id, source_id, manga_id, manga_title, previous_chapter_count, new_chapter_count, chapter_delta,
	previous_latest_chapter_uploaded_at_ms, new_latest_chapter_uploaded_at_ms, detection_mode, detected_at_ms
`

func (r *UpdateEventRepository) InsertLibraryUpdateEvent(ctx context.Context, event models.LibraryUpdateEvent) (*models.LibraryUpdateEvent, error) {
	id, err := insertLibraryUpdateEvent(ctx, r.db, event)
	if err != nil {
		return nil, err
	}
	event.ID = id
	return &event, nil
}

func (r *UpdateEventRepository) GetLibraryUpdateEventsPage(ctx context.Context, input EventsPageQuery) (*EventsPage, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultEventsPageLimit
	}
	if limit > MaxEventsPageLimit {
		limit = MaxEventsPageLimit
	}

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if input.Cursor != nil {
		conditions = append(conditions, `id < ?`)
		args = append(args, *input.Cursor)
	}
	if sourceID := normalizeSourceID(input.SourceID); sourceID != "" {
		conditions = append(conditions, `source_id = ?`)
		args = append(args, sourceID)
	}
	if input.DetectedAfter != nil {
		conditions = append(conditions, `detected_at_ms > ?`)
		args = append(args, toMillis(*input.DetectedAfter))
	}
	if input.UnreadOnly && input.LastSeenEventID != nil {
		conditions = append(conditions, `id > ?`)
		args = append(args, *input.LastSeenEventID)
	}

	query := `SELECT ` + libraryUpdateEventColumns + ` FROM library_update_events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list library update events: %w", err)
	}
	defer rows.Close()

	items := make([]models.LibraryUpdateEvent, 0, limit+1)
	for rows.Next() {
		event, err := scanLibraryUpdateEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan library update event: %w", err)
		}
		items = append(items, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library update events: %w", err)
	}

	page := &EventsPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		nextCursor := page.Items[limit-1].ID
		page.NextCursor = &nextCursor
	}

	return page, nil
}

// GetLibraryUpdateFeedState returns the singleton feed cursor, creating it at
// the current latest event id the first time so existing history reads as seen.
func (r *UpdateEventRepository) GetLibraryUpdateFeedState(ctx context.Context) (*models.LibraryUpdateFeedState, error) {
	if _, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO library_update_feed_state (id, last_seen_event_id, updated_at_ms)
		SELECT 1, COALESCE(MAX(id), 0), ? FROM library_update_events
	`, toMillis(r.now())); err != nil {
		return nil, fmt.Errorf("init library update feed state: %w", err)
	}

	var state models.LibraryUpdateFeedState
	var updatedAt int64
	if err := r.db.QueryRowContext(ctx, `
		SELECT last_seen_event_id, updated_at_ms
		FROM library_update_feed_state
		WHERE id = 1
	`).Scan(&state.LastSeenEventID, &updatedAt); err != nil {
		return nil, fmt.Errorf("get library update feed state: %w", err)
	}
	state.UpdatedAt = fromMillis(updatedAt)

	return &state, nil
}

// SetLibraryUpdateFeedLastSeenEventID moves the feed cursor forward. A smaller
// id than the stored one leaves the cursor where it is.
func (r *UpdateEventRepository) SetLibraryUpdateFeedLastSeenEventID(ctx context.Context, eventID int64) (*models.LibraryUpdateFeedState, error) {
	if eventID < 0 {
		eventID = 0
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO library_update_feed_state (id, last_seen_event_id, updated_at_ms)
		VALUES (1, ?, ?)
		ON CONFLICT(id)
		DO UPDATE SET
			last_seen_event_id = MAX(library_update_feed_state.last_seen_event_id, excluded.last_seen_event_id),
			updated_at_ms = excluded.updated_at_ms
	`, eventID, toMillis(r.now())); err != nil {
		return nil, fmt.Errorf("set library update feed last seen event id: %w", err)
	}

	return r.GetLibraryUpdateFeedState(ctx)
}

func (r *UpdateEventRepository) LatestLibraryUpdateEventID(ctx context.Context) (int64, error) {
	var latest int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM library_update_events`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("get latest library update event id: %w", err)
	}
	return latest, nil
}

func (r *UpdateEventRepository) CountLibraryUpdateEventsAfter(ctx context.Context, eventID int64) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM library_update_events WHERE id > ?`, eventID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count library update events: %w", err)
	}
	return count, nil
}

func insertLibraryUpdateEvent(ctx context.Context, q queryer, event models.LibraryUpdateEvent) (int64, error) {
	if event.ChapterDelta < 0 {
		event.ChapterDelta = 0
	}
	detectedAt := event.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO library_update_events (
			source_id, manga_id, manga_title, previous_chapter_count, new_chapter_count, chapter_delta,
			previous_latest_chapter_uploaded_at_ms, new_latest_chapter_uploaded_at_ms, detection_mode, detected_at_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		normalizeSourceID(event.SourceID),
		strings.TrimSpace(event.MangaID),
		strings.TrimSpace(event.MangaTitle),
		event.PreviousChapterCount,
		event.NewChapterCount,
		event.ChapterDelta,
		toNullMillis(event.PreviousLatestChapterUploadedAt),
		toNullMillis(event.NewLatestChapterUploadedAt),
		event.DetectionMode,
		toMillis(detectedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert library update event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get library update event last insert id: %w", err)
	}

	return id, nil
}

func scanLibraryUpdateEvent(scanner rowScanner) (*models.LibraryUpdateEvent, error) {
	var event models.LibraryUpdateEvent
	var previousUploadedAt sql.NullInt64
	var newUploadedAt sql.NullInt64
	var detectedAt int64

	if err := scanner.Scan(
		&event.ID,
		&event.SourceID,
		&event.MangaID,
		&event.MangaTitle,
		&event.PreviousChapterCount,
		&event.NewChapterCount,
		&event.ChapterDelta,
		&previousUploadedAt,
		&newUploadedAt,
		&event.DetectionMode,
		&detectedAt,
	); err != nil {
		return nil, err
	}

	event.PreviousLatestChapterUploadedAt = fromNullMillis(previousUploadedAt)
	event.NewLatestChapterUploadedAt = fromNullMillis(newUploadedAt)
	event.DetectedAt = fromMillis(detectedAt)

	return &event, nil
}
