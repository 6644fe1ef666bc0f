package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dk5761/reader-sync/internal/models"
)

// ErrLibraryEntryRemoved is returned by ApplyTitleSync when the entry was
// removed from the library while its check was in flight. Nothing is written.
var ErrLibraryEntryRemoved = errors.New("library entry removed")

type LibraryRepository struct {
	db *sql.DB
}

// TitleSync is everything one successful title check writes. State and Entry
// are always applied; Event only when an update was detected.
//
// CommitGuard, when set, is handed the commit and decides whether it runs.
// Returning an error without calling commit rolls the whole title back.
type TitleSync struct {
	Entry       models.LibraryEntry
	State       models.LibraryUpdateState
	Event       *models.LibraryUpdateEvent
	CommitGuard func(commit func() error) error
}

func NewLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db}
}

const libraryEntryColumns = `id, source_id, manga_id, title, url, thumbnail_url, status, description, created_at, updated_at`

// ListLibraryEntries returns followed titles ordered by id, optionally limited
// to the given source keys.
func (r *LibraryRepository) ListLibraryEntries(ctx context.Context, sourceIDs ...string) ([]models.LibraryEntry, error) {
	query := `SELECT ` + libraryEntryColumns + ` FROM library_entries`
	args := make([]any, 0, len(sourceIDs))
	if len(sourceIDs) > 0 {
		query += ` WHERE source_id IN (` + sqlPlaceholders(len(sourceIDs)) + `)`
		for _, sourceID := range sourceIDs {
			args = append(args, normalizeSourceID(sourceID))
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list library entries: %w", err)
	}
	defer rows.Close()

	items := make([]models.LibraryEntry, 0)
	for rows.Next() {
		entry, err := scanLibraryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan library entry: %w", err)
		}
		items = append(items, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library entries: %w", err)
	}

	return items, nil
}

func (r *LibraryRepository) GetLibraryEntry(ctx context.Context, sourceID string, mangaID string) (*models.LibraryEntry, error) {
	return getLibraryEntry(ctx, r.db, normalizeSourceID(sourceID), mangaID)
}

// UpsertLibraryEntry inserts a followed title or refreshes its cached metadata.
// Empty incoming fields never blank out stored ones.
func (r *LibraryRepository) UpsertLibraryEntry(ctx context.Context, entry models.LibraryEntry) (*models.LibraryEntry, error) {
	if err := upsertLibraryEntry(ctx, r.db, entry); err != nil {
		return nil, err
	}
	return getLibraryEntry(ctx, r.db, normalizeSourceID(entry.SourceID), strings.TrimSpace(entry.MangaID))
}

// DeleteLibraryEntry unfollows a title. Its update state row is kept so a
// title that is followed again is compared against its last known baseline.
func (r *LibraryRepository) DeleteLibraryEntry(ctx context.Context, sourceID string, mangaID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM library_entries
		WHERE source_id = ? AND manga_id = ?
	`, normalizeSourceID(sourceID), mangaID)
	if err != nil {
		return false, fmt.Errorf("delete library entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete library entry rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *LibraryRepository) GetLibraryUpdateState(ctx context.Context, sourceID string, mangaID string) (*models.LibraryUpdateState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			source_id, manga_id, chapter_count, latest_chapter_id, latest_chapter_number, latest_chapter_title,
			latest_chapter_uploaded_at_ms, last_checked_at_ms, last_update_detected_at_ms, first_synced_at_ms
		FROM library_update_state
		WHERE source_id = ? AND manga_id = ?
	`, normalizeSourceID(sourceID), mangaID)

	state, err := scanLibraryUpdateState(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get library update state: %w", err)
	}

	return state, nil
}

func (r *LibraryRepository) UpsertLibraryUpdateState(ctx context.Context, state models.LibraryUpdateState) error {
	return upsertLibraryUpdateState(ctx, r.db, state)
}

// ApplyTitleSync refreshes entry metadata and writes state and the optional
// event in one transaction, returning the stored event when one was inserted.
// An entry that no longer exists is not re-created: ErrLibraryEntryRemoved is
// returned and nothing is written.
func (r *LibraryRepository) ApplyTitleSync(ctx context.Context, input TitleSync) (*models.LibraryUpdateEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin title sync tx: %w", err)
	}

	found, err := refreshLibraryEntry(ctx, tx, input.Entry)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !found {
		tx.Rollback()
		return nil, ErrLibraryEntryRemoved
	}

	if err := upsertLibraryUpdateState(ctx, tx, input.State); err != nil {
		tx.Rollback()
		return nil, err
	}

	var inserted *models.LibraryUpdateEvent
	if input.Event != nil {
		id, err := insertLibraryUpdateEvent(ctx, tx, *input.Event)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		stored := *input.Event
		stored.ID = id
		inserted = &stored
	}

	commit := tx.Commit
	if input.CommitGuard != nil {
		err = input.CommitGuard(commit)
	} else {
		err = commit()
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("commit title sync tx: %w", err)
	}

	return inserted, nil
}

func getLibraryEntry(ctx context.Context, q queryer, sourceID string, mangaID string) (*models.LibraryEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+libraryEntryColumns+`
		FROM library_entries
		WHERE source_id = ? AND manga_id = ?
	`, sourceID, mangaID)

	entry, err := scanLibraryEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get library entry: %w", err)
	}

	return entry, nil
}

func upsertLibraryEntry(ctx context.Context, q queryer, entry models.LibraryEntry) error {
	sourceID := normalizeSourceID(entry.SourceID)
	mangaID := strings.TrimSpace(entry.MangaID)
	if sourceID == "" || mangaID == "" {
		return fmt.Errorf("upsert library entry: source id and manga id are required")
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO library_entries (source_id, manga_id, title, url, thumbnail_url, status, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, manga_id)
		DO UPDATE SET
			title = CASE WHEN excluded.title = '' THEN library_entries.title ELSE excluded.title END,
			url = COALESCE(excluded.url, library_entries.url),
			thumbnail_url = COALESCE(excluded.thumbnail_url, library_entries.thumbnail_url),
			status = COALESCE(excluded.status, library_entries.status),
			description = COALESCE(excluded.description, library_entries.description),
			updated_at = CURRENT_TIMESTAMP
	`,
		sourceID,
		mangaID,
		strings.TrimSpace(entry.Title),
		nullString(entry.URL),
		nullString(entry.ThumbnailURL),
		nullString(entry.Status),
		nullString(entry.Description),
	); err != nil {
		return fmt.Errorf("upsert library entry: %w", err)
	}

	return nil
}

// refreshLibraryEntry updates cached metadata of an existing entry and
// reports whether the entry was found.
func refreshLibraryEntry(ctx context.Context, q queryer, entry models.LibraryEntry) (bool, error) {
	sourceID := normalizeSourceID(entry.SourceID)
	mangaID := strings.TrimSpace(entry.MangaID)
	if sourceID == "" || mangaID == "" {
		return false, fmt.Errorf("refresh library entry: source id and manga id are required")
	}

	result, err := q.ExecContext(ctx, `
		UPDATE library_entries
		SET
			title = CASE WHEN ? = '' THEN title ELSE ? END,
			url = COALESCE(?, url),
			thumbnail_url = COALESCE(?, thumbnail_url),
			status = COALESCE(?, status),
			description = COALESCE(?, description),
			updated_at = CURRENT_TIMESTAMP
		WHERE source_id = ? AND manga_id = ?
	`,
		strings.TrimSpace(entry.Title),
		strings.TrimSpace(entry.Title),
		nullString(entry.URL),
		nullString(entry.ThumbnailURL),
		nullString(entry.Status),
		nullString(entry.Description),
		sourceID,
		mangaID,
	)
	if err != nil {
		return false, fmt.Errorf("refresh library entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh library entry rows affected: %w", err)
	}
	return affected > 0, nil
}

func upsertLibraryUpdateState(ctx context.Context, q queryer, state models.LibraryUpdateState) error {
	firstSyncedAt := state.FirstSyncedAt
	if firstSyncedAt.IsZero() {
		firstSyncedAt = state.LastCheckedAt
	}
	if firstSyncedAt.IsZero() {
		firstSyncedAt = time.Now().UTC()
	}
	lastCheckedAt := state.LastCheckedAt
	if lastCheckedAt.IsZero() {
		lastCheckedAt = firstSyncedAt
	}

	var latestChapterNumber sql.NullFloat64
	if state.LatestChapterNumber != nil {
		latestChapterNumber = sql.NullFloat64{Float64: *state.LatestChapterNumber, Valid: true}
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO library_update_state (
			source_id, manga_id, chapter_count, latest_chapter_id, latest_chapter_number, latest_chapter_title,
			latest_chapter_uploaded_at_ms, last_checked_at_ms, last_update_detected_at_ms, first_synced_at_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, manga_id)
		DO UPDATE SET
			chapter_count = excluded.chapter_count,
			latest_chapter_id = excluded.latest_chapter_id,
			latest_chapter_number = excluded.latest_chapter_number,
			latest_chapter_title = excluded.latest_chapter_title,
			latest_chapter_uploaded_at_ms = excluded.latest_chapter_uploaded_at_ms,
			last_checked_at_ms = excluded.last_checked_at_ms,
			last_update_detected_at_ms = COALESCE(excluded.last_update_detected_at_ms, library_update_state.last_update_detected_at_ms)
	`,
		normalizeSourceID(state.SourceID),
		strings.TrimSpace(state.MangaID),
		state.ChapterCount,
		nullString(state.LatestChapterID),
		latestChapterNumber,
		nullString(state.LatestChapterTitle),
		toNullMillis(state.LatestChapterUploadedAt),
		toMillis(lastCheckedAt),
		toNullMillis(state.LastUpdateDetectedAt),
		toMillis(firstSyncedAt),
	); err != nil {
		return fmt.Errorf("upsert library update state: %w", err)
	}

	return nil
}

func scanLibraryEntry(scanner rowScanner) (*models.LibraryEntry, error) {
	var entry models.LibraryEntry
	var url sql.NullString
	var thumbnailURL sql.NullString
	var status sql.NullString
	var description sql.NullString

	if err := scanner.Scan(
		&entry.ID,
		&entry.SourceID,
		&entry.MangaID,
		&entry.Title,
		&url,
		&thumbnailURL,
		&status,
		&description,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	entry.URL = stringPtr(url)
	entry.ThumbnailURL = stringPtr(thumbnailURL)
	entry.Status = stringPtr(status)
	entry.Description = stringPtr(description)

	return &entry, nil
}

func scanLibraryUpdateState(scanner rowScanner) (*models.LibraryUpdateState, error) {
	var state models.LibraryUpdateState
	var latestChapterID sql.NullString
	var latestChapterNumber sql.NullFloat64
	var latestChapterTitle sql.NullString
	var latestChapterUploadedAt sql.NullInt64
	var lastCheckedAt int64
	var lastUpdateDetectedAt sql.NullInt64
	var firstSyncedAt int64

	if err := scanner.Scan(
		&state.SourceID,
		&state.MangaID,
		&state.ChapterCount,
		&latestChapterID,
		&latestChapterNumber,
		&latestChapterTitle,
		&latestChapterUploadedAt,
		&lastCheckedAt,
		&lastUpdateDetectedAt,
		&firstSyncedAt,
	); err != nil {
		return nil, err
	}

	state.LatestChapterID = stringPtr(latestChapterID)
	if latestChapterNumber.Valid {
		state.LatestChapterNumber = &latestChapterNumber.Float64
	}
	state.LatestChapterTitle = stringPtr(latestChapterTitle)
	state.LatestChapterUploadedAt = fromNullMillis(latestChapterUploadedAt)
	state.LastCheckedAt = fromMillis(lastCheckedAt)
	state.LastUpdateDetectedAt = fromNullMillis(lastUpdateDetectedAt)
	state.FirstSyncedAt = fromMillis(firstSyncedAt)

	return &state, nil
}
