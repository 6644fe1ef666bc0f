package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dk5761/reader-sync/internal/models"
	"github.com/dk5761/reader-sync/internal/repository"
	"github.com/go-faker/faker/v4"
)

func TestUpsertLibraryEntryKeepsCachedMetadata(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	ctx := context.Background()

	title := faker.Sentence()
	created, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{
		SourceID:     " MangaDex ",
		MangaID:      "a1",
		Title:        title,
		ThumbnailURL: stringRef("https://cdn.example/a1.jpg"),
		Status:       stringRef("ongoing"),
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if created == nil || created.SourceID != "mangadex" {
		t.Fatalf("expected normalized source id, got %+v", created)
	}

	updated, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{
		SourceID: "mangadex",
		MangaID:  "a1",
		Title:    "",
		Status:   stringRef("completed"),
	})
	if err != nil {
		t.Fatalf("update entry: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected same row, got %d and %d", created.ID, updated.ID)
	}
	if updated.Title != title {
		t.Fatalf("expected title %q to be kept, got %q", title, updated.Title)
	}
	if updated.ThumbnailURL == nil || *updated.ThumbnailURL != "https://cdn.example/a1.jpg" {
		t.Fatalf("expected thumbnail to be kept, got %v", updated.ThumbnailURL)
	}
	if updated.Status == nil || *updated.Status != "completed" {
		t.Fatalf("expected status completed, got %v", updated.Status)
	}

	if _, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{SourceID: "asuracomic", MangaID: "b2", Title: faker.Word()}); err != nil {
		t.Fatalf("create second entry: %v", err)
	}

	all, err := repo.ListLibraryEntries(ctx)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	filtered, err := repo.ListLibraryEntries(ctx, "AsuraComic")
	if err != nil {
		t.Fatalf("list filtered entries: %v", err)
	}
	if len(filtered) != 1 || filtered[0].MangaID != "b2" {
		t.Fatalf("expected only asuracomic entry, got %+v", filtered)
	}
}

func TestUpsertLibraryEntryRequiresKeys(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)

	if _, err := repo.UpsertLibraryEntry(context.Background(), models.LibraryEntry{SourceID: "mangadex"}); err == nil {
		t.Fatalf("expected error for missing manga id")
	}
}

func TestDeleteLibraryEntryKeepsUpdateState(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	ctx := context.Background()

	if _, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if err := repo.UpsertLibraryUpdateState(ctx, models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 3}); err != nil {
		t.Fatalf("upsert state: %v", err)
	}

	deleted, err := repo.DeleteLibraryEntry(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if !deleted {
		t.Fatalf("expected entry to be deleted")
	}

	state, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state == nil || state.ChapterCount != 3 {
		t.Fatalf("expected state with 3 chapters to survive the delete, got %+v", state)
	}

	entry, err := repo.GetLibraryEntry(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected entry to be removed, got %+v", entry)
	}

	deleted, err = repo.DeleteLibraryEntry(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("delete missing entry: %v", err)
	}
	if deleted {
		t.Fatalf("expected second delete to report nothing removed")
	}
}

func TestUpsertLibraryUpdateStatePreservesFirstSyncAndDetection(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	ctx := context.Background()

	missing, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get missing state: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil state before first sync")
	}

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	detected := first.Add(time.Hour)
	uploaded := first.Add(-time.Hour)
	number := 12.5
	if err := repo.UpsertLibraryUpdateState(ctx, models.LibraryUpdateState{
		SourceID:                "mangadex",
		MangaID:                 "a1",
		ChapterCount:            10,
		LatestChapterNumber:     &number,
		LatestChapterUploadedAt: &uploaded,
		LastCheckedAt:           first,
		LastUpdateDetectedAt:    &detected,
		FirstSyncedAt:           first,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := first.Add(24 * time.Hour)
	if err := repo.UpsertLibraryUpdateState(ctx, models.LibraryUpdateState{
		SourceID:      "mangadex",
		MangaID:       "a1",
		ChapterCount:  11,
		LastCheckedAt: second,
		FirstSyncedAt: second,
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	state, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ChapterCount != 11 {
		t.Fatalf("expected chapter count 11, got %d", state.ChapterCount)
	}
	if !state.FirstSyncedAt.Equal(first) {
		t.Fatalf("expected first synced %s, got %s", first, state.FirstSyncedAt)
	}
	if !state.LastCheckedAt.Equal(second) {
		t.Fatalf("expected last checked %s, got %s", second, state.LastCheckedAt)
	}
	if state.LastUpdateDetectedAt == nil || !state.LastUpdateDetectedAt.Equal(detected) {
		t.Fatalf("expected last detection to be preserved, got %v", state.LastUpdateDetectedAt)
	}
	if state.LatestChapterNumber != nil {
		t.Fatalf("expected latest chapter number to follow the new row, got %v", *state.LatestChapterNumber)
	}
}

func TestApplyTitleSyncWritesAllRowsTogether(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	events := repository.NewUpdateEventRepository(db)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	title := faker.Sentence()
	if _, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	stored, err := repo.ApplyTitleSync(ctx, repository.TitleSync{
		Entry: models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: title},
		State: models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 5, LastCheckedAt: now, FirstSyncedAt: now},
		Event: &models.LibraryUpdateEvent{
			SourceID:             "mangadex",
			MangaID:              "a1",
			MangaTitle:           title,
			PreviousChapterCount: 4,
			NewChapterCount:      5,
			ChapterDelta:         1,
			DetectionMode:        models.DetectionModeCountFallback,
			DetectedAt:           now,
		},
	})
	if err != nil {
		t.Fatalf("apply title sync: %v", err)
	}
	if stored == nil || stored.ID == 0 {
		t.Fatalf("expected stored event with id, got %+v", stored)
	}

	entry, err := repo.GetLibraryEntry(ctx, "mangadex", "a1")
	if err != nil || entry == nil {
		t.Fatalf("expected entry to exist, got %v (%v)", entry, err)
	}
	if entry.Title != title {
		t.Fatalf("expected title %q to be refreshed, got %q", title, entry.Title)
	}
	state, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil || state == nil || state.ChapterCount != 5 {
		t.Fatalf("expected state with 5 chapters, got %+v (%v)", state, err)
	}

	page, err := events.GetLibraryUpdateEventsPage(ctx, repository.EventsPageQuery{})
	if err != nil {
		t.Fatalf("page events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != stored.ID {
		t.Fatalf("expected the stored event, got %+v", page.Items)
	}

	skipped, err := repo.ApplyTitleSync(ctx, repository.TitleSync{
		Entry: models.LibraryEntry{SourceID: "mangadex", MangaID: "a1"},
		State: models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 5, LastCheckedAt: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("apply title sync without event: %v", err)
	}
	if skipped != nil {
		t.Fatalf("expected no event, got %+v", skipped)
	}
}

func TestApplyTitleSyncRollsBackOnInvalidEvent(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	ctx := context.Background()

	if _, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	_, err := repo.ApplyTitleSync(ctx, repository.TitleSync{
		Entry: models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()},
		State: models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 5},
		Event: &models.LibraryUpdateEvent{SourceID: "mangadex", MangaID: "a1", DetectionMode: "guess"},
	})
	if err == nil {
		t.Fatalf("expected error for unknown detection mode")
	}

	state, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != nil {
		t.Fatalf("expected state write to be rolled back, got %+v", state)
	}
}

func TestApplyTitleSyncDoesNotRecreateRemovedEntry(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	events := repository.NewUpdateEventRepository(db)
	ctx := context.Background()

	if _, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()}); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := repo.DeleteLibraryEntry(ctx, "mangadex", "a1"); err != nil {
		t.Fatalf("delete entry: %v", err)
	}

	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	stored, err := repo.ApplyTitleSync(ctx, repository.TitleSync{
		Entry: models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()},
		State: models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 5, LastCheckedAt: now, FirstSyncedAt: now},
		Event: &models.LibraryUpdateEvent{
			SourceID:        "mangadex",
			MangaID:         "a1",
			NewChapterCount: 5,
			ChapterDelta:    5,
			DetectionMode:   models.DetectionModeCountFallback,
			DetectedAt:      now,
		},
	})
	if !errors.Is(err, repository.ErrLibraryEntryRemoved) {
		t.Fatalf("expected ErrLibraryEntryRemoved, got %v", err)
	}
	if stored != nil {
		t.Fatalf("expected no stored event, got %+v", stored)
	}

	entry, err := repo.GetLibraryEntry(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected entry to stay removed, got %+v", entry)
	}
	state, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != nil {
		t.Fatalf("expected no state row, got %+v", state)
	}
	page, err := events.GetLibraryUpdateEventsPage(ctx, repository.EventsPageQuery{})
	if err != nil {
		t.Fatalf("page events: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no events, got %d", len(page.Items))
	}
}

func TestApplyTitleSyncCommitGuardCanVeto(t *testing.T) {
	db := setupTestDB(t)
	repo := repository.NewLibraryRepository(db)
	ctx := context.Background()

	if _, err := repo.UpsertLibraryEntry(ctx, models.LibraryEntry{SourceID: "mangadex", MangaID: "a1", Title: faker.Word()}); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	vetoed := errors.New("run paused")
	_, err := repo.ApplyTitleSync(ctx, repository.TitleSync{
		Entry:       models.LibraryEntry{SourceID: "mangadex", MangaID: "a1"},
		State:       models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 5},
		CommitGuard: func(func() error) error { return vetoed },
	})
	if !errors.Is(err, vetoed) {
		t.Fatalf("expected guard error, got %v", err)
	}
	state, err := repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != nil {
		t.Fatalf("expected vetoed state to be rolled back, got %+v", state)
	}

	calls := 0
	if _, err := repo.ApplyTitleSync(ctx, repository.TitleSync{
		Entry: models.LibraryEntry{SourceID: "mangadex", MangaID: "a1"},
		State: models.LibraryUpdateState{SourceID: "mangadex", MangaID: "a1", ChapterCount: 5},
		CommitGuard: func(commit func() error) error {
			calls++
			return commit()
		},
	}); err != nil {
		t.Fatalf("apply with passing guard: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected guard to run once, got %d", calls)
	}
	state, err = repo.GetLibraryUpdateState(ctx, "mangadex", "a1")
	if err != nil || state == nil || state.ChapterCount != 5 {
		t.Fatalf("expected committed state with 5 chapters, got %+v (%v)", state, err)
	}
}
