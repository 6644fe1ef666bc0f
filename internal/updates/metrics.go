package updates

import (
	"time"

	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/models"
)

type Metrics struct {
	ChapterCount            int
	LatestChapterID         *string
	LatestChapterNumber     *float64
	LatestChapterTitle      *string
	LatestChapterUploadedAt *time.Time
}

// ComputeMetrics summarises a chapter list. The latest chapter is the one
// with the newest upload time; without any upload times the highest chapter
// number wins; without numbers the first chapter in source order is used.
func ComputeMetrics(chapters []connectors.Chapter) Metrics {
	metrics := Metrics{ChapterCount: len(chapters)}
	latest := latestChapter(chapters)
	if latest == nil {
		return metrics
	}

	if latest.ID != "" {
		id := latest.ID
		metrics.LatestChapterID = &id
	}
	if latest.Number != nil {
		number := *latest.Number
		metrics.LatestChapterNumber = &number
	}
	if latest.Title != "" {
		title := latest.Title
		metrics.LatestChapterTitle = &title
	}
	if latest.UploadedAt != nil {
		uploadedAt := latest.UploadedAt.UTC()
		metrics.LatestChapterUploadedAt = &uploadedAt
	}

	return metrics
}

// State builds the row to persist for a checked title. Timestamps owned by
// the store (first sync, last detection) are only set when known here.
func (m Metrics) State(sourceID string, mangaID string, checkedAt time.Time, verdict Verdict) models.LibraryUpdateState {
	state := models.LibraryUpdateState{
		SourceID:                sourceID,
		MangaID:                 mangaID,
		ChapterCount:            m.ChapterCount,
		LatestChapterID:         m.LatestChapterID,
		LatestChapterNumber:     m.LatestChapterNumber,
		LatestChapterTitle:      m.LatestChapterTitle,
		LatestChapterUploadedAt: m.LatestChapterUploadedAt,
		LastCheckedAt:           checkedAt,
		FirstSyncedAt:           checkedAt,
	}
	if verdict.IsUpdateDetected {
		detectedAt := checkedAt
		state.LastUpdateDetectedAt = &detectedAt
	}
	return state
}

// Event builds the journal row for a detected update, or nil when the
// verdict found nothing new.
func Event(previous *models.LibraryUpdateState, next Metrics, verdict Verdict, entry models.LibraryEntry, detectedAt time.Time) *models.LibraryUpdateEvent {
	if !verdict.IsUpdateDetected || previous == nil {
		return nil
	}

	return &models.LibraryUpdateEvent{
		SourceID:                        entry.SourceID,
		MangaID:                         entry.MangaID,
		MangaTitle:                      entry.Title,
		PreviousChapterCount:            previous.ChapterCount,
		NewChapterCount:                 next.ChapterCount,
		ChapterDelta:                    verdict.ChapterDelta,
		PreviousLatestChapterUploadedAt: previous.LatestChapterUploadedAt,
		NewLatestChapterUploadedAt:      next.LatestChapterUploadedAt,
		DetectionMode:                   verdict.DetectionMode,
		DetectedAt:                      detectedAt,
	}
}

func latestChapter(chapters []connectors.Chapter) *connectors.Chapter {
	if len(chapters) == 0 {
		return nil
	}

	var byDate *connectors.Chapter
	var byNumber *connectors.Chapter
	for index := range chapters {
		chapter := &chapters[index]
		if chapter.UploadedAt != nil && (byDate == nil || chapter.UploadedAt.After(*byDate.UploadedAt)) {
			byDate = chapter
		}
		if chapter.Number != nil && (byNumber == nil || *chapter.Number > *byNumber.Number) {
			byNumber = chapter
		}
	}

	if byDate != nil {
		return byDate
	}
	if byNumber != nil {
		return byNumber
	}
	return &chapters[0]
}
