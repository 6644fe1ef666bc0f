package models

import "time"

const (
	DetectionModeDate          = "date"
	DetectionModeCountFallback = "count_fallback"
)

// LibraryEntry is a followed title. SourceID is the connector key.
type LibraryEntry struct {
	ID           int64     `json:"id"`
	SourceID     string    `json:"sourceId"`
	MangaID      string    `json:"mangaId"`
	Title        string    `json:"title"`
	URL          *string   `json:"url,omitempty"`
	ThumbnailURL *string   `json:"thumbnailUrl,omitempty"`
	Status       *string   `json:"status,omitempty"`
	Description  *string   `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type LibraryUpdateState struct {
	SourceID                string     `json:"sourceId"`
	MangaID                 string     `json:"mangaId"`
	ChapterCount            int        `json:"chapterCount"`
	LatestChapterID         *string    `json:"latestChapterId,omitempty"`
	LatestChapterNumber     *float64   `json:"latestChapterNumber,omitempty"`
	LatestChapterTitle      *string    `json:"latestChapterTitle,omitempty"`
	LatestChapterUploadedAt *time.Time `json:"latestChapterUploadedAt,omitempty"`
	LastCheckedAt           time.Time  `json:"lastCheckedAt"`
	LastUpdateDetectedAt    *time.Time `json:"lastUpdateDetectedAt,omitempty"`
	FirstSyncedAt           time.Time  `json:"firstSyncedAt"`
}

// LibraryUpdateEvent is an append-only journal row. ID doubles as the feed cursor.
type LibraryUpdateEvent struct {
	ID                              int64      `json:"id"`
	SourceID                        string     `json:"sourceId"`
	MangaID                         string     `json:"mangaId"`
	MangaTitle                      string     `json:"mangaTitle"`
	PreviousChapterCount            int        `json:"previousChapterCount"`
	NewChapterCount                 int        `json:"newChapterCount"`
	ChapterDelta                    int        `json:"chapterDelta"`
	PreviousLatestChapterUploadedAt *time.Time `json:"previousLatestChapterUploadedAt,omitempty"`
	NewLatestChapterUploadedAt      *time.Time `json:"newLatestChapterUploadedAt,omitempty"`
	DetectionMode                   string     `json:"detectionMode"`
	DetectedAt                      time.Time  `json:"detectedAt"`
}

type LibraryUpdateFeedState struct {
	LastSeenEventID int64     `json:"lastSeenEventId"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
