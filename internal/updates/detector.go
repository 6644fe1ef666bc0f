package updates

import (
	"github.com/dk5761/reader-sync/internal/models"
)

// Verdict is the outcome of comparing a title's stored state against a fresh
// fetch. DetectionMode is empty when there was nothing to compare against.
type Verdict struct {
	IsUpdateDetected bool
	DetectionMode    string
	ChapterDelta     int
}

// Evaluate decides whether next represents new content relative to previous.
// It has no side effects.
//
// A nil previous state only establishes a baseline. When both sides carry a
// latest-chapter upload time the newer time decides; otherwise a larger
// chapter count does. A source that reorders or replaces chapters without
// changing the count is only caught by the date rule.
func Evaluate(previous *models.LibraryUpdateState, next Metrics) Verdict {
	if previous == nil {
		return Verdict{}
	}

	verdict := Verdict{ChapterDelta: max(0, next.ChapterCount-previous.ChapterCount)}

	if previous.LatestChapterUploadedAt != nil && next.LatestChapterUploadedAt != nil {
		verdict.DetectionMode = models.DetectionModeDate
		verdict.IsUpdateDetected = next.LatestChapterUploadedAt.After(*previous.LatestChapterUploadedAt)
		return verdict
	}

	verdict.DetectionMode = models.DetectionModeCountFallback
	verdict.IsUpdateDetected = next.ChapterCount > previous.ChapterCount
	return verdict
}
