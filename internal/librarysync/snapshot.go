package librarysync

import "time"

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type CurrentTitle struct {
	SourceID string `json:"sourceId"`
	MangaID  string `json:"mangaId"`
	Title    string `json:"title"`
}

// RunSnapshot is the observable state of the current or last sync run.
// Processed always equals Updated + Skipped + Errors.
type RunSnapshot struct {
	RunID            string        `json:"runId,omitempty"`
	Status           Status        `json:"status"`
	Total            int           `json:"total"`
	Processed        int           `json:"processed"`
	Updated          int           `json:"updated"`
	Errors           int           `json:"errors"`
	Skipped          int           `json:"skipped"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	Current          *CurrentTitle `json:"current,omitempty"`
	PausedByAppState bool          `json:"pausedByAppState"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
}

func (s RunSnapshot) Active() bool {
	return s.Status == StatusRunning || s.Status == StatusPaused
}

func (s RunSnapshot) clone() RunSnapshot {
	cloned := s
	if s.Current != nil {
		current := *s.Current
		cloned.Current = &current
	}
	if s.StartedAt != nil {
		startedAt := *s.StartedAt
		cloned.StartedAt = &startedAt
	}
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		cloned.EndedAt = &endedAt
	}
	return cloned
}
