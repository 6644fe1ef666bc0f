package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"

	"github.com/dk5761/reader-sync/internal/models"
)

func decodeJSON(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestSyncRunLifecycleOverHTTP(t *testing.T) {
	app := setupTestApp(t)

	idle := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/sync/run", nil)))
	if idle["status"] != "idle" {
		t.Fatalf("expected idle, got %v", idle["status"])
	}

	for _, mangaID := range []string{"a", "b"} {
		res := app.do(t, jsonRequest(t, http.MethodPost, "/v1/library/entries", map[string]any{
			"sourceId": "mangadex",
			"mangaId":  mangaID,
			"title":    faker.Sentence(),
		}))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", res.StatusCode)
		}
	}

	started := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodPost, "/v1/sync/run/start", nil)))
	if started["total"].(float64) != 2 || started["runId"] == "" {
		t.Fatalf("unexpected start payload %v", started)
	}

	deadline := time.Now().Add(3 * time.Second)
	var snapshot map[string]any
	for time.Now().Before(deadline) {
		snapshot = decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/sync/run", nil)))
		if snapshot["status"] == "completed" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snapshot["status"] != "completed" || snapshot["processed"].(float64) != 2 || snapshot["skipped"].(float64) != 2 {
		t.Fatalf("expected completed baseline run, got %v", snapshot)
	}

	resumed := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodPost, "/v1/sync/run/resume", nil)))
	if resumed["status"] != "completed" {
		t.Fatalf("expected resume to be a no-op, got %v", resumed["status"])
	}
}

func TestLifecycleEndpointPausesRun(t *testing.T) {
	app := setupTestApp(t)

	res := app.do(t, jsonRequest(t, http.MethodPost, "/v1/lifecycle", map[string]any{"state": "background"}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if payload := decodeJSON(t, res); payload["changed"] != true || payload["state"] != "background" {
		t.Fatalf("unexpected lifecycle payload %v", payload)
	}
	if app.broadcaster.Current() != "background" {
		t.Fatalf("expected broadcaster to be in background")
	}

	invalid := app.do(t, jsonRequest(t, http.MethodPost, "/v1/lifecycle", map[string]any{"state": "asleep"}))
	if invalid.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", invalid.StatusCode)
	}
}

func TestEventsEndpointsPageAndMarkSeen(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for index := 0; index < 3; index++ {
		if _, err := app.events.InsertLibraryUpdateEvent(ctx, models.LibraryUpdateEvent{
			SourceID:        "mangadex",
			MangaID:         faker.UUIDHyphenated(),
			MangaTitle:      faker.Sentence(),
			NewChapterCount: index + 1,
			ChapterDelta:    1,
			DetectionMode:   models.DetectionModeCountFallback,
			DetectedAt:      base.Add(time.Duration(index) * time.Hour),
		}); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	// First access initialises the feed cursor at the newest event.
	summary := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/library/feed", nil)))
	if summary["unreadCount"].(float64) != 0 || summary["lastSeenEventId"].(float64) != 3 {
		t.Fatalf("unexpected initial summary %v", summary)
	}

	first := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/library/events?limit=2", nil)))
	if len(first["items"].([]any)) != 2 || first["nextCursor"] == nil {
		t.Fatalf("unexpected first page %v", first)
	}
	cursor := int(first["nextCursor"].(float64))

	second := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/library/events?limit=2&cursor="+strconv.Itoa(cursor), nil)))
	if len(second["items"].([]any)) != 1 || second["nextCursor"] != nil {
		t.Fatalf("unexpected second page %v", second)
	}

	if _, err := app.events.InsertLibraryUpdateEvent(ctx, models.LibraryUpdateEvent{
		SourceID:      "asuracomic",
		MangaID:       "x",
		MangaTitle:    faker.Sentence(),
		ChapterDelta:  0,
		DetectionMode: models.DetectionModeDate,
		DetectedAt:    base.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	unread := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/library/events?unreadOnly=true", nil)))
	if len(unread["items"].([]any)) != 1 {
		t.Fatalf("expected one unread event, got %v", unread)
	}

	filtered := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/library/events?detectedAfter="+base.Add(90*time.Minute).Format(time.RFC3339), nil)))
	if len(filtered["items"].([]any)) != 2 {
		t.Fatalf("expected two events after cutoff, got %v", filtered)
	}

	seen := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodPost, "/v1/library/events/mark-seen", nil)))
	if seen["lastSeenEventId"].(float64) != 4 {
		t.Fatalf("expected cursor at newest event, got %v", seen)
	}

	for _, query := range []string{"cursor=abc", "limit=-1", "detectedAfter=yesterday", "unreadOnly=maybe"} {
		res := app.do(t, httptest.NewRequest(http.MethodGet, "/v1/library/events?"+query, nil))
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, res.StatusCode)
		}
	}
}

func TestChallengeEndpoints(t *testing.T) {
	app := setupTestApp(t)

	active := decodeJSON(t, app.do(t, httptest.NewRequest(http.MethodGet, "/v1/challenges/active", nil)))
	if len(active["items"].([]any)) != 0 {
		t.Fatalf("expected no active sessions, got %v", active)
	}

	for _, action := range []string{"done", "cancel"} {
		res := app.do(t, httptest.NewRequest(http.MethodPost, "/v1/challenges/missing/"+action, nil))
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", action, res.StatusCode)
		}
	}
}
