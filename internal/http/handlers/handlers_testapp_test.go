package handlers_test

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dk5761/reader-sync/internal/challenge"
	"github.com/dk5761/reader-sync/internal/config"
	"github.com/dk5761/reader-sync/internal/connectors"
	"github.com/dk5761/reader-sync/internal/database"
	apihttp "github.com/dk5761/reader-sync/internal/http"
	"github.com/dk5761/reader-sync/internal/journal"
	"github.com/dk5761/reader-sync/internal/librarysync"
	"github.com/dk5761/reader-sync/internal/lifecycle"
	"github.com/dk5761/reader-sync/internal/repository"
)

type fakeConnector struct {
	key      string
	chapters int
}

func (f *fakeConnector) Key() string                       { return f.key }
func (f *fakeConnector) Name() string                      { return "Fake " + f.key }
func (f *fakeConnector) Kind() string                      { return connectors.KindNative }
func (f *fakeConnector) HealthCheck(context.Context) error { return nil }
func (f *fakeConnector) ResolveByURL(_ context.Context, rawURL string) (*connectors.MangaResult, error) {
	return &connectors.MangaResult{SourceKey: f.key, SourceItemID: "resolved-1", Title: "Resolved Title", URL: rawURL}, nil
}
func (f *fakeConnector) SearchByTitle(_ context.Context, title string, limit int) ([]connectors.MangaResult, error) {
	if title == "broken" {
		return nil, errors.New("search page changed")
	}
	results := make([]connectors.MangaResult, 0, limit)
	for index := 0; index < limit && index < 3; index++ {
		results = append(results, connectors.MangaResult{
			SourceKey:    f.key,
			SourceItemID: f.key + "-" + strconv.Itoa(index),
			Title:        title + " " + strconv.Itoa(index),
		})
	}
	return results, nil
}
func (f *fakeConnector) GetMangaDetails(_ context.Context, mangaID string) (*connectors.MangaDetails, error) {
	return &connectors.MangaDetails{SourceKey: f.key, MangaID: mangaID}, nil
}
func (f *fakeConnector) GetChapters(_ context.Context, mangaID string) ([]connectors.Chapter, error) {
	chapters := make([]connectors.Chapter, 0, f.chapters)
	for index := 0; index < f.chapters; index++ {
		chapters = append(chapters, connectors.Chapter{ID: mangaID + "-" + strconv.Itoa(index)})
	}
	return chapters, nil
}

// noBrowser never mounts a surface, so solves fail fast.
type noBrowser struct{}

func (noBrowser) Open(context.Context, string, bool) (challenge.Surface, error) {
	return nil, context.Canceled
}

type testApp struct {
	db          *sql.DB
	app         *fiber.App
	events      *repository.UpdateEventRepository
	broadcaster *lifecycle.Broadcaster
	controller  *librarysync.Controller
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	_, currentFile, _, _ := runtime.Caller(0)
	migrationsPath := filepath.Join(filepath.Dir(currentFile), "..", "..", "..", "migrations")
	if err := database.ApplyMigrations(db, migrationsPath); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	registry := connectors.NewRegistry()
	_ = registry.Register(&fakeConnector{key: "mangadex", chapters: 3})
	_ = registry.Register(&fakeConnector{key: "asuracomic", chapters: 1})

	library := repository.NewLibraryRepository(db)
	events := repository.NewUpdateEventRepository(db)
	broadcaster := lifecycle.NewBroadcaster()
	controller := librarysync.NewController(library, registry, nil, broadcaster, librarysync.Config{}, nil)

	app := apihttp.NewServer(config.Config{AppName: "test-app"}, apihttp.Dependencies{
		DB:         db,
		Registry:   registry,
		Library:    library,
		Feed:       journal.NewFeed(events),
		Controller: controller,
		Negotiator: challenge.NewNegotiator(noBrowser{}, challenge.Options{}),
		Lifecycle:  broadcaster,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = controller.Shutdown(ctx)
		_ = app.Shutdown()
		_ = db.Close()
	})

	return &testApp{db: db, app: app, events: events, broadcaster: broadcaster, controller: controller}
}

func (a *testApp) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := a.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	return res
}
