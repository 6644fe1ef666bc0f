package connectors

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	KindNative = "native"
	KindYAML   = "yaml"
)

var ErrNotFound = errors.New("manga not found")

// Doer is the outbound HTTP surface adapters use. The sync transport
// satisfies it and handles challenges transparently.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type MangaResult struct {
	SourceKey     string     `json:"sourceKey"`
	SourceItemID  string     `json:"sourceItemId"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	CoverImageURL string     `json:"coverImageUrl,omitempty"`
	LatestChapter *float64   `json:"latestChapter,omitempty"`
	LastUpdatedAt *time.Time `json:"lastUpdatedAt,omitempty"`
}

type MangaDetails struct {
	SourceKey    string   `json:"sourceKey"`
	MangaID      string   `json:"mangaId"`
	Title        string   `json:"title"`
	URL          string   `json:"url,omitempty"`
	ThumbnailURL string   `json:"thumbnailUrl,omitempty"`
	Status       string   `json:"status,omitempty"`
	Description  string   `json:"description,omitempty"`
	Authors      []string `json:"authors,omitempty"`
}

// Chapter is one entry of a title's chapter list in source order.
type Chapter struct {
	ID         string     `json:"id"`
	Title      string     `json:"title,omitempty"`
	Number     *float64   `json:"number,omitempty"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
	URL        string     `json:"url,omitempty"`
}

// HostMatcher is implemented by connectors that know which site hosts they
// serve. The registry uses it when a host does not spell out a key.
type HostMatcher interface {
	MatchesHost(host string) bool
}

type Connector interface {
	Key() string
	Name() string
	Kind() string
	HealthCheck(ctx context.Context) error
	ResolveByURL(ctx context.Context, rawURL string) (*MangaResult, error)
	SearchByTitle(ctx context.Context, title string, limit int) ([]MangaResult, error)
	GetMangaDetails(ctx context.Context, mangaID string) (*MangaDetails, error)
	GetChapters(ctx context.Context, mangaID string) ([]Chapter, error)
}
