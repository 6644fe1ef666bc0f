package mangadex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dk5761/reader-sync/internal/connectors"
)

var titleIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{32,36}$`)

const (
	feedPageSize = 500
	maxFeedPages = 20
)

type Connector struct {
	apiBaseURL   string
	siteBaseURL  string
	coverBaseURL string
	allowedHost  []string
	languages    []string
	httpClient   connectors.Doer
}

func NewConnector(client connectors.Doer) *Connector {
	return NewConnectorWithOptions("https://api.mangadex.org", []string{"mangadex.org"}, client)
}

func NewConnectorWithOptions(apiBaseURL string, allowedHost []string, client connectors.Doer) *Connector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if len(allowedHost) == 0 {
		allowedHost = []string{"mangadex.org"}
	}
	return &Connector{
		apiBaseURL:   strings.TrimRight(apiBaseURL, "/"),
		siteBaseURL:  "https://mangadex.org",
		coverBaseURL: "https://uploads.mangadex.org/covers",
		allowedHost:  allowedHost,
		languages:    []string{"en"},
		httpClient:   client,
	}
}

func (c *Connector) Key() string {
	return "mangadex"
}

func (c *Connector) Name() string {
	return "MangaDex"
}

func (c *Connector) Kind() string {
	return connectors.KindNative
}

func (c *Connector) HealthCheck(ctx context.Context) error {
	res, err := c.get(ctx, c.apiBaseURL+"/ping")
	if err != nil {
		return fmt.Errorf("request ping: %w", err)
	}
	res.Body.Close()

	return nil
}

func (c *Connector) ResolveByURL(ctx context.Context, rawURL string) (*connectors.MangaResult, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("url is required")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if !c.isAllowedHost(parsed.Hostname()) {
		return nil, fmt.Errorf("url does not belong to mangadex")
	}

	segments := strings.Split(strings.Trim(path.Clean(parsed.Path), "/"), "/")
	if len(segments) < 2 || segments[0] != "title" {
		return nil, fmt.Errorf("mangadex url must match /title/{id}")
	}

	details, err := c.GetMangaDetails(ctx, segments[1])
	if err != nil {
		return nil, err
	}

	return &connectors.MangaResult{
		SourceKey:     c.Key(),
		SourceItemID:  details.MangaID,
		Title:         details.Title,
		URL:           trimmed,
		CoverImageURL: details.ThumbnailURL,
	}, nil
}

func (c *Connector) SearchByTitle(ctx context.Context, title string, limit int) ([]connectors.MangaResult, error) {
	query := strings.TrimSpace(title)
	if query == "" {
		return nil, fmt.Errorf("title is required")
	}

	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	values := url.Values{}
	values.Set("title", query)
	values.Set("limit", strconv.Itoa(limit))
	values.Add("includes[]", "cover_art")

	res, err := c.get(ctx, c.apiBaseURL+"/manga?"+values.Encode())
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	var payload mangaSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]connectors.MangaResult, 0, len(payload.Data))
	for _, item := range payload.Data {
		bestTitle := pickBestTitle(item.Attributes.Title)
		if bestTitle == "" {
			bestTitle = "Untitled"
		}
		items = append(items, connectors.MangaResult{
			SourceKey:     c.Key(),
			SourceItemID:  item.ID,
			Title:         bestTitle,
			URL:           c.siteBaseURL + "/title/" + item.ID,
			CoverImageURL: c.coverURL(item.ID, item.Relationships),
		})
	}

	return items, nil
}

func (c *Connector) GetMangaDetails(ctx context.Context, mangaID string) (*connectors.MangaDetails, error) {
	titleID := strings.TrimSpace(mangaID)
	if !titleIDPattern.MatchString(titleID) {
		return nil, fmt.Errorf("invalid mangadex title id %q", mangaID)
	}

	values := url.Values{}
	values.Add("includes[]", "cover_art")
	values.Add("includes[]", "author")

	res, err := c.get(ctx, c.apiBaseURL+"/manga/"+titleID+"?"+values.Encode())
	if err != nil {
		return nil, fmt.Errorf("request manga by id: %w", err)
	}
	defer res.Body.Close()

	var payload mangaByIDResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode mangadex response: %w", err)
	}

	title := pickBestTitle(payload.Data.Attributes.Title)
	if title == "" {
		title = "Untitled"
	}

	authors := make([]string, 0)
	for _, relationship := range payload.Data.Relationships {
		if relationship.Type == "author" && strings.TrimSpace(relationship.Attributes.Name) != "" {
			authors = append(authors, strings.TrimSpace(relationship.Attributes.Name))
		}
	}

	return &connectors.MangaDetails{
		SourceKey:    c.Key(),
		MangaID:      payload.Data.ID,
		Title:        title,
		URL:          c.siteBaseURL + "/title/" + payload.Data.ID,
		ThumbnailURL: c.coverURL(payload.Data.ID, payload.Data.Relationships),
		Status:       strings.TrimSpace(payload.Data.Attributes.Status),
		Description:  pickBestTitle(payload.Data.Attributes.Description),
		Authors:      authors,
	}, nil
}

// GetChapters pages through the manga feed in ascending chapter order.
func (c *Connector) GetChapters(ctx context.Context, mangaID string) ([]connectors.Chapter, error) {
	titleID := strings.TrimSpace(mangaID)
	if !titleIDPattern.MatchString(titleID) {
		return nil, fmt.Errorf("invalid mangadex title id %q", mangaID)
	}

	chapters := make([]connectors.Chapter, 0)
	for page := 0; page < maxFeedPages; page++ {
		values := url.Values{}
		values.Set("limit", strconv.Itoa(feedPageSize))
		values.Set("offset", strconv.Itoa(page*feedPageSize))
		values.Set("order[chapter]", "asc")
		for _, language := range c.languages {
			values.Add("translatedLanguage[]", language)
		}

		res, err := c.get(ctx, c.apiBaseURL+"/manga/"+titleID+"/feed?"+values.Encode())
		if err != nil {
			return nil, fmt.Errorf("request chapter feed: %w", err)
		}

		var payload chapterFeedResponse
		decodeErr := json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode chapter feed: %w", decodeErr)
		}

		for _, item := range payload.Data {
			chapters = append(chapters, toChapter(c.siteBaseURL, item))
		}

		if len(payload.Data) == 0 || payload.Offset+len(payload.Data) >= payload.Total {
			break
		}
	}

	return chapters, nil
}

func (c *Connector) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, connectors.ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return nil, fmt.Errorf("mangadex returned status %d", res.StatusCode)
	}

	return res, nil
}

func (c *Connector) coverURL(mangaID string, relationships []relationship) string {
	for _, relationship := range relationships {
		if relationship.Type == "cover_art" && relationship.Attributes.FileName != "" {
			return c.coverBaseURL + "/" + mangaID + "/" + relationship.Attributes.FileName + ".256.jpg"
		}
	}
	return ""
}

// MatchesHost reports whether host is one of the sites this adapter serves.
func (c *Connector) MatchesHost(host string) bool {
	return c.isAllowedHost(host)
}

func (c *Connector) isAllowedHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, allowed := range c.allowedHost {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func toChapter(siteBaseURL string, item chapterData) connectors.Chapter {
	chapter := connectors.Chapter{
		ID:    item.ID,
		Title: strings.TrimSpace(item.Attributes.Title),
		URL:   siteBaseURL + "/chapter/" + item.ID,
	}

	if raw := strings.TrimSpace(item.Attributes.Chapter); raw != "" {
		if number, err := strconv.ParseFloat(raw, 64); err == nil {
			chapter.Number = &number
		}
	}

	for _, raw := range []string{item.Attributes.PublishAt, item.Attributes.ReadableAt, item.Attributes.CreatedAt} {
		if raw == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			uploadedAt := parsed.UTC()
			chapter.UploadedAt = &uploadedAt
			break
		}
	}

	if chapter.Title == "" && chapter.Number != nil {
		chapter.Title = "Chapter " + strconv.FormatFloat(*chapter.Number, 'f', -1, 64)
	}

	return chapter
}

func pickBestTitle(titleMap map[string]string) string {
	if titleMap == nil {
		return ""
	}
	for _, key := range []string{"en", "ja-ro", "ja", "pt-br", "es"} {
		if value := strings.TrimSpace(titleMap[key]); value != "" {
			return value
		}
	}
	for _, value := range titleMap {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

type relationship struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		FileName string `json:"fileName"`
		Name     string `json:"name"`
	} `json:"attributes"`
}

type mangaAttributes struct {
	Title       map[string]string `json:"title"`
	Description map[string]string `json:"description"`
	Status      string            `json:"status"`
}

type mangaByIDResponse struct {
	Data struct {
		ID            string          `json:"id"`
		Attributes    mangaAttributes `json:"attributes"`
		Relationships []relationship  `json:"relationships"`
	} `json:"data"`
}

type mangaSearchResponse struct {
	Data []struct {
		ID            string          `json:"id"`
		Attributes    mangaAttributes `json:"attributes"`
		Relationships []relationship  `json:"relationships"`
	} `json:"data"`
}

type chapterData struct {
	ID         string `json:"id"`
	Attributes struct {
		Title      string `json:"title"`
		Chapter    string `json:"chapter"`
		PublishAt  string `json:"publishAt"`
		ReadableAt string `json:"readableAt"`
		CreatedAt  string `json:"createdAt"`
	} `json:"attributes"`
}

type chapterFeedResponse struct {
	Data   []chapterData `json:"data"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Total  int           `json:"total"`
}
