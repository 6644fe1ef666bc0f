package yamlconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dk5761/reader-sync/internal/connectors"
)

type Connector struct {
	config     Config
	httpClient connectors.Doer
}

func NewConnector(cfg Config, client connectors.Doer) (*Connector, error) {
	if err := cfg.normalizeAndValidate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Connector{config: cfg, httpClient: client}, nil
}

func (c *Connector) Key() string {
	return c.config.Key
}

func (c *Connector) Name() string {
	return c.config.Name
}

func (c *Connector) Kind() string {
	return connectors.KindYAML
}

func (c *Connector) HealthCheck(ctx context.Context) error {
	res, err := c.get(ctx, c.config.BaseURL+ensurePathPrefix(c.config.HealthPath))
	if err != nil {
		return fmt.Errorf("request health: %w", err)
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
	if len(c.config.AllowedHosts) > 0 && !hostAllowed(parsed.Hostname(), c.config.AllowedHosts) {
		return nil, fmt.Errorf("url does not belong to allowed hosts")
	}

	values := url.Values{}
	values.Set(c.config.Resolve.URLParam, trimmed)
	endpoint := c.config.BaseURL + ensurePathPrefix(c.config.Resolve.Path) + "?" + values.Encode()

	payload, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("request resolve: %w", err)
	}

	itemMap, ok := getByPath(payload, c.config.Response.ResolveItemPath).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolve payload item is invalid")
	}

	item, err := c.mapItem(itemMap)
	if err != nil {
		return nil, err
	}
	item.URL = trimmed
	return &item, nil
}

func (c *Connector) SearchByTitle(ctx context.Context, title string, limit int) ([]connectors.MangaResult, error) {
	query := strings.TrimSpace(title)
	if query == "" {
		return nil, fmt.Errorf("title is required")
	}
	if limit <= 0 {
		limit = 10
	}

	values := url.Values{}
	values.Set(c.config.Search.QueryParam, query)
	values.Set(c.config.Search.LimitParam, strconv.Itoa(limit))
	endpoint := c.config.BaseURL + ensurePathPrefix(c.config.Search.Path) + "?" + values.Encode()

	payload, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("request search: %w", err)
	}

	itemList, ok := getByPath(payload, c.config.Response.SearchItemsPath).([]any)
	if !ok {
		return nil, fmt.Errorf("search payload items are invalid")
	}

	results := make([]connectors.MangaResult, 0, len(itemList))
	for _, rawItem := range itemList {
		itemMap, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		item, err := c.mapItem(itemMap)
		if err != nil {
			continue
		}
		results = append(results, item)
	}

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (c *Connector) GetMangaDetails(ctx context.Context, mangaID string) (*connectors.MangaDetails, error) {
	endpoint, err := c.itemEndpoint(c.config.Details.Path, c.config.Details.IDParam, mangaID)
	if err != nil {
		return nil, err
	}

	payload, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("request details: %w", err)
	}

	itemMap, ok := getByPath(payload, c.config.Response.DetailsItemPath).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("details payload item is invalid")
	}

	title, _ := toString(itemMap[c.config.Response.TitleField])
	details := &connectors.MangaDetails{
		SourceKey:    c.Key(),
		MangaID:      strings.TrimSpace(mangaID),
		Title:        strings.TrimSpace(title),
		URL:          c.stringField(itemMap, c.config.Response.URLField),
		ThumbnailURL: c.stringField(itemMap, c.config.Response.ThumbnailField),
		Status:       c.stringField(itemMap, c.config.Response.StatusField),
		Description:  c.stringField(itemMap, c.config.Response.DescriptionField),
	}
	if id := c.stringField(itemMap, c.config.Response.IDField); id != "" {
		details.MangaID = id
	}

	return details, nil
}

func (c *Connector) GetChapters(ctx context.Context, mangaID string) ([]connectors.Chapter, error) {
	endpoint, err := c.itemEndpoint(c.config.Chapters.Path, c.config.Chapters.IDParam, mangaID)
	if err != nil {
		return nil, err
	}

	payload, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("request chapters: %w", err)
	}

	itemList, ok := getByPath(payload, c.config.Response.ChapterItemsPath).([]any)
	if !ok {
		return nil, fmt.Errorf("chapters payload items are invalid")
	}

	chapters := make([]connectors.Chapter, 0, len(itemList))
	for _, rawItem := range itemList {
		itemMap, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}

		chapter := connectors.Chapter{
			ID:    c.stringField(itemMap, c.config.Response.ChapterIDField),
			Title: c.stringField(itemMap, c.config.Response.ChapterTitleField),
			URL:   c.stringField(itemMap, c.config.Response.ChapterURLField),
		}
		if number, ok := toFloat(itemMap[c.config.Response.ChapterNumberField]); ok {
			chapter.Number = &number
		}
		if uploadedAt, ok := toTime(itemMap[c.config.Response.ChapterDateField]); ok {
			chapter.UploadedAt = &uploadedAt
		}
		if chapter.ID == "" {
			if chapter.URL == "" {
				continue
			}
			chapter.ID = chapter.URL
		}

		chapters = append(chapters, chapter)
	}

	return chapters, nil
}

func (c *Connector) itemEndpoint(rawPath string, idParam string, mangaID string) (string, error) {
	trimmedID := strings.TrimSpace(mangaID)
	if trimmedID == "" {
		return "", fmt.Errorf("manga id is required")
	}

	endpointPath := ensurePathPrefix(rawPath)
	if strings.Contains(endpointPath, "{id}") {
		return c.config.BaseURL + strings.ReplaceAll(endpointPath, "{id}", url.PathEscape(trimmedID)), nil
	}

	values := url.Values{}
	values.Set(idParam, trimmedID)
	return c.config.BaseURL + endpointPath + "?" + values.Encode(), nil
}

func (c *Connector) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
		return nil, fmt.Errorf("unexpected status: %d", res.StatusCode)
	}

	return res, nil
}

func (c *Connector) getJSON(ctx context.Context, endpoint string) (map[string]any, error) {
	res, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	return payload, nil
}

func (c *Connector) stringField(item map[string]any, field string) string {
	if field == "" {
		return ""
	}
	value, _ := toString(item[field])
	return strings.TrimSpace(value)
}

func (c *Connector) mapItem(item map[string]any) (connectors.MangaResult, error) {
	id, ok := toString(item[c.config.Response.IDField])
	if !ok || strings.TrimSpace(id) == "" {
		return connectors.MangaResult{}, fmt.Errorf("missing id field")
	}
	title, ok := toString(item[c.config.Response.TitleField])
	if !ok || strings.TrimSpace(title) == "" {
		return connectors.MangaResult{}, fmt.Errorf("missing title field")
	}
	urlValue, ok := toString(item[c.config.Response.URLField])
	if !ok || strings.TrimSpace(urlValue) == "" {
		return connectors.MangaResult{}, fmt.Errorf("missing url field")
	}

	result := connectors.MangaResult{
		SourceKey:     c.Key(),
		SourceItemID:  strings.TrimSpace(id),
		Title:         strings.TrimSpace(title),
		URL:           strings.TrimSpace(urlValue),
		CoverImageURL: c.stringField(item, c.config.Response.ThumbnailField),
	}

	if rawChapter, exists := item[c.config.Response.LatestChapterField]; exists {
		if chapter, ok := toFloat(rawChapter); ok {
			result.LatestChapter = &chapter
		}
	}

	if c.config.Response.LastUpdatedField != "" {
		if rawUpdatedAt, exists := item[c.config.Response.LastUpdatedField]; exists {
			if updatedAt, ok := toTime(rawUpdatedAt); ok {
				result.LastUpdatedAt = &updatedAt
			}
		}
	}

	return result, nil
}

func ensurePathPrefix(rawPath string) string {
	rawPath = strings.TrimSpace(rawPath)
	if rawPath == "" {
		return ""
	}
	if strings.HasPrefix(rawPath, "/") {
		return rawPath
	}
	return "/" + rawPath
}

// MatchesHost checks the configured allowed hosts, or the base url host when
// none are configured.
func (c *Connector) MatchesHost(host string) bool {
	if len(c.config.AllowedHosts) > 0 {
		return hostAllowed(host, c.config.AllowedHosts)
	}
	parsed, err := url.Parse(c.config.BaseURL)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	return hostAllowed(host, []string{parsed.Hostname()})
}

func hostAllowed(host string, allowedHosts []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func getByPath(input map[string]any, dottedPath string) any {
	dottedPath = strings.TrimSpace(dottedPath)
	if dottedPath == "" {
		return input
	}

	current := any(input)
	for _, segment := range strings.Split(dottedPath, ".") {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = asMap[segment]
	}
	return current
}

func toString(input any) (string, bool) {
	switch value := input.(type) {
	case string:
		return value, true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	case int:
		return strconv.Itoa(value), true
	default:
		return "", false
	}
}

func toFloat(input any) (float64, bool) {
	switch value := input.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func toTime(input any) (time.Time, bool) {
	switch value := input.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			parsed, err := time.Parse(layout, trimmed)
			if err == nil {
				return parsed.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		return fromUnixTimestamp(int64(value))
	case int:
		return fromUnixTimestamp(int64(value))
	case int64:
		return fromUnixTimestamp(value)
	default:
		return time.Time{}, false
	}
}

// fromUnixTimestamp accepts seconds or milliseconds.
func fromUnixTimestamp(value int64) (time.Time, bool) {
	if value <= 0 {
		return time.Time{}, false
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}
