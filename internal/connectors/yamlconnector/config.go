package yamlconnector

import (
	"fmt"
	"strings"
)

// Endpoint paths may contain an {id} placeholder. Without one the id is sent
// as the id_param query parameter.
type Config struct {
	Key          string   `yaml:"key"`
	Name         string   `yaml:"name"`
	Enabled      *bool    `yaml:"enabled"`
	BaseURL      string   `yaml:"base_url"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	HealthPath   string   `yaml:"health_path"`
	Search       struct {
		Path       string `yaml:"path"`
		QueryParam string `yaml:"query_param"`
		LimitParam string `yaml:"limit_param"`
	} `yaml:"search"`
	Resolve struct {
		Path     string `yaml:"path"`
		URLParam string `yaml:"url_param"`
	} `yaml:"resolve"`
	Details struct {
		Path    string `yaml:"path"`
		IDParam string `yaml:"id_param"`
	} `yaml:"details"`
	Chapters struct {
		Path    string `yaml:"path"`
		IDParam string `yaml:"id_param"`
	} `yaml:"chapters"`
	Response struct {
		SearchItemsPath    string `yaml:"search_items_path"`
		ResolveItemPath    string `yaml:"resolve_item_path"`
		DetailsItemPath    string `yaml:"details_item_path"`
		ChapterItemsPath   string `yaml:"chapter_items_path"`
		IDField            string `yaml:"id_field"`
		TitleField         string `yaml:"title_field"`
		URLField           string `yaml:"url_field"`
		ThumbnailField     string `yaml:"thumbnail_field"`
		StatusField        string `yaml:"status_field"`
		DescriptionField   string `yaml:"description_field"`
		LatestChapterField string `yaml:"latest_chapter_field"`
		LastUpdatedField   string `yaml:"last_updated_field"`
		ChapterIDField     string `yaml:"chapter_id_field"`
		ChapterTitleField  string `yaml:"chapter_title_field"`
		ChapterNumberField string `yaml:"chapter_number_field"`
		ChapterDateField   string `yaml:"chapter_date_field"`
		ChapterURLField    string `yaml:"chapter_url_field"`
	} `yaml:"response"`
}

func (c *Config) normalizeAndValidate() error {
	c.Key = strings.ToLower(strings.TrimSpace(c.Key))
	c.Name = strings.TrimSpace(c.Name)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")

	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	if strings.TrimSpace(c.Search.Path) == "" {
		return fmt.Errorf("search.path is required")
	}
	if strings.TrimSpace(c.Resolve.Path) == "" {
		return fmt.Errorf("resolve.path is required")
	}
	if strings.TrimSpace(c.Details.Path) == "" {
		return fmt.Errorf("details.path is required")
	}
	if strings.TrimSpace(c.Chapters.Path) == "" {
		return fmt.Errorf("chapters.path is required")
	}

	setDefault(&c.Search.QueryParam, "q")
	setDefault(&c.Search.LimitParam, "limit")
	setDefault(&c.Resolve.URLParam, "url")
	setDefault(&c.Details.IDParam, "id")
	setDefault(&c.Chapters.IDParam, "id")
	setDefault(&c.HealthPath, "/health")

	setDefault(&c.Response.SearchItemsPath, "items")
	setDefault(&c.Response.ResolveItemPath, "item")
	setDefault(&c.Response.DetailsItemPath, "item")
	setDefault(&c.Response.ChapterItemsPath, "chapters")
	setDefault(&c.Response.IDField, "id")
	setDefault(&c.Response.TitleField, "title")
	setDefault(&c.Response.URLField, "url")
	setDefault(&c.Response.ThumbnailField, "thumbnail")
	setDefault(&c.Response.StatusField, "status")
	setDefault(&c.Response.DescriptionField, "description")
	setDefault(&c.Response.LatestChapterField, "latestChapter")
	setDefault(&c.Response.ChapterIDField, "id")
	setDefault(&c.Response.ChapterTitleField, "title")
	setDefault(&c.Response.ChapterNumberField, "number")
	setDefault(&c.Response.ChapterDateField, "uploadedAt")
	setDefault(&c.Response.ChapterURLField, "url")

	if len(c.AllowedHosts) == 0 {
		c.AllowedHosts = []string{}
	}

	return nil
}

func (c *Config) isEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func setDefault(target *string, fallback string) {
	if strings.TrimSpace(*target) == "" {
		*target = fallback
	}
}
