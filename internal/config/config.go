package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment        string
	AppName            string
	Port               string
	LogLevel           slog.Level
	SQLitePath         string
	MigrationsPath     string
	YAMLConnectorsPath string
	NotifyWebhookURL   string
	HTTP               HTTPConfig
	Sync               SyncConfig
	Challenge          ChallengeConfig
}

type HTTPConfig struct {
	Timeout     time.Duration
	UserAgent   string
	RatePerHost float64
	Burst       int
}

type SyncConfig struct {
	ScheduleEnabled bool
	IntervalMinutes int
	TitleTimeout    time.Duration
}

type ChallengeConfig struct {
	AutoTimeout         time.Duration
	ManualTimeout       time.Duration
	AllowManualFallback bool
	CookieNames         []string
	BrowserBin          string
}

// fileOverlay is the optional TOML file named by CONFIG_FILE. Only the sync
// and challenge sections can be overridden from it.
type fileOverlay struct {
	Sync struct {
		ScheduleEnabled *bool   `toml:"schedule_enabled"`
		IntervalMinutes *int    `toml:"interval_minutes"`
		TitleTimeout    *string `toml:"title_timeout"`
	} `toml:"sync"`
	Challenge struct {
		AutoTimeout         *string  `toml:"auto_timeout"`
		ManualTimeout       *string  `toml:"manual_timeout"`
		AllowManualFallback *bool    `toml:"allow_manual_fallback"`
		CookieNames         []string `toml:"cookie_names"`
		BrowserBin          *string  `toml:"browser_bin"`
	} `toml:"challenge"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		AppName:            getEnv("APP_NAME", "reader-sync"),
		Port:               getEnv("APP_PORT", "8080"),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/app.sqlite"),
		MigrationsPath:     getEnv("MIGRATIONS_PATH", "./migrations"),
		YAMLConnectorsPath: getEnv("YAML_CONNECTORS_PATH", "./connectors"),
		NotifyWebhookURL:   getEnv("NOTIFY_WEBHOOK_URL", ""),
		HTTP: HTTPConfig{
			Timeout:     getEnvAsDuration("HTTP_TIMEOUT", 15*time.Second),
			UserAgent:   getEnv("HTTP_USER_AGENT", defaultUserAgent),
			RatePerHost: getEnvAsFloat("HTTP_RATE_PER_HOST", 2),
			Burst:       getEnvAsInt("HTTP_RATE_BURST", 2),
		},
		Sync: SyncConfig{
			ScheduleEnabled: getEnvAsBool("SYNC_SCHEDULE_ENABLED", true),
			IntervalMinutes: getEnvAsInt("SYNC_INTERVAL_MINUTES", 360),
			TitleTimeout:    getEnvAsDuration("SYNC_TITLE_TIMEOUT", 0),
		},
		Challenge: ChallengeConfig{
			AutoTimeout:         getEnvAsDuration("CHALLENGE_AUTO_TIMEOUT", 20*time.Second),
			ManualTimeout:       getEnvAsDuration("CHALLENGE_MANUAL_TIMEOUT", 3*time.Minute),
			AllowManualFallback: getEnvAsBool("CHALLENGE_ALLOW_MANUAL", false),
			CookieNames:         getEnvAsList("CHALLENGE_COOKIE_NAMES", []string{"cf_clearance"}),
			BrowserBin:          getEnv("BROWSER_BIN", ""),
		},
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if cfg.Sync.IntervalMinutes <= 0 {
		cfg.Sync.IntervalMinutes = 360
	}
	if cfg.HTTP.Burst <= 0 {
		cfg.HTTP.Burst = 1
	}

	level, err := parseLogLevel(getEnv("LOG_LEVEL", "INFO"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var overlay fileOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if overlay.Sync.ScheduleEnabled != nil {
		cfg.Sync.ScheduleEnabled = *overlay.Sync.ScheduleEnabled
	}
	if overlay.Sync.IntervalMinutes != nil {
		cfg.Sync.IntervalMinutes = *overlay.Sync.IntervalMinutes
	}
	if overlay.Sync.TitleTimeout != nil {
		parsed, err := time.ParseDuration(*overlay.Sync.TitleTimeout)
		if err != nil {
			return fmt.Errorf("invalid sync.title_timeout %q: %w", *overlay.Sync.TitleTimeout, err)
		}
		cfg.Sync.TitleTimeout = parsed
	}

	if overlay.Challenge.AutoTimeout != nil {
		parsed, err := time.ParseDuration(*overlay.Challenge.AutoTimeout)
		if err != nil {
			return fmt.Errorf("invalid challenge.auto_timeout %q: %w", *overlay.Challenge.AutoTimeout, err)
		}
		cfg.Challenge.AutoTimeout = parsed
	}
	if overlay.Challenge.ManualTimeout != nil {
		parsed, err := time.ParseDuration(*overlay.Challenge.ManualTimeout)
		if err != nil {
			return fmt.Errorf("invalid challenge.manual_timeout %q: %w", *overlay.Challenge.ManualTimeout, err)
		}
		cfg.Challenge.ManualTimeout = parsed
	}
	if overlay.Challenge.AllowManualFallback != nil {
		cfg.Challenge.AllowManualFallback = *overlay.Challenge.AllowManualFallback
	}
	if len(overlay.Challenge.CookieNames) > 0 {
		cfg.Challenge.CookieNames = overlay.Challenge.CookieNames
	}
	if overlay.Challenge.BrowserBin != nil {
		cfg.Challenge.BrowserBin = *overlay.Challenge.BrowserBin
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q, expected DEBUG|INFO|WARN|ERROR", raw)
	}
}

func getEnv(key string, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
