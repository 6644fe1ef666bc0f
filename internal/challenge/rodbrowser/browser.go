package rodbrowser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/dk5761/reader-sync/internal/challenge"
)

// Browser launches a dedicated Chromium process per surface so the hidden
// and visible phases never share a profile with the user's own browser.
type Browser struct {
	bin    string
	logger *slog.Logger
}

func New(bin string, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		bin:    strings.TrimSpace(bin),
		logger: logger,
	}
}

func (b *Browser) Open(ctx context.Context, target string, visible bool) (challenge.Surface, error) {
	launch := launcher.New().Headless(!visible).Context(ctx)
	if b.bin != "" {
		launch = launch.Bin(b.bin)
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		launch.Kill()
		launch.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		_ = browser.Close()
		launch.Kill()
		launch.Cleanup()
		return nil, fmt.Errorf("open page %s: %w", target, err)
	}

	b.logger.Debug("browser surface mounted", "url", target, "visible", visible)

	return &surface{
		target:   target,
		launcher: launch,
		browser:  browser,
		page:     page,
	}, nil
}

type surface struct {
	target   string
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

func (s *surface) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	cookies, err := s.page.Context(ctx).Cookies([]string{s.target})
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	result := make([]*http.Cookie, 0, len(cookies))
	for _, cookie := range cookies {
		result = append(result, toHTTPCookie(cookie))
	}
	return result, nil
}

func (s *surface) UserAgent(ctx context.Context) (string, error) {
	value, err := s.page.Context(ctx).Eval(`() => navigator.userAgent`)
	if err != nil {
		return "", fmt.Errorf("read user agent: %w", err)
	}
	return value.Value.Str(), nil
}

func (s *surface) Close() error {
	var errs []error
	if err := s.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page: %w", err))
	}
	if err := s.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	s.launcher.Kill()
	s.launcher.Cleanup()
	return errors.Join(errs...)
}

func toHTTPCookie(cookie *proto.NetworkCookie) *http.Cookie {
	converted := &http.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Domain:   cookie.Domain,
		Path:     cookie.Path,
		Secure:   cookie.Secure,
		HttpOnly: cookie.HTTPOnly,
	}

	// Session cookies carry a negative expiry.
	expires := float64(cookie.Expires)
	if expires > 0 {
		seconds, fraction := math.Modf(expires)
		converted.Expires = time.Unix(int64(seconds), int64(fraction*1e9)).UTC()
	}

	switch cookie.SameSite {
	case proto.NetworkCookieSameSiteStrict:
		converted.SameSite = http.SameSiteStrictMode
	case proto.NetworkCookieSameSiteLax:
		converted.SameSite = http.SameSiteLaxMode
	case proto.NetworkCookieSameSiteNone:
		converted.SameSite = http.SameSiteNoneMode
	}

	return converted
}
