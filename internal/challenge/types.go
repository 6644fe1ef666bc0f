package challenge

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

const (
	ReasonAutoTimeout        = "auto_timeout"
	ReasonManualTimeout      = "manual_timeout"
	ReasonManualCancelled    = "manual_cancelled"
	ReasonAborted            = "aborted"
	ReasonBrowserUnavailable = "browser_unavailable"
	ReasonInvalidURL         = "invalid_url"
)

const DefaultClearanceCookie = "cf_clearance"

type Request struct {
	URL                 string
	AutoTimeout         time.Duration
	ManualTimeout       time.Duration
	AllowManualFallback bool
}

type Result struct {
	Success   bool
	Mode      Mode
	Reason    string
	UserAgent string
	Cookies   []*http.Cookie
}

// Session describes a mounted browser surface. It only lives while a solve
// is polling for clearance.
type Session struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"startedAt"`
}

// Browser mounts surfaces. Hidden surfaces back the auto phase and visible
// ones the manual phase.
type Browser interface {
	Open(ctx context.Context, target string, visible bool) (Surface, error)
}

type Surface interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	UserAgent(ctx context.Context) (string, error)
	Close() error
}

// CookieSink receives clearance obtained by a successful solve.
type CookieSink interface {
	AdoptClearance(origin *url.URL, cookies []*http.Cookie, userAgent string)
}
