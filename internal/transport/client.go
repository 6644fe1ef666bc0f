package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/dk5761/reader-sync/internal/challenge"
)

// ReasonChallengePersisted is reported when the origin still serves a
// challenge after a successful solve.
const ReasonChallengePersisted = "challenge_persisted"

const challengeSniffLimit = 64 << 10

var ErrChallengeFailed = errors.New("challenge not solved")

type ChallengeError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge at %s (status %d) not solved: %s", e.URL, e.StatusCode, e.Reason)
}

func (e *ChallengeError) Is(target error) bool {
	return target == ErrChallengeFailed
}

type Solver interface {
	Solve(ctx context.Context, req challenge.Request) challenge.Result
}

type Options struct {
	Timeout                time.Duration
	UserAgent              string
	RatePerHost            float64
	Burst                  int
	ChallengeAutoTimeout   time.Duration
	ChallengeManualTimeout time.Duration
	AllowManualFallback    bool
	RoundTripper           http.RoundTripper
	Logger                 *slog.Logger
}

// Client is the HTTP client shared by every source adapter. All requests go
// through one cookie jar so clearance obtained for an origin is reused.
type Client struct {
	httpClient *http.Client
	jar        *cookiejar.Jar
	solver     Solver
	userAgent  string
	options    Options
	logger     *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	agentsMu sync.RWMutex
	agents   map[string]string
}

func New(options Options) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Burst <= 0 {
		options.Burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   options.Timeout,
			Jar:       jar,
			Transport: options.RoundTripper,
		},
		jar:       jar,
		userAgent: strings.TrimSpace(options.UserAgent),
		options:   options,
		logger:    logger,
		limiters:  map[string]*rate.Limiter{},
		agents:    map[string]string{},
	}, nil
}

// SetSolver installs the challenge solver. Without one, challenge responses
// are returned to the caller untouched.
func (c *Client) SetSolver(solver Solver) {
	c.solver = solver
}

func (c *Client) Jar() http.CookieJar {
	return c.jar
}

// Do sends req and, when the response carries a challenge signature, asks
// the solver for clearance and re-sends req exactly once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	challenged, err := detectChallenge(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("inspect response from %s: %w", req.URL.Redacted(), err)
	}
	if !challenged || c.solver == nil {
		return resp, nil
	}

	statusCode := resp.StatusCode
	drainAndClose(resp.Body)

	ctx := req.Context()
	origin := (&url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host}).String()
	c.logger.Info("challenge detected", "origin", origin, "status", statusCode)

	result := c.solver.Solve(ctx, challenge.Request{
		URL:                 origin,
		AutoTimeout:         c.options.ChallengeAutoTimeout,
		ManualTimeout:       c.options.ChallengeManualTimeout,
		AllowManualFallback: c.options.AllowManualFallback,
	})
	if !result.Success {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("solve challenge for %s: %w", origin, context.Cause(ctx))
		}
		return nil, &ChallengeError{URL: req.URL.Redacted(), StatusCode: statusCode, Reason: result.Reason}
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err = c.send(retry)
	if err != nil {
		return nil, err
	}

	challenged, err = detectChallenge(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("inspect response from %s: %w", req.URL.Redacted(), err)
	}
	if challenged {
		statusCode = resp.StatusCode
		drainAndClose(resp.Body)
		return nil, &ChallengeError{URL: req.URL.Redacted(), StatusCode: statusCode, Reason: ReasonChallengePersisted}
	}

	return resp, nil
}

// AdoptClearance stores cookies for origin and pins the user agent that
// earned them; clearance cookies are only honoured for that agent.
func (c *Client) AdoptClearance(origin *url.URL, cookies []*http.Cookie, userAgent string) {
	if origin == nil {
		return
	}
	if len(cookies) > 0 {
		c.jar.SetCookies(origin, cookies)
	}
	if userAgent = strings.TrimSpace(userAgent); userAgent != "" {
		c.agentsMu.Lock()
		c.agents[strings.ToLower(origin.Hostname())] = userAgent
		c.agentsMu.Unlock()
	}
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	c.applyHeaders(req)

	if limiter := c.limiter(req.URL.Hostname()); limiter != nil {
		if err := limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("wait for rate limit on %s: %w", req.URL.Host, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	host := strings.ToLower(req.URL.Hostname())

	c.agentsMu.RLock()
	adopted := c.agents[host]
	c.agentsMu.RUnlock()

	switch {
	case adopted != "":
		req.Header.Set("User-Agent", adopted)
	case req.Header.Get("User-Agent") == "" && c.userAgent != "":
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.options.RatePerHost <= 0 {
		return nil
	}

	host = strings.ToLower(host)
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.options.RatePerHost), c.options.Burst)
		c.limiters[host] = limiter
	}
	return limiter
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("replay request to %s: body cannot be re-read", req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay request to %s: %w", req.URL.Redacted(), err)
	}
	retry.Body = body
	return retry, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, challengeSniffLimit))
	_ = body.Close()
}

var challengeBodyMarkers = []string{
	"cf-chl",
	"challenge-platform",
	"just a moment...",
}

// detectChallenge reports whether resp is a bot challenge interstitial. The
// body is restored so callers can still read it.
func detectChallenge(resp *http.Response) (bool, error) {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return false, nil
	}

	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("cf-mitigated")), "challenge") {
		return true, nil
	}
	if !strings.Contains(strings.ToLower(resp.Header.Get("Server")), "cloudflare") {
		return false, nil
	}

	prefix, err := io.ReadAll(io.LimitReader(resp.Body, challengeSniffLimit))
	if err != nil {
		return false, err
	}
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(prefix), resp.Body),
		closer: resp.Body,
	}

	lowered := strings.ToLower(string(prefix))
	for _, marker := range challengeBodyMarkers {
		if strings.Contains(lowered, marker) {
			return true, nil
		}
	}
	return false, nil
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}
