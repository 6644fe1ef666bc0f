package challenge

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAutoPollInterval   = 500 * time.Millisecond
	defaultManualPollInterval = time.Second
	defaultDonePollInterval   = 150 * time.Millisecond
)

type Options struct {
	CookieNames        []string
	CookieSink         CookieSink
	AutoPollInterval   time.Duration
	ManualPollInterval time.Duration
	DonePollInterval   time.Duration
	Logger             *slog.Logger
}

// Negotiator runs at most one solve at a time. Callers queue in arrival
// order behind the solve in flight.
type Negotiator struct {
	browser     Browser
	sink        CookieSink
	cookieNames []string
	autoPoll    time.Duration
	manualPoll  time.Duration
	donePoll    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	queueMu sync.Mutex
	busy    bool
	waiters []chan struct{}

	sessionsMu  sync.Mutex
	sessions    map[string]*sessionHandle
	subscribers map[int]func([]Session)
	nextSubID   int
}

type sessionHandle struct {
	session    Session
	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
}

type pollOutcome int

const (
	outcomeCleared pollOutcome = iota
	outcomeTimeout
	outcomeCancelled
	outcomeAborted
)

func NewNegotiator(browser Browser, options Options) *Negotiator {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cookieNames := make([]string, 0, len(options.CookieNames))
	for _, name := range options.CookieNames {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cookieNames = append(cookieNames, trimmed)
		}
	}
	if len(cookieNames) == 0 {
		cookieNames = []string{DefaultClearanceCookie}
	}

	return &Negotiator{
		browser:     browser,
		sink:        options.CookieSink,
		cookieNames: cookieNames,
		autoPoll:    durationOrDefault(options.AutoPollInterval, defaultAutoPollInterval),
		manualPoll:  durationOrDefault(options.ManualPollInterval, defaultManualPollInterval),
		donePoll:    durationOrDefault(options.DonePollInterval, defaultDonePollInterval),
		logger:      logger,
		now:         time.Now,
		sessions:    map[string]*sessionHandle{},
		subscribers: map[int]func([]Session){},
	}
}

// SetCookieSink installs the receiver for clearance cookies. It must be
// called before the first Solve.
func (n *Negotiator) SetCookieSink(sink CookieSink) {
	n.sink = sink
}

// Solve waits for its turn in the queue and then tries to obtain clearance
// for the origin of req.URL, first with a hidden surface and then, when
// allowed, with a visible one the user interacts with.
func (n *Negotiator) Solve(ctx context.Context, req Request) Result {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return Result{Reason: ReasonInvalidURL}
	}
	origin := &url.URL{Scheme: target.Scheme, Host: target.Host}

	if err := n.acquire(ctx); err != nil {
		return Result{Reason: ReasonAborted}
	}
	defer n.release()

	if ctx.Err() != nil {
		return Result{Reason: ReasonAborted}
	}

	n.logger.Info("challenge solve started", "origin", origin.String())

	result := n.runAuto(ctx, target.String(), req.AutoTimeout)
	if !result.Success && result.Reason == ReasonAutoTimeout && req.AllowManualFallback {
		result = n.runManual(ctx, target.String(), req.ManualTimeout)
	}

	if result.Success {
		if n.sink != nil {
			n.sink.AdoptClearance(origin, result.Cookies, result.UserAgent)
		}
		n.logger.Info("challenge solved", "origin", origin.String(), "mode", result.Mode)
	} else {
		n.logger.Warn("challenge solve failed", "origin", origin.String(), "reason", result.Reason)
	}

	return result
}

func (n *Negotiator) runAuto(ctx context.Context, target string, timeout time.Duration) Result {
	if timeout <= 0 {
		return Result{Mode: ModeAuto, Reason: ReasonAutoTimeout}
	}

	surface, err := n.browser.Open(ctx, target, false)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Mode: ModeAuto, Reason: ReasonAborted}
		}
		n.logger.Warn("open hidden browser surface failed", "url", target, "error", err)
		return Result{Mode: ModeAuto, Reason: ReasonAutoTimeout}
	}
	defer closeSurface(surface, n.logger)

	handle := n.openSession(target, ModeAuto)
	defer n.closeSession(handle)

	cookies, outcome := n.poll(ctx, surface, handle, timeout, n.autoPoll)
	switch outcome {
	case outcomeCleared:
		return n.success(ctx, ModeAuto, surface, cookies)
	case outcomeAborted:
		return Result{Mode: ModeAuto, Reason: ReasonAborted}
	default:
		return Result{Mode: ModeAuto, Reason: ReasonAutoTimeout}
	}
}

func (n *Negotiator) runManual(ctx context.Context, target string, timeout time.Duration) Result {
	if timeout <= 0 {
		return Result{Mode: ModeManual, Reason: ReasonManualTimeout}
	}

	surface, err := n.browser.Open(ctx, target, true)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Mode: ModeManual, Reason: ReasonAborted}
		}
		n.logger.Warn("open visible browser surface failed", "url", target, "error", err)
		return Result{Mode: ModeManual, Reason: ReasonBrowserUnavailable}
	}
	defer closeSurface(surface, n.logger)

	handle := n.openSession(target, ModeManual)
	defer n.closeSession(handle)

	cookies, outcome := n.poll(ctx, surface, handle, timeout, n.manualPoll)
	switch outcome {
	case outcomeCleared:
		return n.success(ctx, ModeManual, surface, cookies)
	case outcomeCancelled:
		return Result{Mode: ModeManual, Reason: ReasonManualCancelled}
	case outcomeAborted:
		return Result{Mode: ModeManual, Reason: ReasonAborted}
	default:
		return Result{Mode: ModeManual, Reason: ReasonManualTimeout}
	}
}

// poll checks the surface for clearance immediately and then every
// interval. A done signal brings the next check forward but never ends the
// wait by itself.
func (n *Negotiator) poll(
	ctx context.Context,
	surface Surface,
	handle *sessionHandle,
	timeout time.Duration,
	interval time.Duration,
) ([]*http.Cookie, pollOutcome) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	next := time.NewTimer(0)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, outcomeAborted
		case <-deadline.C:
			return nil, outcomeTimeout
		case <-handle.cancel:
			return nil, outcomeCancelled
		case <-handle.done:
			resetTimer(next, n.donePoll)
		case <-next.C:
			cookies, err := surface.Cookies(ctx)
			if err != nil {
				n.logger.Debug("read surface cookies failed", "sessionId", handle.session.ID, "error", err)
			}
			if n.hasClearance(cookies) {
				return cookies, outcomeCleared
			}
			next.Reset(interval)
		}
	}
}

func (n *Negotiator) success(ctx context.Context, mode Mode, surface Surface, cookies []*http.Cookie) Result {
	userAgent, err := surface.UserAgent(ctx)
	if err != nil {
		n.logger.Debug("read surface user agent failed", "error", err)
	}
	return Result{Success: true, Mode: mode, UserAgent: userAgent, Cookies: cookies}
}

func (n *Negotiator) hasClearance(cookies []*http.Cookie) bool {
	now := n.now()
	for _, cookie := range cookies {
		if cookie == nil || strings.TrimSpace(cookie.Value) == "" {
			continue
		}
		if !cookie.Expires.IsZero() && !cookie.Expires.After(now) {
			continue
		}
		for _, name := range n.cookieNames {
			if cookie.Name == name {
				return true
			}
		}
	}
	return false
}

// SignalDone tells a manual session the user believes the challenge is
// solved. It reports whether the session exists.
func (n *Negotiator) SignalDone(sessionID string) bool {
	handle := n.manualSession(sessionID)
	if handle == nil {
		return false
	}
	select {
	case handle.done <- struct{}{}:
	default:
	}
	return true
}

// CancelManual ends a manual session with manual_cancelled.
func (n *Negotiator) CancelManual(sessionID string) bool {
	handle := n.manualSession(sessionID)
	if handle == nil {
		return false
	}
	handle.cancelOnce.Do(func() {
		close(handle.cancel)
	})
	return true
}

func (n *Negotiator) ActiveSessions() []Session {
	n.sessionsMu.Lock()
	defer n.sessionsMu.Unlock()
	return n.activeSessionsLocked()
}

// SubscribeSessions calls fn with the live sessions whenever one is mounted
// or unmounted. The returned function removes the subscription.
func (n *Negotiator) SubscribeSessions(fn func([]Session)) func() {
	n.sessionsMu.Lock()
	defer n.sessionsMu.Unlock()

	id := n.nextSubID
	n.nextSubID++
	n.subscribers[id] = fn

	return func() {
		n.sessionsMu.Lock()
		defer n.sessionsMu.Unlock()
		delete(n.subscribers, id)
	}
}

func (n *Negotiator) acquire(ctx context.Context) error {
	n.queueMu.Lock()
	if !n.busy {
		n.busy = true
		n.queueMu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	n.waiters = append(n.waiters, turn)
	n.queueMu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		n.queueMu.Lock()
		for index, waiter := range n.waiters {
			if waiter == turn {
				n.waiters = append(n.waiters[:index], n.waiters[index+1:]...)
				n.queueMu.Unlock()
				return ctx.Err()
			}
		}
		n.queueMu.Unlock()
		// The slot was handed over while the context ended; pass it on.
		n.release()
		return ctx.Err()
	}
}

func (n *Negotiator) release() {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()

	if len(n.waiters) == 0 {
		n.busy = false
		return
	}
	turn := n.waiters[0]
	n.waiters = n.waiters[1:]
	close(turn)
}

func (n *Negotiator) openSession(target string, mode Mode) *sessionHandle {
	handle := &sessionHandle{
		session: Session{
			ID:        uuid.NewString(),
			URL:       target,
			Mode:      mode,
			StartedAt: n.now().UTC(),
		},
		done:   make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}

	n.sessionsMu.Lock()
	n.sessions[handle.session.ID] = handle
	sessions, subscribers := n.activeSessionsLocked(), n.subscribersLocked()
	n.sessionsMu.Unlock()

	notifySessions(subscribers, sessions)
	return handle
}

func (n *Negotiator) closeSession(handle *sessionHandle) {
	n.sessionsMu.Lock()
	delete(n.sessions, handle.session.ID)
	sessions, subscribers := n.activeSessionsLocked(), n.subscribersLocked()
	n.sessionsMu.Unlock()

	notifySessions(subscribers, sessions)
}

func (n *Negotiator) manualSession(sessionID string) *sessionHandle {
	n.sessionsMu.Lock()
	defer n.sessionsMu.Unlock()

	handle, ok := n.sessions[strings.TrimSpace(sessionID)]
	if !ok || handle.session.Mode != ModeManual {
		return nil
	}
	return handle
}

func (n *Negotiator) activeSessionsLocked() []Session {
	sessions := make([]Session, 0, len(n.sessions))
	for _, handle := range n.sessions {
		sessions = append(sessions, handle.session)
	}
	return sessions
}

func (n *Negotiator) subscribersLocked() []func([]Session) {
	subscribers := make([]func([]Session), 0, len(n.subscribers))
	for _, fn := range n.subscribers {
		subscribers = append(subscribers, fn)
	}
	return subscribers
}

func notifySessions(subscribers []func([]Session), sessions []Session) {
	for _, fn := range subscribers {
		fn(sessions)
	}
}

func closeSurface(surface Surface, logger *slog.Logger) {
	if err := surface.Close(); err != nil {
		logger.Debug("close browser surface failed", "error", err)
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
