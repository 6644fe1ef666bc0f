package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dk5761/reader-sync/internal/challenge"
)

type fakeSolver struct {
	mu       sync.Mutex
	calls    []challenge.Request
	result   challenge.Result
	client   *Client
	grantUA  string
	onSolved func()
}

func (s *fakeSolver) Solve(_ context.Context, req challenge.Request) challenge.Result {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.result.Success && s.client != nil {
		origin, _ := url.Parse(req.URL)
		s.client.AdoptClearance(origin, []*http.Cookie{{Name: "cf_clearance", Value: "ok", Path: "/"}}, s.grantUA)
	}
	if s.onSolved != nil {
		s.onSolved()
	}
	return s.result
}

func writeChallenge(w http.ResponseWriter) {
	w.Header().Set("cf-mitigated", "challenge")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("<html>Just a moment...</html>"))
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{UserAgent: "reader-sync-test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestDoSolvesChallengeAndRetriesOnce(t *testing.T) {
	var hits atomic.Int32
	var retryAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if cookie, err := r.Cookie("cf_clearance"); err != nil || cookie.Value != "ok" {
			writeChallenge(w)
			return
		}
		retryAgent.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(t)
	solver := &fakeSolver{result: challenge.Result{Success: true, Mode: challenge.ModeAuto}, client: client, grantUA: "SolverBrowser/2.0"}
	client.SetSolver(solver)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/series/abc", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success after solve, got %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly two requests, got %d", hits.Load())
	}
	if len(solver.calls) != 1 || solver.calls[0].URL != server.URL {
		t.Fatalf("expected one solve for the origin, got %+v", solver.calls)
	}
	if agent, _ := retryAgent.Load().(string); agent != "SolverBrowser/2.0" {
		t.Fatalf("expected adopted user agent on retry, got %q", agent)
	}
}

func TestDoDoesNotRetryMoreThanOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeChallenge(w)
	}))
	defer server.Close()

	client := newTestClient(t)
	solver := &fakeSolver{result: challenge.Result{Success: true, Mode: challenge.ModeAuto}, client: client}
	client.SetSolver(solver)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)

	var challengeErr *ChallengeError
	if !errors.As(err, &challengeErr) || challengeErr.Reason != ReasonChallengePersisted {
		t.Fatalf("expected persisted challenge error, got %v", err)
	}
	if hits.Load() != 2 || len(solver.calls) != 1 {
		t.Fatalf("expected 2 requests and 1 solve, got %d and %d", hits.Load(), len(solver.calls))
	}
}

func TestDoSurfacesSolveFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeChallenge(w)
	}))
	defer server.Close()

	client := newTestClient(t)
	client.SetSolver(&fakeSolver{result: challenge.Result{Reason: challenge.ReasonAutoTimeout}})

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/x", nil)
	_, err := client.Do(req)
	if !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("expected ErrChallengeFailed, got %v", err)
	}

	var challengeErr *ChallengeError
	if !errors.As(err, &challengeErr) || challengeErr.Reason != challenge.ReasonAutoTimeout || challengeErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected auto_timeout challenge error, got %+v", challengeErr)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected no retry after failed solve, got %d requests", hits.Load())
	}
}

func TestDoReportsAbortInsteadOfChallengeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChallenge(w)
	}))
	defer server.Close()

	abortErr := errors.New("paused")
	ctx, cancel := context.WithCancelCause(context.Background())

	client := newTestClient(t)
	client.SetSolver(&fakeSolver{
		result:   challenge.Result{Reason: challenge.ReasonAborted},
		onSolved: func() { cancel(abortErr) },
	})

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, abortErr) {
		t.Fatalf("expected abort cause, got %v", err)
	}
	if errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("expected abort to not look like a challenge failure")
	}
}

func TestDoPassesThroughOrdinaryForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("access denied"))
	}))
	defer server.Close()

	client := newTestClient(t)
	solver := &fakeSolver{}
	client.SetSolver(solver)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusForbidden || string(body) != "access denied" {
		t.Fatalf("expected untouched 403, got %d %q", resp.StatusCode, body)
	}
	if len(solver.calls) != 0 {
		t.Fatalf("expected no solve for plain 403")
	}
}

func TestDoDetectsChallengeFromBodyMarker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Server", "cloudflare")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`<script src="/cdn-cgi/challenge-platform/h/b/orchestrate"></script>`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	client := newTestClient(t)
	client.SetSolver(&fakeSolver{result: challenge.Result{Success: true}, client: client})

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Fatalf("expected replayed body, got %q", body)
	}
}

func TestDoSetsDefaultHeaders(t *testing.T) {
	var agent, accept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
	}))
	defer server.Close()

	client := newTestClient(t)
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if agent != "reader-sync-test" {
		t.Fatalf("expected default user agent, got %q", agent)
	}
	if accept == "" {
		t.Fatalf("expected default accept header")
	}
}
