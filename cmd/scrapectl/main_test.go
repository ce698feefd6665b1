package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

type agentLog struct {
	mu    sync.Mutex
	calls []recorded
}

func (l *agentLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *agentLog) last() recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[len(l.calls)-1]
}

func newAgent(t *testing.T) (*httptest.Server, *agentLog) {
	t.Helper()
	calls := &agentLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls.mu.Lock()
		calls.calls = append(calls.calls, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body)})
		calls.mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/intel":
			if r.URL.Query().Get("domain") == "" {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":400,"detail":"domain is required"}`))
				return
			}
			_, _ = w.Write([]byte(`{"domain":"example.com"}`))
		case "/api/v1/live":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("event: navigation\ndata: {\"type\":\"navigation\"}\n\n"))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--agent", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestQueryCommands(t *testing.T) {
	srv, calls := newAgent(t)

	out, err := run(t, srv, "feed", "example.com", "--limit", "5")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !strings.Contains(out, `"ok": true`) {
		t.Fatalf("expected indented output, got %q", out)
	}
	last := calls.last()
	if last.path != "/api/v1/feed" || last.query != "domain=example.com&limit=5" {
		t.Fatalf("unexpected request %+v", last)
	}

	if _, err := run(t, srv, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := calls.last(); got.path != "/api/v1/status" || got.query != "" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestIntelRequiresDomain(t *testing.T) {
	srv, calls := newAgent(t)
	if _, err := run(t, srv, "intel"); err == nil {
		t.Fatal("expected error without domain")
	}
	if calls.count() != 0 {
		t.Fatalf("expected no request, got %d", calls.count())
	}
}

func TestAPIErrorDetail(t *testing.T) {
	srv, _ := newAgent(t)
	c := newAPIClient(srv.URL+"/", 0)
	_, err := c.get(t.Context(), "/api/v1/intel", nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Detail != "domain is required" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestExecAndQueue(t *testing.T) {
	srv, calls := newAgent(t)

	if _, err := run(t, srv, "exec", "track", "--tab", "T1"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	got := calls.last()
	var body map[string]string
	if err := json.Unmarshal([]byte(got.body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/api/v1/commands" || body["command"] != "track" || body["tabId"] != "T1" {
		t.Fatalf("unexpected request %+v", got)
	}

	if _, err := run(t, srv, "queue", "add", "https://a.example/", "https://b.example/"); err != nil {
		t.Fatalf("queue add: %v", err)
	}
	got = calls.last()
	if got.path != "/api/v1/queue" || !strings.Contains(got.body, `"https://b.example/"`) {
		t.Fatalf("unexpected request %+v", got)
	}

	if _, err := run(t, srv, "clear", "example.com"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got = calls.last(); got.method != http.MethodDelete || got.path != "/api/v1/domains/example.com" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestFind(t *testing.T) {
	srv, calls := newAgent(t)
	if _, err := run(t, srv, "find", "li.price > a", "--domain", "shop.example.com", "--limit", "3"); err != nil {
		t.Fatalf("find: %v", err)
	}
	got := calls.last()
	if got.method != http.MethodGet || got.path != "/api/v1/find" || got.query != "domain=shop.example.com&limit=3&selector=li.price+%3E+a" {
		t.Fatalf("unexpected request %+v", got)
	}

	if _, err := run(t, srv, "find"); err == nil {
		t.Fatal("expected error without selector")
	}
}

func TestTail(t *testing.T) {
	srv, calls := newAgent(t)
	out, err := run(t, srv, "tail", "--types", "navigation")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if out != "navigation {\"type\":\"navigation\"}\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := calls.last(); got.query != "types=navigation" {
		t.Fatalf("unexpected query %q", got.query)
	}
}
