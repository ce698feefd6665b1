package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgnsrekt/scrape_agent/internal/tabs"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

type memorySink struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (s *memorySink) Write(ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *memorySink) ofType(eventType string) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type liveRecorder struct {
	events []types.Event
}

func (l *liveRecorder) Publish(ev types.Event) { l.events = append(l.events, ev) }

type fakePauseToken struct {
	body      []byte
	err       error
	panicBody bool
	bodyCalls int
	continued int
}

func (f *fakePauseToken) Body(context.Context) ([]byte, error) {
	f.bodyCalls++
	if f.panicBody {
		panic("boom")
	}
	return f.body, f.err
}

func (f *fakePauseToken) Continue(context.Context) error {
	f.continued++
	return nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	registry *tabs.Registry
	sink     *memorySink
	live     *liveRecorder
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	registry := tabs.NewRegistry(tabs.MinCloseGrace)
	correlator := NewCorrelator(0)
	t.Cleanup(func() {
		registry.Close()
		correlator.Close()
	})
	sink := &memorySink{}
	live := &liveRecorder{}
	publisher := NewPublisher(registry, sink, live)
	p := NewPipeline(correlator, registry, publisher, Options{MaxBodyBytes: 1024, MaxFrameBytes: 16})
	registry.Track("tab-1", "shop.example.com")
	return &pipelineFixture{pipeline: p, registry: registry, sink: sink, live: live}
}

func TestPipelineCheckoutScenario(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	reqHeaders := map[string]string{"Authorization": "Bearer tok_abc", "Content-Type": "application/json"}
	f.pipeline.Handle(ctx, RequestStarted{
		TabID:     "tab-1",
		RequestID: "1000.1",
		URL:       "https://shop.example.com/api/v2/checkout",
		Method:    "POST",
		Headers:   reqHeaders,
		PostData:  `{"card":"4111..."}`,
	})
	token := &fakePauseToken{body: []byte(`{"status":"ok"}`)}
	f.pipeline.Handle(ctx, ResponsePaused{
		TabID:           "tab-1",
		RequestID:       "1000.1",
		URL:             "https://shop.example.com/api/v2/checkout",
		Status:          200,
		MimeType:        "application/json",
		ResponseHeaders: map[string]string{"content-type": "application/json"},
		Token:           token,
	})
	f.pipeline.Handle(ctx, ResponseReceived{
		TabID:     "tab-1",
		RequestID: "1000.1",
		URL:       "https://shop.example.com/api/v2/checkout",
		Status:    200,
		MimeType:  "application/json",
		Headers:   map[string]string{"content-type": "application/json"},
	})

	requests := f.sink.ofType(types.EventRequest)
	if len(requests) != 1 {
		t.Fatalf("expected 1 request event, got %d", len(requests))
	}
	for _, flag := range []string{types.FlagAPI, types.FlagBearerToken, types.FlagPostData, "AUTH:authorization"} {
		if !types.HasFlag(requests[0].Flags, flag) {
			t.Fatalf("expected flag %s in %v", flag, requests[0].Flags)
		}
	}

	bodies := f.sink.ofType(types.EventResponseBody)
	if len(bodies) != 1 {
		t.Fatalf("expected 1 response_body event, got %d", len(bodies))
	}
	body := bodies[0]
	if body.Domain != "shop.example.com" || body.MimeType != "application/json" || body.Body != `{"status":"ok"}` {
		t.Fatalf("unexpected response_body event %+v", body)
	}
	if body.ReqHeaders["Authorization"] != "Bearer tok_abc" {
		t.Fatalf("expected request headers on body event, got %v", body.ReqHeaders)
	}

	responses := f.sink.ofType(types.EventResponse)
	if len(responses) != 1 || responses[0].ReqMethod != "POST" {
		t.Fatalf("expected correlated response event, got %+v", responses)
	}

	if token.continued != 1 {
		t.Fatalf("expected exactly one continue, got %d", token.continued)
	}

	snap, _ := f.registry.Snapshot("tab-1")
	if snap.Stats.Requests != 1 || snap.Stats.Tokens != 1 {
		t.Fatalf("expected requests=1 tokens=1, got %+v", snap.Stats)
	}
	if len(f.live.events) != len(f.sink.events) {
		t.Fatalf("expected live and sink to see the same events: live=%d sink=%d", len(f.live.events), len(f.sink.events))
	}
	for _, ev := range f.sink.events {
		if ev.ID == "" {
			t.Fatalf("expected published events to carry an id")
		}
	}
}

func TestPipelineCorrelationMiss(t *testing.T) {
	f := newPipelineFixture(t)

	f.pipeline.Handle(context.Background(), ResponseReceived{
		TabID:     "tab-1",
		RequestID: "never-started",
		URL:       "https://shop.example.com/data.json",
		Status:    200,
		MimeType:  "application/json",
	})

	responses := f.sink.ofType(types.EventResponse)
	if len(responses) != 1 {
		t.Fatalf("expected partial response event, got %d", len(responses))
	}
	if responses[0].ReqMethod != "" || responses[0].ReqHeaders != nil {
		t.Fatalf("expected request fields absent, got %+v", responses[0])
	}
}

func TestPipelineDropsUninterestingTraffic(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.pipeline.Handle(ctx, RequestStarted{TabID: "tab-1", RequestID: "2", URL: "https://shop.example.com/logo.png", Method: "GET"})
	f.pipeline.Handle(ctx, ResponseReceived{TabID: "tab-1", RequestID: "2", URL: "https://shop.example.com/logo.png", MimeType: "image/png"})

	if len(f.sink.events) != 0 {
		t.Fatalf("expected no events, got %+v", f.sink.events)
	}
	if f.pipeline.Correlator().Len() != 0 {
		t.Fatalf("expected correlator entry consumed by response")
	}
}

func TestPipelineContinuesOnEveryPath(t *testing.T) {
	tests := []struct {
		name     string
		tabID    string
		mimeType string
		token    *fakePauseToken
		wantBody bool
	}{
		{"body_not_wanted", "tab-1", "image/png", &fakePauseToken{body: []byte{1, 2}}, false},
		{"fetch_failure", "tab-1", "application/json", &fakePauseToken{err: errors.New("no body")}, false},
		{"empty_body", "tab-1", "application/json", &fakePauseToken{}, false},
		{"panic_during_fetch", "tab-1", "application/json", &fakePauseToken{panicBody: true}, false},
		{"untracked_tab", "tab-9", "application/json", &fakePauseToken{body: []byte(`{}`)}, false},
		{"success", "tab-1", "text/html", &fakePauseToken{body: []byte(`<p>hi</p>`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.pipeline.Handle(context.Background(), ResponsePaused{
				TabID:     tt.tabID,
				RequestID: "3",
				URL:       "https://shop.example.com/page",
				MimeType:  tt.mimeType,
				Token:     tt.token,
			})

			if tt.token.continued != 1 {
				t.Fatalf("expected exactly one continue, got %d", tt.token.continued)
			}
			gotBody := len(f.sink.ofType(types.EventResponseBody)) == 1
			if gotBody != tt.wantBody {
				t.Fatalf("expected body published=%v, got %v", tt.wantBody, gotBody)
			}
		})
	}
}

func TestPipelinePublishesBodyTokens(t *testing.T) {
	f := newPipelineFixture(t)

	f.pipeline.Handle(context.Background(), ResponsePaused{
		TabID:     "tab-1",
		RequestID: "4",
		URL:       "https://shop.example.com/api/session",
		MimeType:  "application/json",
		Token:     &fakePauseToken{body: []byte(`{"task":"abc12345","nonce":"xyz98765"}`)},
	})

	events := f.sink.ofType(types.EventTaskTokens)
	if len(events) != 1 {
		t.Fatalf("expected 1 task_tokens event, got %d", len(events))
	}
	if len(events[0].Tokens) != 2 || events[0].Source != "response_body" {
		t.Fatalf("unexpected task_tokens event %+v", events[0])
	}
}

func TestPipelineTabClosed(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.pipeline.Handle(ctx, RequestStarted{TabID: "tab-1", RequestID: id, URL: "https://shop.example.com/api/x", Method: "GET"})
	}
	if f.pipeline.Correlator().Len() != 3 {
		t.Fatalf("expected 3 in-flight requests")
	}

	f.pipeline.Handle(ctx, TabClosed{TabID: "tab-1"})

	if f.pipeline.Correlator().Len() != 0 {
		t.Fatalf("expected in-flight requests evicted, got %d", f.pipeline.Correlator().Len())
	}
	snap, ok := f.registry.Snapshot("tab-1")
	if !ok || snap.Tracked || snap.Stats.Requests != 3 || snap.ClosedAt == nil {
		t.Fatalf("expected closed session with counters, got %+v ok=%v", snap, ok)
	}
}

func TestPipelineCookies(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.pipeline.Handle(ctx, CookieChanged{TabID: "tab-1", Cookie: types.Cookie{Name: "sessionid", Value: "v", Domain: ".www.shop.example.com"}, Cause: "explicit"})
	f.pipeline.Handle(ctx, CookieChanged{TabID: "tab-1", Cookie: types.Cookie{Name: "theme", Value: "dark", Domain: "shop.example.com"}})
	f.pipeline.Handle(ctx, CookieChanged{TabID: "tab-1", Cookie: types.Cookie{Name: "auth", Domain: "shop.example.com"}, Removed: true})

	if n := len(f.sink.ofType(types.EventCookiesChanged)); n != 3 {
		t.Fatalf("expected 3 cookies_changed events, got %d", n)
	}
	auth := f.sink.ofType(types.EventAuthCookie)
	if len(auth) != 1 || auth[0].Cookie.Name != "sessionid" || auth[0].Domain != "shop.example.com" {
		t.Fatalf("unexpected auth_cookie events %+v", auth)
	}
	snap, _ := f.registry.Snapshot("tab-1")
	if snap.Stats.AuthCookies != 1 {
		t.Fatalf("expected authCookies=1, got %d", snap.Stats.AuthCookies)
	}
}

func TestPipelineWebSocket(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	f.pipeline.Handle(ctx, WebSocketCreated{TabID: "tab-1", RequestID: "ws1", URL: "wss://stream.example.com/feed"})
	f.pipeline.Handle(ctx, WebSocketFrame{TabID: "tab-1", RequestID: "ws1", Direction: DirectionRecv, Opcode: 1, Payload: "hello"})
	f.pipeline.Handle(ctx, WebSocketFrame{TabID: "tab-1", RequestID: "ws1", Direction: DirectionSent, Opcode: 1, Payload: "a payload longer than sixteen bytes"})

	if f.pipeline.ActiveWebSockets() != 1 {
		t.Fatalf("expected 1 active websocket")
	}
	f.pipeline.Handle(ctx, WebSocketClosed{TabID: "tab-1", RequestID: "ws1"})
	if f.pipeline.ActiveWebSockets() != 0 {
		t.Fatalf("expected websocket to be released")
	}

	frames := f.sink.ofType(types.EventWebSocket)
	if len(frames) != 2 {
		t.Fatalf("expected 2 websocket events, got %d", len(frames))
	}
	if frames[0].URL != "wss://stream.example.com/feed" || frames[0].Domain != "stream.example.com" || frames[0].Direction != DirectionRecv {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
	if !frames[1].Truncated || len(frames[1].Payload) != 16 {
		t.Fatalf("expected truncated sent frame, got %+v", frames[1])
	}
	snap, _ := f.registry.Snapshot("tab-1")
	if snap.Stats.WebSockets != 2 {
		t.Fatalf("expected websockets=2, got %d", snap.Stats.WebSockets)
	}
}

func TestPipelineSinkFailureDoesNotStopLive(t *testing.T) {
	f := newPipelineFixture(t)
	f.sink.err = errors.New("disk full")

	f.pipeline.Handle(context.Background(), RequestStarted{TabID: "tab-1", RequestID: "5", URL: "https://shop.example.com/api/x", Method: "GET"})

	if len(f.live.events) != 1 {
		t.Fatalf("expected live delivery despite sink error, got %d", len(f.live.events))
	}
}
