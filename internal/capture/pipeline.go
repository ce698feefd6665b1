package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// authCookieNames are substrings that mark a cookie as auth-related.
var authCookieNames = []string{
	"session", "auth", "token", "jwt", "csrf", "cf_clearance",
	"__cf_bm", "login", "sid", "user", "account", "access",
}

// Message is one inbound host notification.
type Message interface {
	Tab() string
}

// RequestStarted reports a request about to be sent.
type RequestStarted struct {
	TabID        string
	RequestID    string
	URL          string
	Method       string
	Headers      map[string]string
	PostData     string
	ResourceType string
}

// ResponseReceived reports response metadata.
type ResponseReceived struct {
	TabID      string
	RequestID  string
	URL        string
	Status     int
	StatusText string
	MimeType   string
	Headers    map[string]string
}

// PauseToken is the flow-control handle of a response paused by the host.
// Continue must be called exactly once.
type PauseToken interface {
	Body(ctx context.Context) ([]byte, error)
	Continue(ctx context.Context) error
}

// ResponsePaused reports a response held at the interception layer.
type ResponsePaused struct {
	TabID           string
	RequestID       string
	URL             string
	Method          string
	RequestHeaders  map[string]string
	Status          int
	MimeType        string
	ResponseHeaders map[string]string
	Token           PauseToken
}

// LoadingFailed reports a request that will never receive a response.
type LoadingFailed struct {
	TabID     string
	RequestID string
}

// WebSocketCreated reports a new WebSocket connection.
type WebSocketCreated struct {
	TabID     string
	RequestID string
	URL       string
}

// WebSocketFrame reports one frame in either direction.
type WebSocketFrame struct {
	TabID     string
	RequestID string
	Direction string
	Opcode    int
	Payload   string
}

// WebSocketClosed reports a closed WebSocket connection.
type WebSocketClosed struct {
	TabID     string
	RequestID string
}

// CookieChanged reports a cookie set or removed in a tracked tab's jar.
type CookieChanged struct {
	TabID   string
	Cookie  types.Cookie
	Removed bool
	Cause   string
}

// TabClosed reports that a tab went away or was detached.
type TabClosed struct {
	TabID string
}

func (m RequestStarted) Tab() string   { return m.TabID }
func (m ResponseReceived) Tab() string { return m.TabID }
func (m ResponsePaused) Tab() string   { return m.TabID }
func (m LoadingFailed) Tab() string    { return m.TabID }
func (m WebSocketCreated) Tab() string { return m.TabID }
func (m WebSocketFrame) Tab() string   { return m.TabID }
func (m WebSocketClosed) Tab() string  { return m.TabID }
func (m CookieChanged) Tab() string    { return m.TabID }
func (m TabClosed) Tab() string        { return m.TabID }

// Sessions is the part of the tab registry the pipeline consults.
type Sessions interface {
	IsTracked(tabID string) bool
	Closed(tabID string)
}

// Options bounds the size of captured payloads.
type Options struct {
	MaxBodyBytes  int
	MaxFrameBytes int
}

// Pipeline turns host notifications into published events.
type Pipeline struct {
	correlator *Correlator
	sessions   Sessions
	publisher  *Publisher
	sockets    *socketTracker
	opts       Options
}

// NewPipeline wires the correlator, the tab sessions and the publisher.
func NewPipeline(correlator *Correlator, sessions Sessions, publisher *Publisher, opts Options) *Pipeline {
	return &Pipeline{
		correlator: correlator,
		sessions:   sessions,
		publisher:  publisher,
		sockets:    newSocketTracker(),
		opts:       opts,
	}
}

// Publisher returns the publisher events are sent through.
func (p *Pipeline) Publisher() *Publisher {
	return p.publisher
}

// Correlator returns the in-flight request store.
func (p *Pipeline) Correlator() *Correlator {
	return p.correlator
}

// ActiveWebSockets returns the number of open WebSockets being followed.
func (p *Pipeline) ActiveWebSockets() int {
	return p.sockets.activeConnections()
}

// Handle processes one message. A panic while handling is recovered and
// logged so the stream continues with the next message.
func (p *Pipeline) Handle(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic in capture pipeline", "tab_id", msg.Tab(), "message", fmt.Sprintf("%T", msg), "panic", r)
		}
	}()

	switch m := msg.(type) {
	case RequestStarted:
		p.onRequestStarted(m)
	case ResponseReceived:
		p.onResponseReceived(m)
	case ResponsePaused:
		p.onResponsePaused(ctx, m)
	case LoadingFailed:
		p.correlator.Forget(m.RequestID)
	case WebSocketCreated:
		p.sockets.onCreated(m.TabID, m.RequestID, m.URL)
	case WebSocketFrame:
		p.onWebSocketFrame(m)
	case WebSocketClosed:
		p.sockets.onClosed(m.RequestID)
	case CookieChanged:
		p.onCookieChanged(m)
	case TabClosed:
		p.onTabClosed(m)
	default:
		slog.Warn("Unhandled capture message", "message", fmt.Sprintf("%T", msg))
	}
}

func (p *Pipeline) onRequestStarted(m RequestStarted) {
	domain := types.DomainFromURL(m.URL)
	p.correlator.OnRequestStarted(m.RequestID, types.CapturedRequest{
		RequestID:    m.RequestID,
		TabID:        m.TabID,
		Domain:       domain,
		URL:          m.URL,
		Method:       m.Method,
		Headers:      m.Headers,
		PostData:     m.PostData,
		ResourceType: m.ResourceType,
	})

	flags := Classify(Descriptor{URL: m.URL, Method: m.Method, Headers: m.Headers, PostData: m.PostData})
	if len(flags) == 0 {
		return
	}

	ev := types.NewEvent(types.EventRequest, domain)
	ev.TabID = m.TabID
	ev.RequestID = m.RequestID
	ev.URL = m.URL
	ev.Method = m.Method
	ev.Headers = types.CloneHeaders(m.Headers)
	ev.PostData, _, _, _ = truncateStringBytes(m.PostData, p.opts.MaxBodyBytes)
	ev.ReqType = m.ResourceType
	ev.Flags = flags
	p.publisher.Publish(ev)
}

func (p *Pipeline) onResponseReceived(m ResponseReceived) {
	req, matched := p.correlator.OnResponseArrived(m.RequestID)

	flags := Classify(Descriptor{URL: m.URL, Headers: m.Headers})
	if len(flags) == 0 && !IsRetainedContentType(m.MimeType) {
		return
	}

	ev := types.NewEvent(types.EventResponse, types.DomainFromURL(m.URL))
	ev.TabID = m.TabID
	ev.RequestID = m.RequestID
	ev.URL = m.URL
	ev.Status = m.Status
	ev.StatusText = m.StatusText
	ev.MimeType = m.MimeType
	ev.ResHeaders = types.CloneHeaders(m.Headers)
	ev.Flags = flags
	if matched {
		ev.ReqMethod = req.Method
		ev.ReqHeaders = types.CloneHeaders(req.Headers)
		ev.ReqPostData, _, _, _ = truncateStringBytes(req.PostData, p.opts.MaxBodyBytes)
	}
	p.publisher.Publish(ev)
}

// onResponsePaused fetches, publishes and scans a paused body. The token is
// continued exactly once on every path, including a panic.
func (p *Pipeline) onResponsePaused(ctx context.Context, m ResponsePaused) {
	defer func() {
		if err := m.Token.Continue(ctx); err != nil {
			slog.Debug("Failed to continue paused request", "tab_id", m.TabID, "request_id", m.RequestID, "error", err)
		}
	}()

	method, reqHeaders, postData := m.Method, m.RequestHeaders, ""
	if req, ok := p.correlator.Peek(m.RequestID); ok {
		method, reqHeaders, postData = req.Method, req.Headers, req.PostData
	}

	flags := mergeFlags(
		Classify(Descriptor{URL: m.URL, Method: method, Headers: reqHeaders, PostData: postData}),
		Classify(Descriptor{URL: m.URL, Headers: m.ResponseHeaders}),
	)
	if !WantsBody(m.MimeType, flags) {
		return
	}

	body, err := m.Token.Body(ctx)
	if err != nil {
		slog.Debug("Skipping response body", "tab_id", m.TabID, "request_id", m.RequestID, "error", err)
		return
	}
	if len(body) == 0 {
		return
	}
	if !p.sessions.IsTracked(m.TabID) {
		return
	}

	domain := types.DomainFromURL(m.URL)
	ev := types.NewEvent(types.EventResponseBody, domain)
	ev.TabID = m.TabID
	ev.RequestID = m.RequestID
	ev.URL = m.URL
	ev.Status = m.Status
	ev.MimeType = m.MimeType
	ev.Flags = flags
	ev.ReqMethod = method
	ev.ReqHeaders = types.CloneHeaders(reqHeaders)
	ev.ResHeaders = types.CloneHeaders(m.ResponseHeaders)
	attachBody(&ev, body, p.opts.MaxBodyBytes)
	p.publisher.Publish(ev)

	if !isScannable(m.MimeType) {
		return
	}
	tokens := scanBody(body, m.MimeType, m.URL)
	p.PublishTokens(m.TabID, m.URL, "response_body", tokens)
}

func scanBody(body []byte, mimeType, sourceURL string) []types.TaskToken {
	if strings.Contains(strings.ToLower(mimeType), "html") {
		tokens, err := ScanHTML(string(body), sourceURL)
		if err == nil {
			return tokens
		}
		slog.Debug("HTML token scan fell back to text scan", "url", sourceURL, "error", err)
	}
	return ScanText(string(body), sourceURL)
}

// PublishTokens publishes a task_tokens event when tokens is non-empty.
func (p *Pipeline) PublishTokens(tabID, sourceURL, source string, tokens []types.TaskToken) {
	if len(tokens) == 0 {
		return
	}
	ev := types.NewEvent(types.EventTaskTokens, types.DomainFromURL(sourceURL))
	ev.TabID = tabID
	ev.URL = sourceURL
	ev.Source = source
	ev.Tokens = tokens
	p.publisher.Publish(ev)
}

func (p *Pipeline) onWebSocketFrame(m WebSocketFrame) {
	conn, _ := p.sockets.lookup(m.RequestID)

	ev := types.NewEvent(types.EventWebSocket, types.DomainFromURL(conn.URL))
	ev.TabID = m.TabID
	ev.RequestID = m.RequestID
	ev.URL = conn.URL
	ev.Direction = m.Direction
	ev.Opcode = m.Opcode
	payload, truncated, originalSize, hash := truncateStringBytes(m.Payload, p.opts.MaxFrameBytes)
	ev.Payload = payload
	if truncated {
		ev.Truncated = true
		ev.OriginalSize = originalSize
		ev.SHA256 = hash
	}
	p.publisher.Publish(ev)
}

func (p *Pipeline) onCookieChanged(m CookieChanged) {
	domain := CookieDomain(m.Cookie.Domain)
	cookie := m.Cookie

	ev := types.NewEvent(types.EventCookiesChanged, domain)
	ev.TabID = m.TabID
	ev.Cookie = &cookie
	ev.Removed = m.Removed
	ev.Cause = m.Cause
	p.publisher.Publish(ev)

	if m.Removed || !IsAuthCookie(cookie.Name) {
		return
	}
	auth := types.NewEvent(types.EventAuthCookie, domain)
	auth.TabID = m.TabID
	auth.Cookie = &cookie
	auth.Cause = m.Cause
	p.publisher.Publish(auth)
}

func (p *Pipeline) onTabClosed(m TabClosed) {
	evicted := p.correlator.OnTabClosed(m.TabID)
	p.sockets.onTabClosed(m.TabID)
	p.sessions.Closed(m.TabID)
	slog.Debug("Tab closed", "tab_id", m.TabID, "evicted_requests", evicted)
}

// IsAuthCookie reports whether a cookie name looks auth-related.
func IsAuthCookie(name string) bool {
	return containsAny(strings.ToLower(name), authCookieNames)
}

// CookieDomain normalizes a cookie domain attribute to the event domain form.
func CookieDomain(raw string) string {
	d := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))
	if d == "" {
		return types.UnknownDomain
	}
	return strings.TrimPrefix(d, "www.")
}

func mergeFlags(sets ...[]string) []string {
	var out []string
	for _, set := range sets {
		for _, f := range set {
			if !types.HasFlag(out, f) {
				out = append(out, f)
			}
		}
	}
	return out
}
