package types

import (
	"net/url"
	"strings"
	"time"
)

// Event types published by the capture pipeline.
const (
	EventRequest        = "request"
	EventResponse       = "response"
	EventResponseBody   = "response_body"
	EventWebSocket      = "websocket"
	EventAuthCookie     = "auth_cookie"
	EventCookiesChanged = "cookies_changed"
	EventTaskTokens     = "task_tokens"
	EventDOMMap         = "dommap"
	EventDebuggerStatus = "debugger_status"
	EventFingerprint    = "fingerprint"
	EventNavStarted     = "nav_started"
	EventHTML           = "html"
	EventStorage        = "storage"
	EventScreenshot     = "screenshot"
	EventCookies        = "cookies"
)

// Debugger states carried by debugger_status events.
const (
	StateAttached = "attached"
	StateDetached = "detached"
	StateFailed   = "failed"
)

// UnknownDomain is used when a URL cannot be parsed or has no host.
const UnknownDomain = "unknown"

// Event is the unified record published to the sink and live subscribers.
// It serializes as one flat JSON object; unused variant fields are omitted.
type Event struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Domain    string `json:"domain,omitempty"`
	Timestamp int64  `json:"timestamp"`
	TabID     string `json:"tabId,omitempty"`

	// request / response / response_body
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	PostData     string            `json:"postData,omitempty"`
	ReqType      string            `json:"reqType,omitempty"`
	Flags        []string          `json:"flags,omitempty"`
	RequestID    string            `json:"requestId,omitempty"`
	Status       int               `json:"status,omitempty"`
	StatusText   string            `json:"statusText,omitempty"`
	MimeType     string            `json:"mimeType,omitempty"`
	ReqMethod    string            `json:"reqMethod,omitempty"`
	ReqHeaders   map[string]string `json:"reqHeaders,omitempty"`
	ReqPostData  string            `json:"reqPostData,omitempty"`
	ResHeaders   map[string]string `json:"resHeaders,omitempty"`
	Body         string            `json:"body,omitempty"`
	Base64       bool              `json:"base64,omitempty"`
	Truncated    bool              `json:"truncated,omitempty"`
	OriginalSize int               `json:"originalSize,omitempty"`
	SHA256       string            `json:"sha256,omitempty"`

	// websocket
	Direction string `json:"direction,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Opcode    int    `json:"opcode,omitempty"`

	// cookies
	Cookie  *Cookie  `json:"cookie,omitempty"`
	Cookies []Cookie `json:"cookies,omitempty"`
	Cause   string   `json:"cause,omitempty"`
	Removed bool     `json:"removed,omitempty"`

	// task_tokens
	Tokens []TaskToken `json:"tokens,omitempty"`
	Source string      `json:"source,omitempty"`

	// dommap / page snapshots / fingerprint
	DOMMap     *DOMMap        `json:"dommap,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	SnapshotID string         `json:"snapshotId,omitempty"`

	// debugger_status
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewEvent returns an event stamped with the current capture time.
func NewEvent(eventType, domain string) Event {
	return Event{Type: eventType, Domain: domain, Timestamp: Now()}
}

// Now returns the capture timestamp in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Cookie is a browser cookie as reported by the host.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	Session  bool    `json:"session,omitempty"`
}

// TaskToken is a session/task/CSRF-like value extracted from page content.
type TaskToken struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url,omitempty"`
}

// TagCount is one row of a DOM map tag histogram.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// NameCount is one row of a DOM map class histogram.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DOMMap summarizes the structure of a page.
type DOMMap struct {
	URL     string      `json:"url"`
	Title   string      `json:"title"`
	Tags    []TagCount  `json:"tags"`
	Classes []NameCount `json:"classes"`
	IDs     []string    `json:"ids"`
}

// DomainFromURL returns the URL host with a leading "www." removed.
// Malformed or host-less URLs resolve to UnknownDomain.
func DomainFromURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return UnknownDomain
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return UnknownDomain
	}
	return strings.TrimPrefix(host, "www.")
}
