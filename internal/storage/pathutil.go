package storage

import (
	"strings"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// Archive families. Each event type is filed under exactly one.
const (
	FamilyRequests     = "requests"
	FamilyResponses    = "responses"
	FamilyBodies       = "bodies"
	FamilyAuth         = "auth"
	FamilyCookies      = "cookies"
	FamilyWebSockets   = "websockets"
	FamilyDOMMaps      = "dommaps"
	FamilyStorage      = "storage"
	FamilyFingerprints = "fingerprints"
	FamilyTokens       = "tokens"
	FamilyStatus       = "status"
	FamilySnapshots    = "snapshots"
)

// FamilyFor maps an event type to its archive family.
func FamilyFor(eventType string) string {
	switch eventType {
	case types.EventRequest:
		return FamilyRequests
	case types.EventResponse:
		return FamilyResponses
	case types.EventResponseBody:
		return FamilyBodies
	case types.EventAuthCookie:
		return FamilyAuth
	case types.EventCookiesChanged, types.EventCookies:
		return FamilyCookies
	case types.EventWebSocket:
		return FamilyWebSockets
	case types.EventDOMMap:
		return FamilyDOMMaps
	case types.EventStorage:
		return FamilyStorage
	case types.EventFingerprint:
		return FamilyFingerprints
	case types.EventTaskTokens:
		return FamilyTokens
	case types.EventHTML, types.EventScreenshot:
		return FamilySnapshots
	default:
		return FamilyStatus
	}
}

// DomainPathSegment transforms a domain into a filesystem-safe path segment.
func DomainPathSegment(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	if domain == "" {
		return types.UnknownDomain
	}
	var b strings.Builder
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	seg := strings.Trim(b.String(), ".")
	if seg == "" {
		return types.UnknownDomain
	}
	return seg
}
