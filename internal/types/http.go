package types

import (
	"strings"
	"time"
)

// CapturedRequest is one in-flight network request awaiting its response.
type CapturedRequest struct {
	RequestID    string
	TabID        string
	Domain       string
	URL          string
	Method       string
	Headers      map[string]string
	PostData     string
	ResourceType string
	StartedAt    time.Time
}

// HeaderValue looks up a header by name, ignoring case.
func HeaderValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// CloneHeaders returns a copy of headers, or nil when empty.
func CloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
