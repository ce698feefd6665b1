package capture

import (
	"strings"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// authHeaders are the header names that produce an AUTH:<name> flag.
var authHeaders = []string{
	"authorization",
	"x-auth-token",
	"x-access-token",
	"x-api-key",
	"api-key",
	"token",
	"x-token",
	"x-csrf-token",
	"csrf-token",
}

var (
	apiURLTokens      = []string{"/api/", "/graphql", "/v1/", "/v2/", "/v3/"}
	authFlowURLTokens = []string{"login", "signin", "oauth", "token", "auth", "session"}
)

// Descriptor is the request- or response-like input to Classify.
type Descriptor struct {
	URL      string
	Method   string
	Headers  map[string]string
	PostData string
}

// descriptorView is a Descriptor normalized for matching.
type descriptorView struct {
	url     string
	method  string
	post    string
	headers map[string]string // lower-cased keys
}

func (v *descriptorView) header(name string) string {
	return v.headers[name]
}

type classifyRule struct {
	flag  string
	match func(v *descriptorView) bool
}

// classifyRules is evaluated in order; every matching rule contributes its flag.
var classifyRules = []classifyRule{
	{types.FlagBearerToken, func(v *descriptorView) bool {
		return strings.HasPrefix(strings.ToLower(v.header("authorization")), "bearer ")
	}},
	{types.FlagBasicAuth, func(v *descriptorView) bool {
		return strings.HasPrefix(strings.ToLower(v.header("authorization")), "basic ")
	}},
	{types.FlagCloudflare, func(v *descriptorView) bool { return v.header("cf-ray") != "" }},
	{types.FlagCFClearance, func(v *descriptorView) bool { return v.header("cf-clearance") != "" }},
	{types.FlagCFURL, func(v *descriptorView) bool {
		return strings.Contains(v.url, "cloudflare") || strings.Contains(v.url, "/cdn-cgi/")
	}},
	{types.FlagCFBotMgmt, func(v *descriptorView) bool {
		return v.header("__cf_bm") != "" || strings.Contains(v.post, "__cf_bm")
	}},
	{types.FlagCFTurnstile, func(v *descriptorView) bool {
		return strings.Contains(v.url, "turnstile") || strings.Contains(v.post, "cf-turnstile")
	}},
	{types.FlagHCaptcha, func(v *descriptorView) bool { return strings.Contains(v.url, "hcaptcha") }},
	{types.FlagReCaptcha, func(v *descriptorView) bool { return strings.Contains(v.url, "recaptcha") }},
	{types.FlagAPI, func(v *descriptorView) bool { return containsAny(v.url, apiURLTokens) }},
	{types.FlagAuthFlow, func(v *descriptorView) bool { return containsAny(v.url, authFlowURLTokens) }},
	{types.FlagPostData, func(v *descriptorView) bool { return v.method == "POST" && v.post != "" }},
	{types.FlagHasCookies, func(v *descriptorView) bool { return v.header("cookie") != "" }},
	{types.FlagWebSocket, func(v *descriptorView) bool {
		return strings.HasPrefix(v.url, "ws://") || strings.HasPrefix(v.url, "wss://")
	}},
}

// Classify maps a request or response descriptor to its flags.
// It is pure and safe for concurrent use. An empty result is a nil slice.
func Classify(d Descriptor) []string {
	v := &descriptorView{
		url:     strings.ToLower(d.URL),
		method:  strings.ToUpper(d.Method),
		post:    strings.ToLower(d.PostData),
		headers: make(map[string]string, len(d.Headers)),
	}
	for k, val := range d.Headers {
		v.headers[strings.ToLower(k)] = val
	}

	var flags []string
	for _, h := range authHeaders {
		if v.header(h) != "" {
			flags = append(flags, types.FlagAuthPrefix+h)
		}
	}
	for _, r := range classifyRules {
		if r.match(v) {
			flags = append(flags, r.flag)
		}
	}
	return flags
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// IsRetainedContentType reports whether a response with no flags is still
// worth publishing (JSON or HTML).
func IsRetainedContentType(mimeType string) bool {
	m := strings.ToLower(mimeType)
	return strings.Contains(m, "json") || strings.Contains(m, "html")
}

// WantsBody reports whether a paused response body should be fetched.
// Images, fonts, CSS and other binary content are dropped unless flagged.
func WantsBody(mimeType string, flags []string) bool {
	if len(flags) > 0 {
		return true
	}
	m := strings.ToLower(mimeType)
	return strings.Contains(m, "json") || strings.Contains(m, "javascript") || strings.Contains(m, "html")
}

// isScannable reports whether a body may contain embedded tokens.
func isScannable(mimeType string) bool {
	m := strings.ToLower(mimeType)
	return strings.Contains(m, "json") || strings.Contains(m, "javascript") || strings.Contains(m, "html") || strings.Contains(m, "text/plain")
}
