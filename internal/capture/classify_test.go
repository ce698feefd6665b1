package capture

import (
	"reflect"
	"testing"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Descriptor
		want []string
	}{
		{
			name: "no_rules_match",
			in:   Descriptor{URL: "https://example.com/index.html", Method: "GET"},
			want: nil,
		},
		{
			name: "single_rule",
			in:   Descriptor{URL: "https://example.com/graphql", Method: "GET"},
			want: []string{types.FlagAPI},
		},
		{
			name: "independent_rules_all_fire",
			in: Descriptor{
				URL:    "https://api.example.com/v1/login",
				Method: "GET",
				Headers: map[string]string{
					"Authorization": "Bearer abc123def456",
					"CF-Ray":        "8a1b2c3d4e5f-AMS",
				},
			},
			want: []string{
				"AUTH:authorization",
				types.FlagBearerToken,
				types.FlagCloudflare,
				types.FlagAPI,
				types.FlagAuthFlow,
			},
		},
		{
			// BASIC_AUTH shares the Authorization header with BEARER_TOKEN
			// and is covered by basic_auth_and_cookies.
			name: "every_rule_in_order",
			in: Descriptor{
				URL:      "wss://cloudflare.example.com/cdn-cgi/turnstile/hcaptcha/recaptcha/api/login",
				Method:   "post",
				PostData: "cf-turnstile-response=x&__cf_bm=y",
				Headers: map[string]string{
					"Authorization":  "Bearer abc123def456",
					"X-Auth-Token":   "a",
					"X-Access-Token": "b",
					"X-API-Key":      "c",
					"Api-Key":        "d",
					"Token":          "e",
					"X-Token":        "f",
					"X-CSRF-Token":   "g",
					"CSRF-Token":     "h",
					"CF-Ray":         "8a1b2c3d4e5f-AMS",
					"CF-Clearance":   "clearance",
					"__cf_bm":        "botmgmt",
					"Cookie":         "sid=1",
				},
			},
			want: []string{
				"AUTH:authorization",
				"AUTH:x-auth-token",
				"AUTH:x-access-token",
				"AUTH:x-api-key",
				"AUTH:api-key",
				"AUTH:token",
				"AUTH:x-token",
				"AUTH:x-csrf-token",
				"AUTH:csrf-token",
				types.FlagBearerToken,
				types.FlagCloudflare,
				types.FlagCFClearance,
				types.FlagCFURL,
				types.FlagCFBotMgmt,
				types.FlagCFTurnstile,
				types.FlagHCaptcha,
				types.FlagReCaptcha,
				types.FlagAPI,
				types.FlagAuthFlow,
				types.FlagPostData,
				types.FlagHasCookies,
				types.FlagWebSocket,
			},
		},
		{
			name: "checkout_post",
			in: Descriptor{
				URL:      "https://shop.example.com/api/v2/checkout",
				Method:   "post",
				Headers:  map[string]string{"Authorization": "Bearer tok_abc"},
				PostData: `{"card":"4111..."}`,
			},
			want: []string{"AUTH:authorization", types.FlagBearerToken, types.FlagAPI, types.FlagPostData},
		},
		{
			name: "basic_auth_and_cookies",
			in: Descriptor{
				URL:     "https://example.com/account",
				Headers: map[string]string{"authorization": "Basic dXNlcjpwYXNz", "Cookie": "a=b"},
			},
			want: []string{"AUTH:authorization", types.FlagBasicAuth, types.FlagHasCookies},
		},
		{
			name: "cloudflare_challenge",
			in: Descriptor{
				URL:      "https://example.com/cdn-cgi/challenge-platform/turnstile",
				Method:   "POST",
				Headers:  map[string]string{"cf-clearance": "x", "X-CSRF-Token": "y"},
				PostData: "__cf_bm=1&cf-turnstile-response=2",
			},
			want: []string{
				"AUTH:x-csrf-token",
				types.FlagCFClearance,
				types.FlagCFURL,
				types.FlagCFBotMgmt,
				types.FlagCFTurnstile,
				types.FlagPostData,
			},
		},
		{
			name: "captcha_and_websocket",
			in:   Descriptor{URL: "wss://hcaptcha.example.com/recaptcha"},
			want: []string{types.FlagHCaptcha, types.FlagReCaptcha, types.FlagWebSocket},
		},
		{
			name: "post_without_body",
			in:   Descriptor{URL: "https://example.com/", Method: "POST"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWantsBody(t *testing.T) {
	tests := []struct {
		mime  string
		flags []string
		want  bool
	}{
		{"application/json; charset=utf-8", nil, true},
		{"text/html", nil, true},
		{"application/javascript", nil, true},
		{"image/png", nil, false},
		{"font/woff2", nil, false},
		{"text/css", []string{types.FlagAPI}, true},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := WantsBody(tt.mime, tt.flags); got != tt.want {
				t.Fatalf("WantsBody(%q, %v) = %v, want %v", tt.mime, tt.flags, got, tt.want)
			}
		})
	}
}

func TestIsRetainedContentType(t *testing.T) {
	if !IsRetainedContentType("application/JSON") {
		t.Fatalf("expected json to be retained")
	}
	if IsRetainedContentType("application/javascript") {
		t.Fatalf("expected javascript responses without flags to be dropped")
	}
}
