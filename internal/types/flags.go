package types

// Classifier flags. AUTH flags are emitted as FlagAuthPrefix + header name.
const (
	FlagAuthPrefix  = "AUTH:"
	FlagBearerToken = "BEARER_TOKEN"
	FlagBasicAuth   = "BASIC_AUTH"
	FlagCloudflare  = "CLOUDFLARE"
	FlagCFClearance = "CF_CLEARANCE"
	FlagCFURL       = "CF_URL"
	FlagCFBotMgmt   = "CF_BOT_MGMT"
	FlagCFTurnstile = "CF_TURNSTILE"
	FlagHCaptcha    = "HCAPTCHA"
	FlagReCaptcha   = "RECAPTCHA"
	FlagAPI         = "API"
	FlagAuthFlow    = "AUTH_FLOW"
	FlagPostData    = "POST_DATA"
	FlagHasCookies  = "HAS_COOKIES"
	FlagWebSocket   = "WEBSOCKET"
)

// HasFlag reports whether flags contains flag.
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
