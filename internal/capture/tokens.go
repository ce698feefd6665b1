package capture

import (
	"regexp"
	"strings"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	minTokenLen = 8
	maxTokenLen = 512
)

const tokenishName = `[A-Za-z0-9_\-]*(?i:task|token|csrf|nonce|job|session|auth|key|secret)[A-Za-z0-9_\-]*`

// tokenValue is deliberately unbounded; length is checked after matching so
// that short values are discarded rather than partially matched.
const tokenValue = `[A-Za-z0-9_\-.]+`

var (
	tokenishNameRe = regexp.MustCompile(`(?i)task|token|csrf|nonce|job|session|auth|key|secret`)
	tokenValueRe   = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)
)

type tokenRule struct {
	source string
	re     *regexp.Regexp
}

// tokenRules capture (name, value) as submatches 1 and 2.
var tokenRules = []tokenRule{
	{"json", regexp.MustCompile(`["'](` + tokenishName + `)["']\s*:\s*["'](` + tokenValue + `)["']`)},
	{"js_assign", regexp.MustCompile(`\b(` + tokenishName + `)\s*[=:]\s*["'](` + tokenValue + `)["']`)},
	{"query", regexp.MustCompile(`[?&](` + tokenishName + `)=(` + tokenValue + `)`)},
	{"hidden_input", regexp.MustCompile(`(?i)<input[^>]*\bname=["'](` + tokenishName + `)["'][^>]*\bvalue=["'](` + tokenValue + `)["']`)},
	{"meta", regexp.MustCompile(`(?i)<meta[^>]*\bname=["'](` + tokenishName + `)["'][^>]*\bcontent=["'](` + tokenValue + `)["']`)},
	{"header", regexp.MustCompile(`(?i)\b(x-csrf-token|x-xsrf-token|csrf-token|x-auth-token)\s*:\s*(` + tokenValue + `)`)},
}

// tokenSet accumulates tokens for one extraction pass, deduplicated by
// lower(name) + ":" + value.
type tokenSet struct {
	seen   map[string]bool
	tokens []types.TaskToken
	url    string
	ts     int64
}

func newTokenSet(sourceURL string) *tokenSet {
	return &tokenSet{seen: make(map[string]bool), url: sourceURL, ts: types.Now()}
}

func (s *tokenSet) add(name, value, source string) {
	if !validTokenValue(value) {
		return
	}
	key := strings.ToLower(name) + ":" + value
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.tokens = append(s.tokens, types.TaskToken{
		Name:      name,
		Value:     value,
		Source:    source,
		Timestamp: s.ts,
		URL:       s.url,
	})
}

func (s *tokenSet) scan(text string) {
	for _, rule := range tokenRules {
		for _, m := range rule.re.FindAllStringSubmatch(text, -1) {
			s.add(m[1], m[2], rule.source)
		}
	}
}

func validTokenValue(v string) bool {
	return len(v) >= minTokenLen && len(v) <= maxTokenLen && tokenValueRe.MatchString(v)
}

// IsTokenishName reports whether a key looks like it names a token.
func IsTokenishName(name string) bool {
	return tokenishNameRe.MatchString(name)
}

// ScanText extracts task tokens from raw text.
func ScanText(text, sourceURL string) []types.TaskToken {
	set := newTokenSet(sourceURL)
	set.scan(text)
	return set.tokens
}
