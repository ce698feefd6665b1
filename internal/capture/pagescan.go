package capture

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// wellKnownGlobals are window properties inspected by the in-page scan.
var wellKnownGlobals = []string{
	"__NEXT_DATA__",
	"__NUXT__",
	"__INITIAL_STATE__",
	"__APOLLO_STATE__",
	"__PRELOADED_STATE__",
	"__APP_STATE__",
	"__CONFIG__",
	"__ENV__",
	"__RUNTIME_CONFIG__",
	"_csrf",
	"csrfToken",
	"CSRF_TOKEN",
	"pageData",
	"appConfig",
	"config",
}

// tokenDataAttrs are the data-* attributes read from <html> and <body>.
var tokenDataAttrs = []string{
	"data-csrf",
	"data-csrf-token",
	"data-token",
	"data-nonce",
	"data-session",
	"data-task",
	"data-task-id",
	"data-job-id",
	"data-auth",
	"data-api-key",
}

// MetaTag is a <meta name=... content=...> pair.
type MetaTag struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// PageGlobals is the raw material gathered from a live page by GlobalsScript.
type PageGlobals struct {
	URL       string            `json:"url"`
	Globals   map[string]any    `json:"globals"`
	Scripts   []string          `json:"scripts"`
	Meta      []MetaTag         `json:"meta"`
	DataAttrs map[string]string `json:"dataAttrs"`
}

// ScanPageGlobals extracts task tokens from an in-page scan result.
func ScanPageGlobals(pg PageGlobals) []types.TaskToken {
	set := newTokenSet(pg.URL)

	names := make([]string, 0, len(pg.Globals))
	for name := range pg.Globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		scanGlobal(set, name, pg.Globals[name], 0)
	}

	for _, script := range pg.Scripts {
		set.scan(script)
	}
	for _, m := range pg.Meta {
		if IsTokenishName(m.Name) {
			set.add(m.Name, strings.TrimSpace(m.Content), "meta")
		}
	}
	for _, attr := range tokenDataAttrs {
		if v, ok := pg.DataAttrs[attr]; ok {
			set.add(attr, strings.TrimSpace(v), "data_attr")
		}
	}
	return set.tokens
}

// scanGlobal inspects a global and, for objects, the keys one level down.
// Objects nested below that are not entered.
func scanGlobal(set *tokenSet, name string, value any, depth int) {
	switch v := value.(type) {
	case string:
		if IsTokenishName(name) {
			set.add(name, v, "global")
		}
	case float64:
		if IsTokenishName(name) {
			set.add(name, fmt.Sprintf("%.0f", v), "global")
		}
	case map[string]any:
		if depth > 0 {
			return
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			scanGlobal(set, k, v[k], depth+1)
		}
	}
}

// ScanHTML extracts task tokens from a captured HTML document. It covers the
// same ground as the in-page scan, adds hidden inputs, and finishes with a
// plain ScanText pass over the whole document.
func ScanHTML(html, sourceURL string) ([]types.TaskToken, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	pg := PageGlobals{URL: sourceURL, DataAttrs: make(map[string]string)}
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, hasSrc := s.Attr("src"); hasSrc {
			return
		}
		if text := s.Text(); strings.TrimSpace(text) != "" {
			pg.Scripts = append(pg.Scripts, text)
		}
	})
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		content, _ := s.Attr("content")
		pg.Meta = append(pg.Meta, MetaTag{Name: name, Content: content})
	})
	doc.Find("html, body").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range tokenDataAttrs {
			if v, ok := s.Attr(attr); ok {
				pg.DataAttrs[attr] = v
			}
		}
	})

	tokens := ScanPageGlobals(pg)

	set := newTokenSet(sourceURL)
	for _, t := range tokens {
		set.add(t.Name, t.Value, t.Source)
	}
	doc.Find(`input[type="hidden"][name]`).Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		value, _ := s.Attr("value")
		if IsTokenishName(name) {
			set.add(name, value, "hidden_input")
		}
	})
	set.scan(html)
	return set.tokens, nil
}

// GlobalsScript runs in the page and returns a PageGlobals-shaped object.
var GlobalsScript = `(() => {
  const names = ` + jsStringArray(wellKnownGlobals) + `;
  const attrs = ` + jsStringArray(tokenDataAttrs) + `;
  const out = { url: location.href, globals: {}, scripts: [], meta: [], dataAttrs: {} };
  const plain = (v, depth) => {
    if (v === null || v === undefined) return undefined;
    if (typeof v === 'string' || typeof v === 'number') return v;
    if (typeof v !== 'object' || depth > 2) return undefined;
    const o = {};
    for (const k of Object.keys(v).slice(0, 200)) {
      try { const p = plain(v[k], depth + 1); if (p !== undefined) o[k] = p; } catch (e) {}
    }
    return o;
  };
  for (const n of names) {
    try { const p = plain(window[n], 0); if (p !== undefined) out.globals[n] = p; } catch (e) {}
  }
  document.querySelectorAll('script:not([src])').forEach(s => {
    if (s.textContent && s.textContent.length < 500000) out.scripts.push(s.textContent);
  });
  document.querySelectorAll('meta[name]').forEach(m => {
    out.meta.push({ name: m.getAttribute('name') || '', content: m.getAttribute('content') || '' });
  });
  for (const el of [document.documentElement, document.body]) {
    if (!el) continue;
    for (const a of attrs) { const v = el.getAttribute(a); if (v) out.dataAttrs[a] = v; }
  }
  return out;
})()`

func jsStringArray(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "'" + s + "'"
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
