package controller

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
)

const (
	defaultFindLimit = 50
	maxMatchText     = 500
	maxMatchHTML     = 2000
)

// FindMatch is one element selected from a stored HTML snapshot.
type FindMatch struct {
	SnapshotID string            `json:"snapshotId"`
	URL        string            `json:"url,omitempty"`
	Domain     string            `json:"domain"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	HTML       string            `json:"html,omitempty"`
}

// FindResult lists the matches of a selector across HTML snapshots, newest
// snapshot first.
type FindResult struct {
	Selector  string      `json:"selector"`
	Scanned   int         `json:"scanned"`
	Truncated bool        `json:"truncated"`
	Matches   []FindMatch `json:"matches"`
}

// Find runs a CSS selector over the stored HTML snapshots of domain, or of
// every domain when domain is empty.
func (s *Service) Find(ctx context.Context, domain, selector string, limit int) (*FindResult, error) {
	if err := s.requireNonEmpty(selector, "selector"); err != nil {
		return nil, err
	}
	selector = strings.TrimSpace(selector)
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, validation("invalid selector: " + err.Error())
	}
	limit, err = clampLimit(limit, defaultFindLimit)
	if err != nil {
		return nil, err
	}

	metas, err := s.d.Snaps.List(normalizeDomain(domain))
	if err != nil {
		return nil, err
	}

	res := &FindResult{Selector: selector, Matches: []FindMatch{}}
	for _, meta := range metas {
		if meta.Kind != snapshot.KindHTML {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, _, err := s.d.Snaps.ReadContent(meta.ID)
		if err != nil {
			slog.Debug("Skipping unreadable snapshot", "snapshot_id", meta.ID, "error", err)
			continue
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
		if err != nil {
			slog.Debug("Skipping unparsable snapshot", "snapshot_id", meta.ID, "error", err)
			continue
		}
		res.Scanned++

		doc.FindMatcher(matcher).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if len(res.Matches) == limit {
				res.Truncated = true
				return false
			}
			res.Matches = append(res.Matches, matchOf(meta, sel))
			return true
		})
		if res.Truncated {
			break
		}
	}
	return res, nil
}

func matchOf(meta snapshot.SnapshotMeta, sel *goquery.Selection) FindMatch {
	m := FindMatch{
		SnapshotID: meta.ID,
		URL:        meta.URL,
		Domain:     meta.Domain,
		Tag:        goquery.NodeName(sel),
		Text:       clip(strings.Join(strings.Fields(sel.Text()), " "), maxMatchText),
	}
	if node := sel.Get(0); node != nil && len(node.Attr) > 0 {
		m.Attrs = make(map[string]string, len(node.Attr))
		for _, a := range node.Attr {
			m.Attrs[a.Key] = a.Val
		}
	}
	if html, err := goquery.OuterHtml(sel); err == nil {
		m.HTML = clip(html, maxMatchHTML)
	}
	return m
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
