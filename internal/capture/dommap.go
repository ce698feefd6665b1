package capture

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const maxDOMNameLen = 100

// DOMMapScript runs in the page and returns a types.DOMMap-shaped object.
const DOMMapScript = `(() => {
  const tagCount = {}, classCount = {}, ids = [];
  document.querySelectorAll('*').forEach(el => {
    const tag = el.tagName.toLowerCase();
    tagCount[tag] = (tagCount[tag] || 0) + 1;
    el.classList.forEach(c => { if (c && c.length < 100) classCount[c] = (classCount[c] || 0) + 1; });
    if (el.id && el.id.length < 100) ids.push(el.id);
  });
  return {
    url: location.href,
    title: document.title,
    tags: Object.entries(tagCount).map(([tag, count]) => ({tag, count})).sort((a, b) => b.count - a.count),
    classes: Object.entries(classCount).map(([name, count]) => ({name, count})).sort((a, b) => b.count - a.count),
    ids: [...new Set(ids)]
  };
})()`

// BuildDOMMap summarizes a captured HTML document the same way DOMMapScript
// summarizes a live page.
func BuildDOMMap(html, pageURL string) (*types.DOMMap, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	tags := make(map[string]int)
	classes := make(map[string]int)
	var ids []string
	seenIDs := make(map[string]bool)

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		tags[goquery.NodeName(s)]++
		if cls, ok := s.Attr("class"); ok {
			for _, c := range strings.Fields(cls) {
				if len(c) < maxDOMNameLen {
					classes[c]++
				}
			}
		}
		if id, ok := s.Attr("id"); ok && id != "" && len(id) < maxDOMNameLen && !seenIDs[id] {
			seenIDs[id] = true
			ids = append(ids, id)
		}
	})

	m := &types.DOMMap{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		IDs:   ids,
	}
	for tag, n := range tags {
		m.Tags = append(m.Tags, types.TagCount{Tag: tag, Count: n})
	}
	for name, n := range classes {
		m.Classes = append(m.Classes, types.NameCount{Name: name, Count: n})
	}
	sort.Slice(m.Tags, func(i, j int) bool {
		if m.Tags[i].Count != m.Tags[j].Count {
			return m.Tags[i].Count > m.Tags[j].Count
		}
		return m.Tags[i].Tag < m.Tags[j].Tag
	})
	sort.Slice(m.Classes, func(i, j int) bool {
		if m.Classes[i].Count != m.Classes[j].Count {
			return m.Classes[i].Count > m.Classes[j].Count
		}
		return m.Classes[i].Name < m.Classes[j].Name
	})
	return m, nil
}
