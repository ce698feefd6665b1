package eventstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// BearerToken is a bearer credential seen in a request's authorization header.
type BearerToken struct {
	Domain    string `json:"domain"`
	Token     string `json:"token"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// Endpoint is a distinct API or auth-flow request.
type Endpoint struct {
	Domain    string   `json:"domain"`
	Method    string   `json:"method"`
	URL       string   `json:"url"`
	Flags     []string `json:"flags"`
	PostData  string   `json:"postData,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Count     int      `json:"count"`
}

// TaskTokenRecord is one captured task token with its capture context.
type TaskTokenRecord struct {
	types.TaskToken
	Domain string `json:"domain"`
	TabID  string `json:"tabId,omitempty"`
}

// Intel is the per-domain summary shown on the dashboard.
type Intel struct {
	Domain     string            `json:"domain"`
	Tokens     []BearerToken     `json:"tokens"`
	TaskTokens []TaskTokenRecord `json:"taskTokens"`
	Auth       []types.Event     `json:"auth"`
	Endpoints  []Endpoint        `json:"endpoints"`
	DOMMap     *types.DOMMap     `json:"dommap"`
}

// TypeStats counts stored events of one type.
type TypeStats struct {
	Total   int      `json:"total"`
	Domains []string `json:"domains"`
}

// StorageData merges captured localStorage and sessionStorage dumps.
type StorageData struct {
	LocalStorage   map[string]any `json:"localStorage"`
	SessionStorage map[string]any `json:"sessionStorage"`
}

// Domains lists every domain with stored events, sorted.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT domain FROM events ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	domains := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// Responses returns response events, each merged with its captured body by
// request id. A positive limit keeps the most recent responses.
func (s *Store) Responses(ctx context.Context, domain string, limit int) ([]types.Event, error) {
	responses, err := s.selectEvents(ctx, filter{types: []string{types.EventResponse}, domain: domain, newestFirst: true, limit: limit})
	if err != nil {
		return nil, err
	}
	bodies, err := s.selectEvents(ctx, filter{types: []string{types.EventResponseBody}, domain: domain})
	if err != nil {
		return nil, err
	}

	byRequest := make(map[string]types.Event, len(bodies))
	for _, b := range bodies {
		if b.RequestID != "" {
			byRequest[b.RequestID] = b
		}
	}

	merged := make([]types.Event, 0, len(responses))
	for i := len(responses) - 1; i >= 0; i-- {
		r := responses[i]
		if b, ok := byRequest[r.RequestID]; ok && r.RequestID != "" {
			r.Body = b.Body
			r.Base64 = b.Base64
			r.Truncated = b.Truncated
			r.OriginalSize = b.OriginalSize
			r.SHA256 = b.SHA256
		}
		merged = append(merged, r)
	}
	return merged, nil
}

// Endpoints returns API and auth-flow requests deduplicated by method and URL.
func (s *Store) Endpoints(ctx context.Context, domain string) ([]Endpoint, error) {
	requests, err := s.selectEvents(ctx, filter{types: []string{types.EventRequest}, domain: domain})
	if err != nil {
		return nil, err
	}

	endpoints := []Endpoint{}
	index := make(map[string]int)
	for _, req := range requests {
		if !types.HasFlag(req.Flags, types.FlagAPI) && !types.HasFlag(req.Flags, types.FlagAuthFlow) {
			continue
		}
		key := req.Method + " " + req.URL
		if i, ok := index[key]; ok {
			endpoints[i].Count++
			endpoints[i].Timestamp = req.Timestamp
			endpoints[i].Flags = req.Flags
			continue
		}
		index[key] = len(endpoints)
		endpoints = append(endpoints, Endpoint{
			Domain:    req.Domain,
			Method:    req.Method,
			URL:       req.URL,
			Flags:     req.Flags,
			PostData:  req.PostData,
			Timestamp: req.Timestamp,
			Count:     1,
		})
	}
	return endpoints, nil
}

// BearerTokens returns distinct bearer tokens from request headers, first sighting wins.
func (s *Store) BearerTokens(ctx context.Context, domain string) ([]BearerToken, error) {
	requests, err := s.selectEvents(ctx, filter{types: []string{types.EventRequest}, domain: domain})
	if err != nil {
		return nil, err
	}

	tokens := []BearerToken{}
	seen := make(map[string]bool)
	for _, req := range requests {
		auth, ok := types.HeaderValue(req.Headers, "authorization")
		if !ok || len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			continue
		}
		token := auth[7:]
		if seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, BearerToken{Domain: req.Domain, Token: token, URL: req.URL, Timestamp: req.Timestamp})
	}
	return tokens, nil
}

// AuthCookies returns auth_cookie events oldest first.
func (s *Store) AuthCookies(ctx context.Context, domain string) ([]types.Event, error) {
	return s.selectEvents(ctx, filter{types: []string{types.EventAuthCookie}, domain: domain})
}

// TaskTokens returns every captured task token, newest capture first.
// Tokens are not deduplicated across captures.
func (s *Store) TaskTokens(ctx context.Context, domain string) ([]TaskTokenRecord, error) {
	events, err := s.selectEvents(ctx, filter{types: []string{types.EventTaskTokens}, domain: domain, newestFirst: true})
	if err != nil {
		return nil, err
	}
	records := []TaskTokenRecord{}
	for _, ev := range events {
		for _, tok := range ev.Tokens {
			records = append(records, TaskTokenRecord{TaskToken: tok, Domain: ev.Domain, TabID: ev.TabID})
		}
	}
	return records, nil
}

// DOMMaps returns dommap events oldest first.
func (s *Store) DOMMaps(ctx context.Context, domain string) ([]types.Event, error) {
	return s.selectEvents(ctx, filter{types: []string{types.EventDOMMap}, domain: domain})
}

// LatestDOMMap returns the newest DOM map for domain, optionally restricted to
// page URLs containing urlContains. It returns nil when none is stored.
func (s *Store) LatestDOMMap(ctx context.Context, domain, urlContains string) (*types.DOMMap, error) {
	events, err := s.selectEvents(ctx, filter{types: []string{types.EventDOMMap}, domain: domain, urlContains: urlContains, newestFirst: true, limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0].DOMMap, nil
}

// Intel assembles the summary for one domain.
func (s *Store) Intel(ctx context.Context, domain string) (*Intel, error) {
	tokens, err := s.BearerTokens(ctx, domain)
	if err != nil {
		return nil, err
	}
	taskTokens, err := s.TaskTokens(ctx, domain)
	if err != nil {
		return nil, err
	}
	auth, err := s.AuthCookies(ctx, domain)
	if err != nil {
		return nil, err
	}
	endpoints, err := s.Endpoints(ctx, domain)
	if err != nil {
		return nil, err
	}
	dommap, err := s.LatestDOMMap(ctx, domain, "")
	if err != nil {
		return nil, err
	}
	if auth == nil {
		auth = []types.Event{}
	}
	return &Intel{
		Domain:     domain,
		Tokens:     tokens,
		TaskTokens: taskTokens,
		Auth:       auth,
		Endpoints:  endpoints,
		DOMMap:     dommap,
	}, nil
}

// Stats counts stored events per type along with the domains they span.
func (s *Store) Stats(ctx context.Context) (map[string]TypeStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, domain, COUNT(*) FROM events GROUP BY type, domain ORDER BY type, domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]TypeStats)
	for rows.Next() {
		var (
			eventType, domain string
			count             int
		)
		if err := rows.Scan(&eventType, &domain, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		st := stats[eventType]
		st.Total += count
		st.Domains = append(st.Domains, domain)
		stats[eventType] = st
	}
	return stats, rows.Err()
}

// Recent returns the last limit events in capture order.
func (s *Store) Recent(ctx context.Context, domain string, limit int) ([]types.Event, error) {
	events, err := s.selectEvents(ctx, filter{domain: domain, newestFirst: true, limit: limit})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// SessionCookies returns the distinct live cookies (by name and domain) seen
// in cookie change and auth cookie events, newest value first.
func (s *Store) SessionCookies(ctx context.Context, domain string) ([]types.Cookie, error) {
	events, err := s.selectEvents(ctx, filter{
		types:       []string{types.EventCookiesChanged, types.EventAuthCookie},
		domain:      domain,
		newestFirst: true,
	})
	if err != nil {
		return nil, err
	}
	cookies := []types.Cookie{}
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Cookie == nil {
			continue
		}
		key := ev.Cookie.Name + "\x00" + ev.Cookie.Domain
		if seen[key] {
			continue
		}
		seen[key] = true
		if !ev.Removed {
			cookies = append(cookies, *ev.Cookie)
		}
	}
	return cookies, nil
}

// LocalStorage merges every storage dump for domain, later dumps winning.
func (s *Store) LocalStorage(ctx context.Context, domain string) (*StorageData, error) {
	events, err := s.selectEvents(ctx, filter{types: []string{types.EventStorage}, domain: domain})
	if err != nil {
		return nil, err
	}
	out := &StorageData{LocalStorage: map[string]any{}, SessionStorage: map[string]any{}}
	for _, ev := range events {
		mergeInto(out.LocalStorage, ev.Data["localStorage"])
		mergeInto(out.SessionStorage, ev.Data["sessionStorage"])
	}
	return out, nil
}

func mergeInto(dst map[string]any, src any) {
	m, ok := src.(map[string]any)
	if !ok {
		return
	}
	for k, v := range m {
		dst[k] = v
	}
}

// Fingerprint returns the newest fingerprint captured for domain, or nil.
func (s *Store) Fingerprint(ctx context.Context, domain string) (map[string]any, error) {
	events, err := s.selectEvents(ctx, filter{types: []string{types.EventFingerprint}, domain: domain, newestFirst: true, limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0].Data, nil
}
