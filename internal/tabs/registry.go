package tabs

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	// RecentCapacity is the size of each tab's recent-event ring.
	RecentCapacity = 100
	// MinCloseGrace is the shortest time a closed tab's counters stay queryable.
	MinCloseGrace = 60 * time.Second
)

type session struct {
	tabID    string
	tracked  bool
	domain   string
	stats    types.TabStats
	total    int
	ring     [RecentCapacity]types.Event
	head     int // next write position
	count    int
	closedAt time.Time
}

func (s *session) push(ev types.Event) {
	s.ring[s.head] = ev
	s.head = (s.head + 1) % RecentCapacity
	if s.count < RecentCapacity {
		s.count++
	}
}

// recent returns the buffered events newest first.
func (s *session) recent() []types.Event {
	out := make([]types.Event, 0, s.count)
	for i := 1; i <= s.count; i++ {
		idx := (s.head - i + RecentCapacity) % RecentCapacity
		out = append(out, s.ring[idx])
	}
	return out
}

func (s *session) snapshot(withRecent bool) types.TabSnapshot {
	snap := types.TabSnapshot{
		TabID:       s.tabID,
		Tracked:     s.tracked,
		Domain:      s.domain,
		Stats:       s.stats,
		TotalEvents: s.total,
	}
	if withRecent {
		snap.Recent = s.recent()
	}
	if !s.closedAt.IsZero() {
		closed := s.closedAt
		snap.ClosedAt = &closed
	}
	return snap
}

// Registry maps tab ids to their capture session.
type Registry struct {
	sessions map[string]*session
	mu       sync.Mutex

	grace time.Duration
	done  chan struct{}
	once  sync.Once
}

// NewRegistry creates a Registry whose closed sessions are purged grace after
// closing. Grace below MinCloseGrace is raised to it. A sweep goroutine runs
// until Close.
func NewRegistry(grace time.Duration) *Registry {
	if grace < MinCloseGrace {
		grace = MinCloseGrace
	}
	r := &Registry{
		sessions: make(map[string]*session),
		grace:    grace,
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the purge sweep.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// getOrCreate must be called with mu held.
func (r *Registry) getOrCreate(tabID string) *session {
	s, ok := r.sessions[tabID]
	if !ok {
		s = &session{tabID: tabID}
		r.sessions[tabID] = s
	}
	return s
}

// Track marks tabID as tracked. It reports whether the tab was previously
// untracked; tracking an already tracked tab is a no-op.
func (r *Registry) Track(tabID, domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreate(tabID)
	if domain != "" {
		s.domain = domain
	}
	if s.tracked {
		return false
	}
	s.tracked = true
	s.closedAt = time.Time{}
	return true
}

// Untrack marks tabID as untracked. Counters and recent events are kept.
func (r *Registry) Untrack(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tabID]; ok {
		s.tracked = false
	}
}

// IsTracked reports whether tabID is currently tracked.
func (r *Registry) IsTracked(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tabID]
	return ok && s.tracked
}

// SetDomain updates the domain a tab is scoped to.
func (r *Registry) SetDomain(tabID, domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(tabID).domain = domain
}

// DomainOf returns the domain of tabID.
func (r *Registry) DomainOf(tabID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tabID]
	if !ok || s.domain == "" {
		return "", false
	}
	return s.domain, true
}

// Record updates counters for ev and prepends it to the tab's recent events.
func (r *Registry) Record(tabID string, ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreate(tabID)

	switch ev.Type {
	case types.EventRequest:
		s.stats.Requests++
	case types.EventAuthCookie:
		s.stats.AuthCookies++
	case types.EventWebSocket:
		s.stats.WebSockets++
	case types.EventResponseBody:
		if auth, ok := types.HeaderValue(ev.ReqHeaders, "authorization"); ok && strings.HasPrefix(auth, "Bearer ") {
			s.stats.Tokens++
		}
	}
	if s.domain == "" && ev.Domain != "" && ev.Domain != types.UnknownDomain {
		s.domain = ev.Domain
	}
	s.total++
	s.push(ev)
}

// Snapshot returns a copy of the session for tabID.
func (r *Registry) Snapshot(tabID string) (types.TabSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tabID]
	if !ok {
		return types.TabSnapshot{}, false
	}
	return s.snapshot(true), true
}

// List returns copies of every session, without recent events, ordered by tab id.
func (r *Registry) List() []types.TabSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.TabSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot(false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// TrackedTabs returns the ids of all tracked tabs.
func (r *Registry) TrackedTabs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if s.tracked {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TrackedCount returns the number of tracked tabs.
func (r *Registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.tracked {
			n++
		}
	}
	return n
}

// Closed marks tabID closed. Its session stays queryable until purged.
func (r *Registry) Closed(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tabID]
	if !ok {
		return
	}
	s.tracked = false
	if s.closedAt.IsZero() {
		s.closedAt = time.Now()
	}
}

// Purge drops sessions closed more than the grace period before now.
func (r *Registry) Purge(now time.Time) int {
	threshold := now.Add(-r.grace)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if !s.closedAt.IsZero() && s.closedAt.Before(threshold) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.grace / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Purge(time.Now()); n > 0 {
				slog.Debug("Purged closed tab sessions", "count", n)
			}
		case <-r.done:
			return
		}
	}
}
