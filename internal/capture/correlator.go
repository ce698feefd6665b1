package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// Correlator holds in-flight request metadata keyed by the protocol request id
// until the matching response arrives or the owning tab closes.
type Correlator struct {
	pending   map[string]*types.CapturedRequest
	pendingMu sync.Mutex

	ttl  time.Duration
	done chan struct{}
	once sync.Once
}

// NewCorrelator creates a Correlator. A positive ttl starts a sweep that drops
// entries older than ttl; zero keeps entries until response or tab close.
func NewCorrelator(ttl time.Duration) *Correlator {
	c := &Correlator{
		pending: make(map[string]*types.CapturedRequest),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Close stops the sweep goroutine.
func (c *Correlator) Close() {
	c.once.Do(func() { close(c.done) })
}

// OnRequestStarted stores req under requestID, replacing any stale entry.
func (c *Correlator) OnRequestStarted(requestID string, req types.CapturedRequest) {
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now()
	}
	c.pendingMu.Lock()
	c.pending[requestID] = &req
	c.pendingMu.Unlock()
}

// OnResponseArrived removes and returns the request stored for requestID.
func (c *Correlator) OnResponseArrived(requestID string) (types.CapturedRequest, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	req, ok := c.pending[requestID]
	if !ok {
		return types.CapturedRequest{}, false
	}
	delete(c.pending, requestID)
	return *req, true
}

// Peek returns the stored request without removing it.
func (c *Correlator) Peek(requestID string) (types.CapturedRequest, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	req, ok := c.pending[requestID]
	if !ok {
		return types.CapturedRequest{}, false
	}
	return *req, true
}

// Forget drops requestID without returning it (loading failed).
func (c *Correlator) Forget(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// OnTabClosed evicts every entry owned by tabID and returns how many were removed.
func (c *Correlator) OnTabClosed(tabID string) int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	removed := 0
	for id, req := range c.pending {
		if req.TabID == tabID {
			delete(c.pending, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of in-flight requests.
func (c *Correlator) Len() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Correlator) cleanupLoop() {
	interval := c.ttl / 5
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.cleanupStale(time.Now()); n > 0 {
				slog.Debug("Dropped stale in-flight requests", "count", n)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Correlator) cleanupStale(now time.Time) int {
	threshold := now.Add(-c.ttl)

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	removed := 0
	for id, req := range c.pending {
		if req.StartedAt.Before(threshold) {
			delete(c.pending, id)
			removed++
		}
	}
	return removed
}
