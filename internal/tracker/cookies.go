package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// Cookie change causes, matching the browser cookie API vocabulary.
const (
	CauseExplicit  = "explicit"
	CauseOverwrite = "overwrite"
	CauseExpired   = "expired"
)

func cookieKey(c types.Cookie) string {
	return c.Name + "\x00" + c.Domain + "\x00" + c.Path
}

func jarOf(cookies []types.Cookie) map[string]types.Cookie {
	jar := make(map[string]types.Cookie, len(cookies))
	for _, c := range cookies {
		jar[cookieKey(c)] = c
	}
	return jar
}

// diffJars returns the change messages that turn prev into next. Results are
// ordered: sets and overwrites first, in next's order, then removals.
func diffJars(tabID string, prev map[string]types.Cookie, next []types.Cookie, now time.Time) []capture.CookieChanged {
	var changes []capture.CookieChanged
	seen := make(map[string]bool, len(next))
	for _, c := range next {
		key := cookieKey(c)
		seen[key] = true
		old, ok := prev[key]
		switch {
		case !ok:
			changes = append(changes, capture.CookieChanged{TabID: tabID, Cookie: c, Cause: CauseExplicit})
		case old.Value != c.Value:
			changes = append(changes, capture.CookieChanged{TabID: tabID, Cookie: c, Cause: CauseOverwrite})
		}
	}
	for key, c := range prev {
		if seen[key] {
			continue
		}
		cause := CauseExplicit
		if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
			cause = CauseExpired
		}
		changes = append(changes, capture.CookieChanged{TabID: tabID, Cookie: c, Removed: true, Cause: cause})
	}
	return changes
}

// seedCookieJar records the jar a tab had when tracking began, so only later
// changes are reported.
func (t *Tracker) seedCookieJar(ctx context.Context, tabID string) {
	cookies, err := t.host.ListCookies(ctx, tabID, "")
	if err != nil {
		slog.Debug("Failed to seed cookie jar", "tab_id", tabID, "error", err)
		return
	}
	t.mu.Lock()
	t.jars[tabID] = jarOf(cookies)
	t.mu.Unlock()
}

// PollCookies diffs the cookie jar of every tracked tab once and feeds the
// changes through the pipeline.
func (t *Tracker) PollCookies(ctx context.Context) {
	for _, tabID := range t.registry.TrackedTabs() {
		cookies, err := t.host.ListCookies(ctx, tabID, "")
		if err != nil {
			slog.Debug("Cookie poll failed", "tab_id", tabID, "error", err)
			continue
		}

		t.mu.Lock()
		prev, seeded := t.jars[tabID]
		t.jars[tabID] = jarOf(cookies)
		t.mu.Unlock()
		if !seeded {
			continue
		}

		for _, change := range diffJars(tabID, prev, cookies, time.Now()) {
			t.pipeline.Handle(ctx, change)
		}
	}
}

func (t *Tracker) cookieLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.CookiePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			t.PollCookies(pollCtx)
			cancel()
		}
	}
}
