// Package tracker owns the tracking lifecycle of browser tabs and executes the
// agent's command vocabulary against a host adapter.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/host"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
	"github.com/dgnsrekt/scrape_agent/internal/tabs"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const commandTimeout = 20 * time.Second

// SnapshotStore persists page captures taken by commands.
type SnapshotStore interface {
	Create(kind, tabID, pageURL string, data []byte) (snapshot.SnapshotMeta, error)
}

// Options tune post-load scanning and cookie polling.
type Options struct {
	// ScanDelay is the spacing of the post-load DOM map, globals scan and
	// fingerprint passes. Zero disables post-load scans.
	ScanDelay time.Duration
	// CookiePoll is the cookie jar diff interval. Zero disables the watcher.
	CookiePoll time.Duration
}

// Tracker attaches tabs, runs commands and feeds the capture pipeline.
type Tracker struct {
	host      host.Adapter
	pipeline  *capture.Pipeline
	registry  *tabs.Registry
	snapshots SnapshotStore
	opts      Options

	attachMu sync.Mutex

	mu      sync.Mutex
	scans   map[string][]*time.Timer
	jars    map[string]map[string]types.Cookie
	urls    map[string]string
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ host.Listener = (*Tracker)(nil)

// New creates a Tracker. snapshots may be nil, in which case page captures
// are published without being stored.
func New(adapter host.Adapter, pipeline *capture.Pipeline, registry *tabs.Registry, snapshots SnapshotStore, opts Options) *Tracker {
	return &Tracker{
		host:      adapter,
		pipeline:  pipeline,
		registry:  registry,
		snapshots: snapshots,
		opts:      opts,
		scans:     make(map[string][]*time.Timer),
		jars:      make(map[string]map[string]types.Cookie),
		urls:      make(map[string]string),
		done:      make(chan struct{}),
	}
}

// Start launches the cookie watcher.
func (t *Tracker) Start(ctx context.Context) {
	if t.opts.CookiePoll <= 0 {
		return
	}
	t.wg.Add(1)
	go t.cookieLoop(ctx)
}

// Stop cancels pending scans and waits for the cookie watcher.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for id, timers := range t.scans {
		for _, tm := range timers {
			tm.Stop()
		}
		delete(t.scans, id)
	}
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
}

// Deliver hands a host message to the pipeline.
func (t *Tracker) Deliver(ctx context.Context, msg capture.Message) {
	if closed, ok := msg.(capture.TabClosed); ok {
		t.forget(closed.TabID)
	}
	t.pipeline.Handle(ctx, msg)
}

// PageLoaded schedules the staggered post-load scans of a tracked tab.
func (t *Tracker) PageLoaded(tabID, url string) {
	if !t.registry.IsTracked(tabID) {
		return
	}
	if domain := types.DomainFromURL(url); domain != types.UnknownDomain {
		t.registry.SetDomain(tabID, domain)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.urls[tabID] = url
	if t.stopped || t.opts.ScanDelay <= 0 {
		return
	}
	for _, tm := range t.scans[tabID] {
		tm.Stop()
	}

	steps := []func(ctx context.Context, tabID string) error{
		t.publishDOMMap,
		t.scanGlobals,
		t.publishFingerprint,
	}
	timers := make([]*time.Timer, 0, len(steps))
	for i, step := range steps {
		timers = append(timers, time.AfterFunc(time.Duration(i+1)*t.opts.ScanDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if !t.registry.IsTracked(tabID) {
				return
			}
			if err := step(ctx, tabID); err != nil {
				slog.Debug("Post-load scan failed", "tab_id", tabID, "error", err)
			}
		}))
	}
	t.scans[tabID] = timers
}

func (t *Tracker) forget(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.scans[tabID] {
		tm.Stop()
	}
	delete(t.scans, tabID)
	delete(t.jars, tabID)
	delete(t.urls, tabID)
}

func (t *Tracker) pageURL(tabID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.urls[tabID]
}

func (t *Tracker) setPageURL(tabID, url string) {
	t.mu.Lock()
	t.urls[tabID] = url
	t.mu.Unlock()
}

// attach is the untracked to tracked transition. It is idempotent and
// reports whether a new attachment was made.
func (t *Tracker) attach(ctx context.Context, tab host.Tab) (bool, error) {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	if t.registry.IsTracked(tab.ID) {
		return false, nil
	}

	domain := types.DomainFromURL(tab.URL)
	if err := t.host.Attach(ctx, tab.ID, t); err != nil {
		ev := types.NewEvent(types.EventDebuggerStatus, domain)
		ev.TabID = tab.ID
		ev.URL = tab.URL
		ev.State = types.StateFailed
		ev.Error = err.Error()
		t.pipeline.Publisher().Publish(ev)
		slog.Warn("Attach failed", "tab_id", tab.ID, "url", tab.URL, "error", err)
		return false, newError(CodeAttachFailed, "failed to attach to tab", err)
	}

	if domain == types.UnknownDomain {
		domain = ""
	}
	t.registry.Track(tab.ID, domain)
	t.setPageURL(tab.ID, tab.URL)
	t.seedCookieJar(ctx, tab.ID)

	ev := types.NewEvent(types.EventDebuggerStatus, types.DomainFromURL(tab.URL))
	ev.TabID = tab.ID
	ev.URL = tab.URL
	ev.State = types.StateAttached
	t.pipeline.Publisher().Publish(ev)
	slog.Info("Tracking tab", "tab_id", tab.ID, "domain", domain)
	return true, nil
}

// detach is the tracked to untracked transition.
func (t *Tracker) detach(ctx context.Context, tabID string) (bool, error) {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	if !t.registry.IsTracked(tabID) {
		return false, nil
	}

	domain, _ := t.registry.DomainOf(tabID)
	err := t.host.Detach(ctx, tabID)
	if errors.Is(err, host.ErrNotAttached) {
		// the adapter already lost the tab; run the close path ourselves
		t.Deliver(ctx, capture.TabClosed{TabID: tabID})
	} else if err != nil {
		return false, hostError("failed to detach from tab", err)
	}
	t.registry.Untrack(tabID)

	ev := types.NewEvent(types.EventDebuggerStatus, domain)
	ev.TabID = tabID
	ev.State = types.StateDetached
	t.pipeline.Publisher().Publish(ev)
	slog.Info("Stopped tracking tab", "tab_id", tabID)
	return true, nil
}

// resolveTab picks the tab a page command operates on: the named tab, else
// the active tab when tracked, else the first tracked tab.
func (t *Tracker) resolveTab(ctx context.Context, tabID string) (string, error) {
	if tabID != "" {
		if !t.registry.IsTracked(tabID) {
			return "", newError(CodeNotFound, "tab is not tracked", nil)
		}
		return tabID, nil
	}
	if active, err := t.host.ActiveTab(ctx); err == nil && t.registry.IsTracked(active.ID) {
		return active.ID, nil
	}
	tracked := t.registry.TrackedTabs()
	if len(tracked) == 0 {
		return "", newError(CodeNotFound, "no tracked tab", nil)
	}
	return tracked[0], nil
}
