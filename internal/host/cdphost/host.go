// Package cdphost drives Chromium over the DevTools protocol and turns each
// attached tab's network traffic into capture pipeline messages.
package cdphost

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/host"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	queueSize     = 4096
	bodyTimeout   = 10 * time.Second
	attachTimeout = 15 * time.Second
)

// Host is a host.Adapter backed by a running Chromium.
type Host struct {
	cdpURL string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	tabs     map[string]*tabConn
}

var _ host.Adapter = (*Host)(nil)

// New returns a Host for the DevTools endpoint at cdpURL. Call Connect before use.
func New(cdpURL string) *Host {
	return &Host{
		cdpURL:   cdpURL,
		sessions: make(map[string]*session),
		tabs:     make(map[string]*tabConn),
	}
}

// Connect opens the browser-level connection and starts watching for closed targets.
func (h *Host) Connect(ctx context.Context) error {
	slog.Info("Connecting to Chromium", "url", h.cdpURL)

	h.allocCtx, h.allocCancel = chromedp.NewRemoteAllocator(context.Background(), h.cdpURL)
	h.browserCtx, h.browserStop = chromedp.NewContext(h.allocCtx)

	connectCtx, cancel := context.WithTimeout(h.browserCtx, attachTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(connectCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	})); err != nil {
		h.allocCancel()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	chromedp.ListenBrowser(h.browserCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			go h.onTargetGone(string(e.TargetID))
		}
	})
	return nil
}

// Close releases capture on every attached tab and drops the browser
// connection. The user's tabs stay open.
func (h *Host) Close() error {
	h.mu.Lock()
	conns := make([]*tabConn, 0, len(h.tabs))
	for _, t := range h.tabs {
		conns = append(conns, t)
	}
	h.tabs = make(map[string]*tabConn)
	h.mu.Unlock()

	for _, t := range conns {
		t.sess.disableCapture()
		t.sess.setConn(nil)
		t.stop()
	}
	if h.browserStop != nil {
		h.browserStop()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
	slog.Info("CDP host closed")
	return nil
}

// sessionFor returns the protocol session for tabID, creating a dormant one
// on first use.
func (h *Host) sessionFor(tabID string) (*session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[tabID]; ok {
		return s, false
	}
	s := newSession(h.browserCtx, tabID)
	h.sessions[tabID] = s
	return s, true
}

// Attach enables network capture and response interception on tabID.
func (h *Host) Attach(ctx context.Context, tabID string, listener host.Listener) error {
	h.mu.Lock()
	if _, ok := h.tabs[tabID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	sess, created := h.sessionFor(tabID)

	runCtx, runCancel := context.WithTimeout(sess.ctx, attachTimeout)
	defer runCancel()
	stopOnCaller := context.AfterFunc(ctx, runCancel)
	defer stopOnCaller()

	patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageResponse}}
	err := chromedp.Run(runCtx,
		network.Enable().WithMaxTotalBufferSize(64<<20).WithMaxResourceBufferSize(16<<20),
		page.Enable(),
		fetch.Enable().WithPatterns(patterns),
	)
	if err != nil {
		if created && !sess.attached() {
			h.dropSession(tabID, sess)
		} else {
			sess.disableCapture()
		}
		return fmt.Errorf("failed to enable capture on tab %s: %w", tabID, err)
	}

	t := newTabConn(tabID, sess, listener)
	var info *target.Info
	_ = chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		info, err = target.GetTargetInfo().WithTargetID(target.ID(tabID)).Do(ctx)
		return err
	}))
	if info != nil {
		t.setURL(info.URL)
	}

	h.mu.Lock()
	h.tabs[tabID] = t
	h.mu.Unlock()
	sess.setConn(t)

	go t.run()
	slog.Info("Attached to tab", "tab_id", tabID, "url", truncateURL(t.currentURL()))
	return nil
}

// Detach stops interception on tabID and delivers its TabClosed message. The
// tab and its protocol session stay open for a later Attach.
func (h *Host) Detach(ctx context.Context, tabID string) error {
	t := h.release(tabID)
	if t == nil {
		return host.ErrNotAttached
	}
	t.listener.Deliver(ctx, capture.TabClosed{TabID: tabID})
	slog.Info("Detached from tab", "tab_id", tabID)
	return nil
}

// release detaches the capture connection of tabID, leaving its session dormant.
func (h *Host) release(tabID string) *tabConn {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if ok {
		delete(h.tabs, tabID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	t.sess.setConn(nil)
	t.sess.disableCapture()
	t.stop()
	return t
}

func (h *Host) dropSession(tabID string, sess *session) {
	h.mu.Lock()
	if h.sessions[tabID] == sess {
		delete(h.sessions, tabID)
	}
	h.mu.Unlock()
	sess.cancel()
}

// onTargetGone runs when the browser reports the target destroyed. Only then
// is the session context cancelled.
func (h *Host) onTargetGone(tabID string) {
	h.mu.Lock()
	t := h.tabs[tabID]
	delete(h.tabs, tabID)
	sess := h.sessions[tabID]
	delete(h.sessions, tabID)
	h.mu.Unlock()

	if t != nil {
		t.sess.setConn(nil)
		t.stop()
		t.listener.Deliver(context.Background(), capture.TabClosed{TabID: tabID})
		slog.Info("Tracked tab closed", "tab_id", tabID)
	}
	if sess != nil {
		sess.cancel()
	}
}

func (h *Host) conn(tabID string) (*tabConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return nil, host.ErrNotAttached
	}
	return t, nil
}

// CreateTab opens a new tab at url.
func (h *Host) CreateTab(ctx context.Context, url string) (host.Tab, error) {
	var id target.ID
	err := h.runBrowser(ctx, func(ctx context.Context) error {
		var err error
		id, err = target.CreateTarget(url).Do(ctx)
		return err
	})
	if err != nil {
		return host.Tab{}, fmt.Errorf("failed to create tab: %w", err)
	}
	return host.Tab{ID: string(id), URL: url}, nil
}

// Navigate loads url in an attached tab.
func (h *Host) Navigate(ctx context.Context, tabID, url string) error {
	t, err := h.conn(tabID)
	if err != nil {
		return err
	}
	t.setURL(url)
	return t.run1(ctx, func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigation failed: %s", errText)
		}
		return nil
	})
}

// ListTabs returns the open page tabs, most recently created first.
func (h *Host) ListTabs(ctx context.Context) ([]host.Tab, error) {
	var infos []*target.Info
	err := h.runBrowser(ctx, func(ctx context.Context) error {
		var err error
		infos, err = target.GetTargets().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate targets: %w", err)
	}

	self := ""
	if c := chromedp.FromContext(h.browserCtx); c != nil && c.Target != nil {
		self = string(c.Target.TargetID)
	}
	var tabs []host.Tab
	for _, info := range infos {
		if info.Type != "page" || string(info.TargetID) == self || strings.HasPrefix(info.URL, "devtools://") {
			continue
		}
		tabs = append(tabs, host.Tab{ID: string(info.TargetID), URL: info.URL, Title: info.Title})
	}
	return tabs, nil
}

// ActiveTab returns the first page tab the browser reports.
func (h *Host) ActiveTab(ctx context.Context) (host.Tab, error) {
	tabs, err := h.ListTabs(ctx)
	if err != nil {
		return host.Tab{}, err
	}
	if len(tabs) == 0 {
		return host.Tab{}, host.ErrTabNotFound
	}
	return tabs[0], nil
}

// ListCookies returns the cookies visible to url in tabID. An empty url
// means the tab's current page.
func (h *Host) ListCookies(ctx context.Context, tabID, url string) ([]types.Cookie, error) {
	t, err := h.conn(tabID)
	if err != nil {
		return nil, err
	}
	if url == "" {
		url = t.currentURL()
	}

	var raw []*network.Cookie
	err = t.run1(ctx, func(ctx context.Context) error {
		var err error
		params := network.GetCookies()
		if url != "" {
			params = params.WithURLs([]string{url})
		}
		raw, err = params.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
			Expires:  c.Expires,
			Session:  c.Session,
		})
	}
	return cookies, nil
}

// Evaluate runs script in tabID's page and decodes its JSON result into out.
func (h *Host) Evaluate(ctx context.Context, tabID, script string, out any) error {
	t, err := h.conn(tabID)
	if err != nil {
		return err
	}
	return t.run1(ctx, func(ctx context.Context) error {
		return chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}).Do(ctx)
	})
}

// Screenshot captures the visible viewport of tabID as PNG.
func (h *Host) Screenshot(ctx context.Context, tabID string) ([]byte, error) {
	t, err := h.conn(tabID)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := t.run1(ctx, func(ctx context.Context) error {
		return chromedp.CaptureScreenshot(&buf).Do(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// runBrowser runs fn against the browser target rather than a page.
func (h *Host) runBrowser(ctx context.Context, fn func(ctx context.Context) error) error {
	if h.browserCtx == nil {
		return fmt.Errorf("cdp host not connected")
	}
	runCtx, cancel := context.WithTimeout(h.browserCtx, attachTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return fn(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
}

func headerMap(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func fetchHeaderMap(entries []*fetch.HeaderEntry) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if prev, ok := out[e.Name]; ok {
			out[e.Name] = prev + ", " + e.Value
			continue
		}
		out[e.Name] = e.Value
	}
	return out
}

func postData(req *network.Request) string {
	if req == nil || !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var decoded []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			decoded = append(decoded, entry.Bytes...)
			continue
		}
		decoded = append(decoded, b...)
	}
	return string(decoded)
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
