package tracker

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/host"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// Command names accepted by Execute.
const (
	CmdNavigate    = "navigate"
	CmdTrack       = "track"
	CmdUntrack     = "untrack"
	CmdDOMMap      = "dommap"
	CmdFingerprint = "fingerprint"
	CmdGetCookies  = "get_cookies"
	CmdGetStorage  = "get_storage"
	CmdGetHTML     = "get_html"
	CmdScreenshot  = "screenshot"
	CmdPing        = "ping"
)

// Command is one inbound instruction.
type Command struct {
	Command string `json:"command"`
	URL     string `json:"url,omitempty"`
	TabID   string `json:"tabId,omitempty"`
}

// CommandResult reports the outcome of a command.
type CommandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	TabID   string `json:"tabId,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Execute runs cmd. Failures come back as *CodedError.
func (t *Tracker) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	name := strings.ToLower(strings.TrimSpace(cmd.Command))
	res := CommandResult{Command: name}
	slog.Debug("Executing command", "command", name, "tab_id", cmd.TabID, "url", cmd.URL)

	var err error
	switch name {
	case CmdPing:
		res.Message = "pong"
	case CmdNavigate:
		err = t.navigate(ctx, cmd, &res)
	case CmdTrack:
		err = t.track(ctx, cmd, &res)
	case CmdUntrack:
		err = t.untrack(ctx, cmd, &res)
	case CmdDOMMap:
		err = t.pageCommand(ctx, cmd, &res, t.publishDOMMap)
	case CmdFingerprint:
		err = t.pageCommand(ctx, cmd, &res, t.publishFingerprint)
	case CmdGetStorage:
		err = t.pageCommand(ctx, cmd, &res, t.publishStorage)
	case CmdGetHTML:
		err = t.pageCommand(ctx, cmd, &res, t.publishHTML)
	case CmdScreenshot:
		err = t.pageCommand(ctx, cmd, &res, t.publishScreenshot)
	case CmdGetCookies:
		err = t.getCookies(ctx, cmd, &res)
	case "":
		err = newError(CodeValidation, "command is required", nil)
	default:
		err = newError(CodeValidation, "unknown command: "+name, nil)
	}
	if err != nil {
		return res, err
	}
	res.OK = true
	return res, nil
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", newError(CodeValidation, "url is required", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", newError(CodeValidation, "url must be an absolute http(s) URL", err)
	}
	return u.String(), nil
}

// navigate opens a blank tab, tracks it, then loads the URL so the first
// request is already captured.
func (t *Tracker) navigate(ctx context.Context, cmd Command, res *CommandResult) error {
	target, err := validateURL(cmd.URL)
	if err != nil {
		return err
	}

	tab, err := t.host.CreateTab(ctx, "about:blank")
	if err != nil {
		return hostError("failed to create tab", err)
	}
	res.TabID = tab.ID

	ev := types.NewEvent(types.EventNavStarted, types.DomainFromURL(target))
	ev.TabID = tab.ID
	ev.URL = target
	t.pipeline.Publisher().Publish(ev)

	tab.URL = target
	if _, err := t.attach(ctx, tab); err != nil {
		return err
	}
	if err := t.host.Navigate(ctx, tab.ID, target); err != nil {
		return hostError("failed to navigate", err)
	}
	t.setPageURL(tab.ID, target)
	res.Message = "navigating to " + target
	return nil
}

func (t *Tracker) track(ctx context.Context, cmd Command, res *CommandResult) error {
	var (
		tab host.Tab
		err error
	)
	if cmd.TabID != "" {
		tab, err = t.findTab(ctx, cmd.TabID)
	} else {
		tab, err = t.host.ActiveTab(ctx)
	}
	if err != nil {
		return hostError("failed to resolve tab", err)
	}
	res.TabID = tab.ID

	created, err := t.attach(ctx, tab)
	if err != nil {
		return err
	}
	if created {
		res.Message = "tracking"
	} else {
		res.Message = "already tracking"
	}
	return nil
}

func (t *Tracker) findTab(ctx context.Context, tabID string) (host.Tab, error) {
	list, err := t.host.ListTabs(ctx)
	if err != nil {
		return host.Tab{}, err
	}
	for _, tab := range list {
		if tab.ID == tabID {
			return tab, nil
		}
	}
	return host.Tab{}, host.ErrTabNotFound
}

func (t *Tracker) untrack(ctx context.Context, cmd Command, res *CommandResult) error {
	tabID := cmd.TabID
	if tabID == "" {
		resolved, err := t.resolveTab(ctx, "")
		if err != nil {
			res.Message = "not tracking"
			return nil
		}
		tabID = resolved
	}
	res.TabID = tabID

	changed, err := t.detach(ctx, tabID)
	if err != nil {
		return err
	}
	if changed {
		res.Message = "stopped tracking"
	} else {
		res.Message = "not tracking"
	}
	return nil
}

func (t *Tracker) pageCommand(ctx context.Context, cmd Command, res *CommandResult, fn func(ctx context.Context, tabID string) error) error {
	tabID, err := t.resolveTab(ctx, cmd.TabID)
	if err != nil {
		return err
	}
	res.TabID = tabID
	return fn(ctx, tabID)
}

func (t *Tracker) getCookies(ctx context.Context, cmd Command, res *CommandResult) error {
	tabID, err := t.resolveTab(ctx, cmd.TabID)
	if err != nil {
		return err
	}
	res.TabID = tabID

	target := strings.TrimSpace(cmd.URL)
	if target == "" || strings.EqualFold(target, "current") {
		target = t.pageURL(tabID)
	} else if target, err = validateURL(target); err != nil {
		return err
	}

	cookies, err := t.host.ListCookies(ctx, tabID, target)
	if err != nil {
		return hostError("failed to read cookies", err)
	}

	ev := types.NewEvent(types.EventCookies, types.DomainFromURL(target))
	ev.TabID = tabID
	ev.URL = target
	ev.Cookies = cookies
	t.pipeline.Publisher().Publish(ev)
	res.Data = cookies
	return nil
}

func (t *Tracker) publishDOMMap(ctx context.Context, tabID string) error {
	var dm types.DOMMap
	if err := t.host.Evaluate(ctx, tabID, capture.DOMMapScript, &dm); err != nil {
		return hostError("dom map failed", err)
	}
	if dm.URL == "" {
		dm.URL = t.pageURL(tabID)
	}

	t.emitDOMMap(tabID, &dm)
	return nil
}

func (t *Tracker) emitDOMMap(tabID string, dm *types.DOMMap) {
	ev := types.NewEvent(types.EventDOMMap, types.DomainFromURL(dm.URL))
	ev.TabID = tabID
	ev.URL = dm.URL
	ev.DOMMap = dm
	t.pipeline.Publisher().Publish(ev)
}

func (t *Tracker) scanGlobals(ctx context.Context, tabID string) error {
	var globals capture.PageGlobals
	if err := t.host.Evaluate(ctx, tabID, capture.GlobalsScript, &globals); err != nil {
		return hostError("globals scan failed", err)
	}
	if globals.URL == "" {
		globals.URL = t.pageURL(tabID)
	}
	t.pipeline.PublishTokens(tabID, globals.URL, "page_globals", capture.ScanPageGlobals(globals))
	return nil
}

func (t *Tracker) publishFingerprint(ctx context.Context, tabID string) error {
	var fp map[string]any
	if err := t.host.Evaluate(ctx, tabID, fingerprintScript, &fp); err != nil {
		return hostError("fingerprint failed", err)
	}
	pageURL, _ := fp["url"].(string)
	if pageURL == "" {
		pageURL = t.pageURL(tabID)
	}

	ev := types.NewEvent(types.EventFingerprint, types.DomainFromURL(pageURL))
	ev.TabID = tabID
	ev.URL = pageURL
	ev.Data = fp
	t.pipeline.Publisher().Publish(ev)
	return nil
}

func (t *Tracker) publishStorage(ctx context.Context, tabID string) error {
	var dump map[string]any
	if err := t.host.Evaluate(ctx, tabID, storageScript, &dump); err != nil {
		return hostError("storage dump failed", err)
	}
	pageURL, _ := dump["url"].(string)
	if pageURL == "" {
		pageURL = t.pageURL(tabID)
	}

	ev := types.NewEvent(types.EventStorage, types.DomainFromURL(pageURL))
	ev.TabID = tabID
	ev.URL = pageURL
	ev.Data = dump
	t.pipeline.Publisher().Publish(ev)
	return nil
}

func (t *Tracker) publishHTML(ctx context.Context, tabID string) error {
	var html string
	if err := t.host.Evaluate(ctx, tabID, htmlScript, &html); err != nil {
		return hostError("html dump failed", err)
	}
	pageURL := t.pageURL(tabID)

	ev := types.NewEvent(types.EventHTML, types.DomainFromURL(pageURL))
	ev.TabID = tabID
	ev.URL = pageURL
	ev.Data = map[string]any{"length": len(html)}
	if id, ok := t.storeSnapshot(snapshot.KindHTML, tabID, pageURL, []byte(html)); ok {
		ev.SnapshotID = id
	}
	t.pipeline.Publisher().Publish(ev)

	// The dump also gives a DOM map for pages that never fired a load event
	// while tracked.
	if dm, err := capture.BuildDOMMap(html, pageURL); err != nil {
		slog.Debug("HTML DOM map failed", "tab_id", tabID, "error", err)
	} else {
		t.emitDOMMap(tabID, dm)
	}

	tokens, err := capture.ScanHTML(html, pageURL)
	if err != nil {
		slog.Debug("HTML token scan failed", "tab_id", tabID, "error", err)
		return nil
	}
	t.pipeline.PublishTokens(tabID, pageURL, "html", tokens)
	return nil
}

func (t *Tracker) publishScreenshot(ctx context.Context, tabID string) error {
	png, err := t.host.Screenshot(ctx, tabID)
	if err != nil {
		return hostError("screenshot failed", err)
	}
	pageURL := t.pageURL(tabID)

	ev := types.NewEvent(types.EventScreenshot, types.DomainFromURL(pageURL))
	ev.TabID = tabID
	ev.URL = pageURL
	ev.Data = map[string]any{"size": len(png)}
	if id, ok := t.storeSnapshot(snapshot.KindScreenshot, tabID, pageURL, png); ok {
		ev.SnapshotID = id
	}
	t.pipeline.Publisher().Publish(ev)
	return nil
}

func (t *Tracker) storeSnapshot(kind, tabID, pageURL string, data []byte) (string, bool) {
	if t.snapshots == nil {
		return "", false
	}
	meta, err := t.snapshots.Create(kind, tabID, pageURL, data)
	if err != nil {
		slog.Warn("Failed to store page snapshot", "kind", kind, "tab_id", tabID, "error", err)
		return "", false
	}
	return meta.ID, true
}
