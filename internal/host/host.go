// Package host defines the boundary between the capture pipeline and the
// browser that feeds it. An Adapter drives one browser; the pipeline only
// ever sees the messages an Adapter delivers to its Listener.
package host

import (
	"context"
	"errors"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// ErrTabNotFound is returned when a tab id does not name an open tab.
var ErrTabNotFound = errors.New("tab not found")

// ErrNotAttached is returned for tab operations that need an attached session.
var ErrNotAttached = errors.New("tab not attached")

// Tab describes an open browser tab.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Listener receives everything an attached tab reports.
//
// Deliver is called with messages for one tab in the order the browser
// reported them, except paused responses, which may be delivered from their
// own goroutine so a body fetch never holds up the tab's other messages.
type Listener interface {
	Deliver(ctx context.Context, msg capture.Message)
	PageLoaded(tabID, url string)
}

// Adapter is a browser the agent can attach to.
type Adapter interface {
	Attach(ctx context.Context, tabID string, listener Listener) error
	Detach(ctx context.Context, tabID string) error
	CreateTab(ctx context.Context, url string) (Tab, error)
	Navigate(ctx context.Context, tabID, url string) error
	ActiveTab(ctx context.Context) (Tab, error)
	ListTabs(ctx context.Context) ([]Tab, error)
	ListCookies(ctx context.Context, tabID, url string) ([]types.Cookie, error)
	Evaluate(ctx context.Context, tabID, script string, out any) error
	Screenshot(ctx context.Context, tabID string) ([]byte, error)
	Close() error
}
