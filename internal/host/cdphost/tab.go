package cdphost

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/host"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// session is the protocol session for one browser target. It outlives
// attach and detach: cancelling its context makes chromedp close the tab, so
// that only happens once the browser has destroyed the target.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *tabConn
}

func newSession(browserCtx context.Context, tabID string) *session {
	parent := context.Background()
	if browserCtx != nil {
		parent = context.WithoutCancel(browserCtx)
	}
	ctx, cancel := chromedp.NewContext(parent, chromedp.WithTargetID(target.ID(tabID)))
	s := &session{id: tabID, ctx: ctx, cancel: cancel}
	chromedp.ListenTarget(ctx, s.dispatch)
	return s
}

func (s *session) setConn(t *tabConn) {
	s.mu.Lock()
	s.conn = t
	s.mu.Unlock()
}

// dispatch forwards protocol events to the attached connection. Events of a
// dormant session are dropped.
func (s *session) dispatch(ev interface{}) {
	s.mu.Lock()
	t := s.conn
	s.mu.Unlock()
	if t != nil {
		t.handleEvent(ev)
	}
}

// attached reports whether chromedp has attached to the target yet.
func (s *session) attached() bool {
	c := chromedp.FromContext(s.ctx)
	return c != nil && c.Target != nil
}

// disableCapture turns off interception and network events. Disabling fetch
// releases any response still paused.
func (s *session) disableCapture() {
	if !s.attached() {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, fetch.Disable(), network.Disable()); err != nil {
		slog.Debug("Failed to disable capture", "tab_id", s.id, "error", err)
	}
}

// tabConn is one attach of a tab. Protocol events are queued in arrival order
// and delivered by a single goroutine; paused responses bypass the queue.
type tabConn struct {
	id       string
	sess     *session
	ctx      context.Context
	listener host.Listener

	queue    chan capture.Message
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	url string
}

func newTabConn(tabID string, sess *session, listener host.Listener) *tabConn {
	return &tabConn{
		id:       tabID,
		sess:     sess,
		ctx:      sess.ctx,
		listener: listener,
		queue:    make(chan capture.Message, queueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (t *tabConn) setURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

func (t *tabConn) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// run delivers queued messages until stop is called, then drains what is left.
func (t *tabConn) run() {
	defer close(t.finished)
	for {
		select {
		case msg := <-t.queue:
			t.listener.Deliver(t.ctx, msg)
		case <-t.done:
			for {
				select {
				case msg := <-t.queue:
					t.listener.Deliver(context.Background(), msg)
				default:
					return
				}
			}
		}
	}
}

// stop ends delivery once the queue is drained. The session stays open.
func (t *tabConn) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	<-t.finished
}

func (t *tabConn) enqueue(msg capture.Message) {
	select {
	case t.queue <- msg:
	case <-t.done:
	}
}

// run1 executes fn on the tab's session bounded by the caller's context.
func (t *tabConn) run1(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithTimeout(t.ctx, bodyTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, chromedp.ActionFunc(fn))
}

// handleEvent runs on chromedp's event goroutine and must not block on the
// browser.
func (t *tabConn) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			t.setURL(e.Frame.URL)
		}
	case *page.EventNavigatedWithinDocument:
		t.setURL(e.URL)
	case *page.EventLoadEventFired:
		url := t.currentURL()
		go t.listener.PageLoaded(t.id, url)
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		t.enqueue(capture.RequestStarted{
			TabID:        t.id,
			RequestID:    string(e.RequestID),
			URL:          e.Request.URL,
			Method:       e.Request.Method,
			Headers:      headerMap(e.Request.Headers),
			PostData:     postData(e.Request),
			ResourceType: string(e.Type),
		})
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		t.enqueue(capture.ResponseReceived{
			TabID:      t.id,
			RequestID:  string(e.RequestID),
			URL:        e.Response.URL,
			Status:     int(e.Response.Status),
			StatusText: e.Response.StatusText,
			MimeType:   e.Response.MimeType,
			Headers:    headerMap(e.Response.Headers),
		})
	case *network.EventLoadingFailed:
		t.enqueue(capture.LoadingFailed{TabID: t.id, RequestID: string(e.RequestID)})
	case *network.EventWebSocketCreated:
		t.enqueue(capture.WebSocketCreated{TabID: t.id, RequestID: string(e.RequestID), URL: e.URL})
	case *network.EventWebSocketFrameReceived:
		if e.Response != nil {
			t.enqueue(frame(t.id, string(e.RequestID), capture.DirectionRecv, e.Response))
		}
	case *network.EventWebSocketFrameSent:
		if e.Response != nil {
			t.enqueue(frame(t.id, string(e.RequestID), capture.DirectionSent, e.Response))
		}
	case *network.EventWebSocketClosed:
		t.enqueue(capture.WebSocketClosed{TabID: t.id, RequestID: string(e.RequestID)})
	case *fetch.EventRequestPaused:
		go t.deliverPaused(e)
	}
}

func frame(tabID, requestID, direction string, f *network.WebSocketFrame) capture.WebSocketFrame {
	return capture.WebSocketFrame{
		TabID:     tabID,
		RequestID: requestID,
		Direction: direction,
		Opcode:    int(f.Opcode),
		Payload:   f.PayloadData,
	}
}

func (t *tabConn) deliverPaused(e *fetch.EventRequestPaused) {
	msg := capture.ResponsePaused{
		TabID:           t.id,
		RequestID:       string(e.NetworkID),
		Status:          int(e.ResponseStatusCode),
		ResponseHeaders: fetchHeaderMap(e.ResponseHeaders),
		Token:           &pauseToken{tabCtx: t.ctx, id: e.RequestID},
	}
	if msg.RequestID == "" {
		msg.RequestID = string(e.RequestID)
	}
	if e.Request != nil {
		msg.URL = e.Request.URL
		msg.Method = e.Request.Method
		msg.RequestHeaders = headerMap(e.Request.Headers)
	}
	if ct, ok := types.HeaderValue(msg.ResponseHeaders, "content-type"); ok {
		msg.MimeType = ct
	}
	t.listener.Deliver(t.ctx, msg)
}

// pauseToken resumes one intercepted response.
type pauseToken struct {
	tabCtx context.Context
	id     fetch.RequestID
	once   sync.Once
}

func (p *pauseToken) Body(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(p.tabCtx, bodyTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var body []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = fetch.GetResponseBody(p.id).Do(ctx)
		return err
	}))
	return body, err
}

// Continue releases the response. Calls after the first are no-ops.
func (p *pauseToken) Continue(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		runCtx, cancel := context.WithTimeout(p.tabCtx, bodyTimeout)
		defer cancel()
		err = chromedp.Run(runCtx, fetch.ContinueRequest(p.id))
		if err != nil {
			slog.Debug("Continue request failed", "request_id", p.id, "error", err)
		}
	})
	return err
}
