package cdphost

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/host"
)

type recordingListener struct {
	mu     sync.Mutex
	msgs   []capture.Message
	loaded []string
}

func (l *recordingListener) Deliver(_ context.Context, msg capture.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingListener) PageLoaded(tabID, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, tabID)
}

func (l *recordingListener) messages() []capture.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capture.Message(nil), l.msgs...)
}

// attachConn wires a connection the way Attach does after the protocol
// commands succeed.
func attachConn(h *Host, tabID string, l host.Listener) (*session, *tabConn) {
	sess, _ := h.sessionFor(tabID)
	t := newTabConn(tabID, sess, l)
	h.mu.Lock()
	h.tabs[tabID] = t
	h.mu.Unlock()
	sess.setConn(t)
	go t.run()
	return sess, t
}

func TestDetachLeavesTabOpen(t *testing.T) {
	h := New("ws://127.0.0.1:0")
	l := &recordingListener{}
	sess, _ := attachConn(h, "T1", l)

	sess.dispatch(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Request:   &network.Request{URL: "https://example.com/api", Method: "GET"},
	})

	if err := h.Detach(context.Background(), "T1"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := sess.ctx.Err(); err != nil {
		t.Fatalf("session context cancelled on detach: %v", err)
	}

	msgs := l.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected request then tab closed, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(capture.RequestStarted); !ok {
		t.Fatalf("first message = %T, want RequestStarted", msgs[0])
	}
	if closed, ok := msgs[1].(capture.TabClosed); !ok || closed.TabID != "T1" {
		t.Fatalf("second message = %#v, want TabClosed for T1", msgs[1])
	}

	sess.dispatch(&page.EventLoadEventFired{})
	sess.dispatch(&network.EventLoadingFailed{RequestID: "r2"})
	if got := len(l.messages()); got != 2 {
		t.Fatalf("dormant session delivered events: %d messages", got)
	}

	again, created := h.sessionFor("T1")
	if created || again != sess {
		t.Fatal("expected the dormant session to be reused")
	}

	if err := h.Detach(context.Background(), "T1"); !errors.Is(err, host.ErrNotAttached) {
		t.Fatalf("second Detach = %v, want ErrNotAttached", err)
	}
}

func TestCloseLeavesTabsOpen(t *testing.T) {
	h := New("ws://127.0.0.1:0")
	sess, conn := attachConn(h, "T1", &recordingListener{})

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.ctx.Err(); err != nil {
		t.Fatalf("session context cancelled on close: %v", err)
	}
	select {
	case <-conn.finished:
	default:
		t.Fatal("delivery goroutine still running after close")
	}
}

func TestTargetGoneCancelsSession(t *testing.T) {
	h := New("ws://127.0.0.1:0")
	l := &recordingListener{}
	sess, _ := attachConn(h, "T1", l)
	dormant, _ := h.sessionFor("T2")

	h.onTargetGone("T1")
	h.onTargetGone("T2")

	if sess.ctx.Err() == nil || dormant.ctx.Err() == nil {
		t.Fatal("expected destroyed targets to cancel their sessions")
	}
	msgs := l.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one TabClosed, got %d messages", len(msgs))
	}
	if _, err := h.conn("T1"); !errors.Is(err, host.ErrNotAttached) {
		t.Fatalf("conn after target gone = %v", err)
	}
	if _, created := h.sessionFor("T1"); !created {
		t.Fatal("expected a fresh session after the target was destroyed")
	}
}
