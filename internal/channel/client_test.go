package channel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/scrape_agent/internal/tracker"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

type stubExecutor struct {
	got chan tracker.Command
}

func (s *stubExecutor) Execute(_ context.Context, cmd tracker.Command) (tracker.CommandResult, error) {
	s.got <- cmd
	if cmd.Command == "explode" {
		return tracker.CommandResult{Command: cmd.Command}, &tracker.CodedError{Code: tracker.CodeValidation, Message: "unknown command: explode"}
	}
	return tracker.CommandResult{Command: cmd.Command, OK: true, Message: "pong"}, nil
}

// upstream accepts one connection and hands it to the test.
func upstream(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	conns := make(chan net.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func readJSON(t *testing.T, conn net.Conn, out any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
}

func waitState(t *testing.T, c *Client, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %q never reached, have %q", want, c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNextBackoff(t *testing.T) {
	delay := baseBackoff
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		delay = nextBackoff(delay, maxBackoff)
		seen = append(seen, delay)
	}
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	c := New("ws://127.0.0.1:1/unused", &stubExecutor{got: make(chan tracker.Command, 1)})
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	c.Publish(types.NewEvent(types.EventRequest, "a.example.com"))
}

func TestClientRoundTrip(t *testing.T) {
	url, conns := upstream(t)
	exec := &stubExecutor{got: make(chan tracker.Command, 4)}
	c := New(url, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var server net.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	defer server.Close()

	var register map[string]string
	readJSON(t, server, &register)
	if register["command"] != "register" || register["browser"] != "chromium" {
		t.Fatalf("unexpected register frame: %v", register)
	}
	waitState(t, c, StateConnected)

	t.Run("command reply", func(t *testing.T) {
		if err := wsutil.WriteServerText(server, []byte(`{"command":"ping"}`)); err != nil {
			t.Fatalf("write command: %v", err)
		}
		var reply Reply
		readJSON(t, server, &reply)
		if reply.Type != "result" || !reply.OK || reply.Command != "ping" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	})

	t.Run("command error carries code", func(t *testing.T) {
		if err := wsutil.WriteServerText(server, []byte(`{"command":"explode"}`)); err != nil {
			t.Fatalf("write command: %v", err)
		}
		var reply Reply
		readJSON(t, server, &reply)
		if reply.OK || reply.Code != tracker.CodeValidation || reply.Error == "" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	})

	t.Run("events are forwarded", func(t *testing.T) {
		ev := types.NewEvent(types.EventAuthCookie, "shop.example.com")
		c.Publish(ev)
		var frame struct {
			Type  string      `json:"type"`
			Event types.Event `json:"event"`
		}
		readJSON(t, server, &frame)
		if frame.Type != "event" || frame.Event.Type != types.EventAuthCookie || frame.Event.Domain != "shop.example.com" {
			t.Fatalf("unexpected event frame: %+v", frame)
		}
	})
}

func TestClientReconnects(t *testing.T) {
	url, conns := upstream(t)
	c := New(url, &stubExecutor{got: make(chan tracker.Command, 1)})
	c.base = 10 * time.Millisecond
	c.max = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	first := <-conns
	var register map[string]string
	readJSON(t, first, &register)
	first.Close()

	select {
	case second := <-conns:
		defer second.Close()
		readJSON(t, second, &register)
		if register["command"] != "register" {
			t.Fatalf("expected register after reconnect, got %v", register)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
}

func TestClientBacksOffAfterDroppedConnection(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		dials.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), &stubExecutor{got: make(chan tracker.Command, 1)})
	c.base = 20 * time.Millisecond
	c.max = 40 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	<-done

	// 20ms then 40ms waits allow at most about eight attempts in 300ms.
	n := dials.Load()
	if n < 2 {
		t.Fatalf("expected the client to retry, got %d connections", n)
	}
	if n > 12 {
		t.Fatalf("client redialled %d times without backing off", n)
	}
}
