package live

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

func TestBrokerDisconnectsSlowSubscriber(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()

	for i := 0; i < subscriberBufSize+1; i++ {
		b.Publish(types.NewEvent(types.EventRequest, "example.com"))
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected slow subscriber removed, got %d clients", b.ClientCount())
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped subscriber, got %d", b.Dropped())
	}

	received := 0
	for range ch {
		received++
	}
	if received != subscriberBufSize {
		t.Fatalf("expected %d buffered events before close, got %d", subscriberBufSize, received)
	}

	// Unsubscribing an already disconnected client must not panic.
	b.Unsubscribe(id)
}

func TestBrokerRecent(t *testing.T) {
	b := NewBroker()
	for i := 0; i < backlogSize+5; i++ {
		ev := types.NewEvent(types.EventRequest, "example.com")
		ev.RequestID = fmt.Sprintf("r%d", i)
		b.Publish(ev)
	}

	recent := b.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	want := []string{"r102", "r103", "r104"}
	for i, ev := range recent {
		if ev.RequestID != want[i] {
			t.Fatalf("Recent()[%d] = %s, want %s", i, ev.RequestID, want[i])
		}
	}
	if got := len(b.Recent(1000)); got != backlogSize {
		t.Fatalf("expected backlog capped at %d, got %d", backlogSize, got)
	}
}

func TestFilterMatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live?types=request,+websocket&domain=shop.example.com", nil)
	f := ParseFilter(req)

	tests := []struct {
		ev   types.Event
		want bool
	}{
		{types.NewEvent(types.EventRequest, "shop.example.com"), true},
		{types.NewEvent(types.EventWebSocket, "shop.example.com"), true},
		{types.NewEvent(types.EventDOMMap, "shop.example.com"), false},
		{types.NewEvent(types.EventRequest, "other.example.com"), false},
	}
	for _, tt := range tests {
		if got := f.Match(tt.ev); got != tt.want {
			t.Fatalf("Match(%s/%s) = %v, want %v", tt.ev.Type, tt.ev.Domain, got, tt.want)
		}
	}
}

func TestSSEHandlerStreamsFilteredEvents(t *testing.T) {
	b := NewBroker()
	replayed := types.NewEvent(types.EventRequest, "shop.example.com")
	replayed.RequestID = "before-connect"
	b.Publish(replayed)

	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types=request", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET live: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish(types.NewEvent(types.EventDOMMap, "shop.example.com"))
	live := types.NewEvent(types.EventRequest, "shop.example.com")
	live.RequestID = "after-connect"
	b.Publish(live)

	reader := bufio.NewReader(resp.Body)
	var dataLines []string
	for len(dataLines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") && strings.TrimSpace(line) != "event: request" {
			t.Fatalf("unexpected event line %q", line)
		}
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, line)
		}
	}
	if !strings.Contains(dataLines[0], "before-connect") || !strings.Contains(dataLines[1], "after-connect") {
		t.Fatalf("unexpected stream data %v", dataLines)
	}
}
