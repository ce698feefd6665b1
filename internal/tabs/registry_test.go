package tabs

import (
	"fmt"
	"testing"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

func TestRegistryRecentBuffer(t *testing.T) {
	r := NewRegistry(MinCloseGrace)
	defer r.Close()

	for i := 0; i < 150; i++ {
		ev := types.NewEvent(types.EventRequest, "example.com")
		ev.RequestID = fmt.Sprintf("req-%d", i)
		r.Record("tab-1", ev)
	}

	snap, ok := r.Snapshot("tab-1")
	if !ok {
		t.Fatalf("expected session for tab-1")
	}
	if len(snap.Recent) != RecentCapacity {
		t.Fatalf("expected %d recent events, got %d", RecentCapacity, len(snap.Recent))
	}
	if snap.Recent[0].RequestID != "req-149" {
		t.Fatalf("expected newest first, got %q", snap.Recent[0].RequestID)
	}
	if snap.Recent[RecentCapacity-1].RequestID != "req-50" {
		t.Fatalf("expected oldest kept event req-50, got %q", snap.Recent[RecentCapacity-1].RequestID)
	}
	if snap.TotalEvents != 150 || snap.Stats.Requests != 150 {
		t.Fatalf("unexpected totals: total=%d requests=%d", snap.TotalEvents, snap.Stats.Requests)
	}
}

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry(MinCloseGrace)
	defer r.Close()

	bearer := types.NewEvent(types.EventResponseBody, "example.com")
	bearer.ReqHeaders = map[string]string{"Authorization": "Bearer abc"}
	basic := types.NewEvent(types.EventResponseBody, "example.com")
	basic.ReqHeaders = map[string]string{"authorization": "Basic xyz"}

	for _, ev := range []types.Event{
		types.NewEvent(types.EventRequest, "example.com"),
		types.NewEvent(types.EventAuthCookie, "example.com"),
		types.NewEvent(types.EventWebSocket, "example.com"),
		types.NewEvent(types.EventWebSocket, "example.com"),
		bearer,
		basic,
		types.NewEvent(types.EventDOMMap, "example.com"),
	} {
		r.Record("tab-1", ev)
	}

	snap, _ := r.Snapshot("tab-1")
	want := types.TabStats{Requests: 1, Tokens: 1, AuthCookies: 1, WebSockets: 2}
	if snap.Stats != want {
		t.Fatalf("expected stats %+v, got %+v", want, snap.Stats)
	}
	if snap.Domain != "example.com" {
		t.Fatalf("expected domain from first event, got %q", snap.Domain)
	}
}

func TestRegistryTrackIsIdempotent(t *testing.T) {
	r := NewRegistry(MinCloseGrace)
	defer r.Close()

	if !r.Track("tab-1", "example.com") {
		t.Fatalf("expected first track to change state")
	}
	if r.Track("tab-1", "example.com") {
		t.Fatalf("expected second track to be a no-op")
	}
	if got := r.TrackedCount(); got != 1 {
		t.Fatalf("expected 1 tracked tab, got %d", got)
	}
	r.Untrack("tab-1")
	if r.IsTracked("tab-1") {
		t.Fatalf("expected tab-1 untracked")
	}
}

func TestRegistryClosedGrace(t *testing.T) {
	r := NewRegistry(90 * time.Second)
	defer r.Close()

	r.Track("tab-1", "example.com")
	r.Record("tab-1", types.NewEvent(types.EventRequest, "example.com"))
	r.Closed("tab-1")

	if r.IsTracked("tab-1") {
		t.Fatalf("closed tab must not be tracked")
	}
	if n := r.Purge(time.Now().Add(MinCloseGrace)); n != 0 {
		t.Fatalf("expected no purge within grace, purged %d", n)
	}
	snap, ok := r.Snapshot("tab-1")
	if !ok || snap.Stats.Requests != 1 || snap.ClosedAt == nil {
		t.Fatalf("expected closed session to stay queryable, got %+v ok=%v", snap, ok)
	}
	if n := r.Purge(time.Now().Add(91 * time.Second)); n != 1 {
		t.Fatalf("expected purge after grace, purged %d", n)
	}
	if _, ok := r.Snapshot("tab-1"); ok {
		t.Fatalf("expected session purged")
	}
}

func TestRegistryGraceFloor(t *testing.T) {
	r := NewRegistry(time.Second)
	defer r.Close()

	r.Record("tab-1", types.NewEvent(types.EventRequest, "example.com"))
	r.Closed("tab-1")
	if n := r.Purge(time.Now().Add(30 * time.Second)); n != 0 {
		t.Fatalf("expected grace to be raised to the floor, purged %d", n)
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry(MinCloseGrace)
	defer r.Close()

	r.Record("tab-1", types.NewEvent(types.EventRequest, "example.com"))
	snap, _ := r.Snapshot("tab-1")
	snap.Recent[0].Type = "mutated"
	snap.Stats.Requests = 99

	again, _ := r.Snapshot("tab-1")
	if again.Recent[0].Type != types.EventRequest || again.Stats.Requests != 1 {
		t.Fatalf("snapshot mutation leaked into registry: %+v", again)
	}
}
