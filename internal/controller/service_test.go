package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/eventstore"
	"github.com/dgnsrekt/scrape_agent/internal/live"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
	"github.com/dgnsrekt/scrape_agent/internal/tabs"
	"github.com/dgnsrekt/scrape_agent/internal/tracker"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

type fixedChannel string

func (c fixedChannel) State() string { return string(c) }

func newTestService(t *testing.T, dbName string) (*Service, *eventstore.Store) {
	t.Helper()
	store, err := eventstore.New("file:" + dbName + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("eventstore.New() error = %v", err)
	}
	snaps, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.NewStore() error = %v", err)
	}
	registry := tabs.NewRegistry(tabs.MinCloseGrace)
	correlator := capture.NewCorrelator(0)
	broker := live.NewBroker()
	pipeline := capture.NewPipeline(correlator, registry, capture.NewPublisher(registry, store, broker), capture.Options{})
	t.Cleanup(func() {
		registry.Close()
		correlator.Close()
		store.Close()
	})

	svc := NewService(Deps{
		Pipeline: pipeline,
		Registry: registry,
		Store:    store,
		Snaps:    snaps,
		Live:     broker,
		Channel:  fixedChannel("connected"),
	})
	return svc, store
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var coded *tracker.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("error type = %T; want *tracker.CodedError", err)
	}
	return coded.Code
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("shop.example.com", "domain"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "domain")
	if err == nil {
		t.Fatalf("requireNonEmpty() = nil; want validation error")
	}
	got, ok := err.(*tracker.CodedError)
	if !ok {
		t.Fatalf("requireNonEmpty() = %T; want *tracker.CodedError", err)
	}
	if got.Code != tracker.CodeValidation || got.Message != "domain is required" {
		t.Fatalf("requireNonEmpty() = %q/%q", got.Code, got.Message)
	}
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"Shop.Example.com":      "shop.example.com",
		" www.shop.example.com": "shop.example.com",
		"":                      "",
	}
	for in, want := range cases {
		if got := normalizeDomain(in); got != want {
			t.Fatalf("normalizeDomain(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	if _, err := clampLimit(-1, 10); err == nil {
		t.Fatal("clampLimit(-1) = nil error; want validation error")
	}
	if got, _ := clampLimit(0, 10); got != 10 {
		t.Fatalf("clampLimit(0) = %d; want default", got)
	}
	if got, _ := clampLimit(maxLimit+1, 10); got != maxLimit {
		t.Fatalf("clampLimit(max+1) = %d; want %d", got, maxLimit)
	}
}

func TestQueriesRequireDomain(t *testing.T) {
	svc, _ := newTestService(t, "ctlreq")
	ctx := context.Background()

	if _, err := svc.Intel(ctx, " "); codeOf(t, err) != tracker.CodeValidation {
		t.Fatalf("Intel() code = %v; want VALIDATION", err)
	}
	if _, err := svc.ClearDomain(ctx, ""); codeOf(t, err) != tracker.CodeValidation {
		t.Fatalf("ClearDomain() code = %v; want VALIDATION", err)
	}
	if _, err := svc.Execute(ctx, tracker.Command{}); codeOf(t, err) != tracker.CodeValidation {
		t.Fatalf("Execute() code = %v; want VALIDATION", err)
	}
}

func TestQueriesNormalizeDomain(t *testing.T) {
	svc, store := newTestService(t, "ctlnorm")
	ctx := context.Background()

	ev := types.NewEvent(types.EventDOMMap, "shop.example.com")
	ev.URL = "https://shop.example.com/cart"
	ev.DOMMap = &types.DOMMap{URL: ev.URL, Title: "Cart"}
	if err := store.Write(ev); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	dm, err := svc.LatestDOMMap(ctx, "WWW.Shop.Example.com", "")
	if err != nil {
		t.Fatalf("LatestDOMMap() error = %v", err)
	}
	if dm.Title != "Cart" {
		t.Fatalf("LatestDOMMap() title = %q", dm.Title)
	}

	if _, err := svc.LatestDOMMap(ctx, "other.example.com", ""); codeOf(t, err) != tracker.CodeNotFound {
		t.Fatalf("LatestDOMMap(other) = %v; want NOT_FOUND", err)
	}
	if _, err := svc.Fingerprint(ctx, "shop.example.com"); codeOf(t, err) != tracker.CodeNotFound {
		t.Fatalf("Fingerprint() = %v; want NOT_FOUND", err)
	}
}

func TestTabLookup(t *testing.T) {
	svc, _ := newTestService(t, "ctltabs")
	svc.d.Registry.Track("tab-1", "shop.example.com")

	snap, err := svc.Tab(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Tab() error = %v", err)
	}
	if !snap.Tracked || snap.Domain != "shop.example.com" {
		t.Fatalf("Tab() = %+v", snap)
	}
	if _, err := svc.Tab(context.Background(), "tab-9"); codeOf(t, err) != tracker.CodeTabNotFound {
		t.Fatalf("Tab(missing) = %v; want TAB_NOT_FOUND", err)
	}
	if n := len(svc.Tabs(context.Background())); n != 1 {
		t.Fatalf("Tabs() len = %d; want 1", n)
	}
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t, "ctlstatus")
	svc.d.Registry.Track("tab-1", "shop.example.com")
	svc.d.Pipeline.Handle(context.Background(), capture.RequestStarted{TabID: "tab-1", RequestID: "r1", URL: "https://shop.example.com/api", Method: "GET"})

	st := svc.Status(context.Background())
	if st.Channel != "connected" || st.TrackedTabs != 1 || st.InFlightRequests != 1 {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestQueueDisabled(t *testing.T) {
	svc, _ := newTestService(t, "ctlqueue")
	if _, err := svc.QueueAdd(context.Background(), []string{"https://a.example.com/"}); codeOf(t, err) != tracker.CodeHostUnavailable {
		t.Fatalf("QueueAdd() = %v; want HOST_UNAVAILABLE", err)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	svc, _ := newTestService(t, "ctlsnap")
	if _, err := svc.GetSnapshot(context.Background(), "5c1f3cf2-9a1e-4a7b-8d0e-3b7d2b1c0a11"); codeOf(t, err) != tracker.CodeNotFound {
		t.Fatalf("GetSnapshot() = %v; want NOT_FOUND", err)
	}
	if _, _, err := svc.ReadSnapshot(context.Background(), ""); codeOf(t, err) != tracker.CodeValidation {
		t.Fatalf("ReadSnapshot(\"\") = %v; want VALIDATION", err)
	}
}
