package live

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	replayCount       = 20
	keepaliveInterval = 20 * time.Second
)

// Filter selects which events a live client receives.
type Filter struct {
	Types  map[string]bool // nil means accept all
	Domain string
}

// ParseFilter reads ?types=a,b and ?domain= from a request.
func ParseFilter(r *http.Request) Filter {
	var f Filter
	if q := r.URL.Query().Get("types"); q != "" {
		f.Types = make(map[string]bool)
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types[t] = true
			}
		}
	}
	f.Domain = strings.TrimSpace(r.URL.Query().Get("domain"))
	return f
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev types.Event) bool {
	if f.Types != nil && !f.Types[ev.Type] {
		return false
	}
	return f.Domain == "" || ev.Domain == f.Domain
}

// SSEHandler returns an http.HandlerFunc that streams published events as SSE.
// New clients first receive the last few matching events.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		filter := ParseFilter(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for _, ev := range broker.Recent(replayCount) {
			if filter.Match(ev) {
				writeEvent(w, ev)
			}
		}
		flusher.Flush()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !filter.Match(ev) {
					continue
				}
				writeEvent(w, ev)
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode live event", "type", ev.Type, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
