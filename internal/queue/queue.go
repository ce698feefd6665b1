// Package queue visits a list of URLs one after another, pausing a jittered
// delay between navigations.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/scrape_agent/internal/tracker"
)

// DefaultDelay is the base pause between navigations.
const DefaultDelay = 6 * time.Second

// Navigator issues the navigate command for one URL.
type Navigator interface {
	Execute(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error)
}

// Item is one queued URL.
type Item struct {
	URL   string `json:"url" yaml:"url"`
	State string `json:"state"`
	TabID string `json:"tabId,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	ItemPending = "pending"
	ItemRunning = "running"
	ItemDone    = "done"
	ItemFailed  = "failed"
)

// Report is a point-in-time view of the queue.
type Report struct {
	Pending int    `json:"pending"`
	Running bool   `json:"running"`
	Delay   string `json:"delay"`
	Items   []Item `json:"items"`
}

// SeedFile is the YAML layout of a queue seed file.
type SeedFile struct {
	Delay string   `yaml:"delay,omitempty"`
	URLs  []string `yaml:"urls"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("queue seed: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("queue seed: %w", err)
	}
	for i, u := range seed.URLs {
		if strings.TrimSpace(u) == "" {
			return nil, fmt.Errorf("queue seed: urls[%d] is empty", i)
		}
	}
	if seed.Delay != "" {
		if _, err := time.ParseDuration(seed.Delay); err != nil {
			return nil, fmt.Errorf("queue seed: invalid delay %q: %w", seed.Delay, err)
		}
	}
	return &seed, nil
}

// Queue runs navigations sequentially on a single worker.
type Queue struct {
	nav   Navigator
	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	items   []Item
	next    int
	running bool
	wake    chan struct{}
	drained func(ctx context.Context, st Report)
}

// New creates a queue. A non-positive delay selects DefaultDelay.
func New(nav Navigator, delay time.Duration) *Queue {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Queue{
		nav:   nav,
		delay: delay,
		sleep: sleepCtx,
		wake:  make(chan struct{}, 1),
	}
}

// Add appends URLs and returns how many were queued.
func (q *Queue) Add(urls ...string) int {
	q.mu.Lock()
	n := 0
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		q.items = append(q.items, Item{URL: u, State: ItemPending})
		n++
	}
	q.mu.Unlock()

	if n > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return n
}

// Clear drops pending URLs and the history of finished ones. A navigation in
// progress completes.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	kept := q.items[:0]
	for _, it := range q.items {
		if it.State == ItemRunning {
			kept = append(kept, it)
			continue
		}
		if it.State == ItemPending {
			dropped++
		}
	}
	q.items = kept
	q.next = len(kept)
	return dropped
}

// Status returns a copy of the queue state.
func (q *Queue) Status() Report {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Report{Running: q.running, Delay: q.delay.String(), Items: append([]Item(nil), q.items...)}
	for _, it := range q.items {
		if it.State == ItemPending {
			st.Pending++
		}
	}
	return st
}

// Counts returns how many items finished and how many failed.
func (st Report) Counts() (done, failed int) {
	for _, it := range st.Items {
		switch it.State {
		case ItemDone:
			done++
		case ItemFailed:
			failed++
		}
	}
	return done, failed
}

// OnDrained registers fn to run each time the worker finishes the last
// pending URL. It must be set before Run.
func (q *Queue) OnDrained(fn func(ctx context.Context, st Report)) {
	q.drained = fn
}

// Run processes URLs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	worked := false
	for {
		idx, ok := q.take()
		if !ok {
			if worked && q.drained != nil {
				q.drained(ctx, q.Status())
			}
			worked = false
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		worked = true
		url := q.itemURL(idx)
		res, err := q.nav.Execute(ctx, tracker.Command{Command: tracker.CmdNavigate, URL: url})
		q.finish(idx, url, res.TabID, err)
		if err != nil {
			slog.Warn("Queued navigation failed", "url", url, "error", err)
		} else {
			slog.Info("Queued navigation started", "url", url, "tab_id", res.TabID)
		}

		if !q.sleep(ctx, q.jitter()) {
			return
		}
	}
}

func (q *Queue) jitter() time.Duration {
	return q.delay + time.Duration(rand.Float64()*float64(q.delay)*0.5)
}

func (q *Queue) take() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.next < len(q.items) {
		idx := q.next
		q.next++
		if q.items[idx].State == ItemPending {
			q.items[idx].State = ItemRunning
			q.running = true
			return idx, true
		}
	}
	q.running = false
	return 0, false
}

func (q *Queue) itemURL(idx int) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[idx].URL
}

// finish records the outcome. Clear may have compacted the slice, so the
// item is located again by position and URL.
func (q *Queue) finish(idx int, url, tabID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx >= len(q.items) || q.items[idx].URL != url || q.items[idx].State != ItemRunning {
		idx = -1
		for i := range q.items {
			if q.items[i].URL == url && q.items[i].State == ItemRunning {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
	}
	q.items[idx].TabID = tabID
	if err != nil {
		q.items[idx].State = ItemFailed
		q.items[idx].Error = err.Error()
		return
	}
	q.items[idx].State = ItemDone
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
