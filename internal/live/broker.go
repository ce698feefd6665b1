package live

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	subscriberBufSize = 256
	backlogSize       = 100
)

// Broker fans out published events to all subscribed SSE clients.
type Broker struct {
	mu          sync.Mutex
	subscribers map[int64]chan types.Event
	nextID      atomic.Int64
	dropped     atomic.Int64

	backlog     [backlogSize]types.Event
	backlogHead int
	backlogLen  int
}

// NewBroker creates a new SSE event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan types.Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is closed when the subscriber falls a
// full buffer behind or unsubscribes.
func (b *Broker) Subscribe() (int64, <-chan types.Event) {
	id := b.nextID.Add(1)
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking. A subscriber
// whose buffer is full is disconnected.
func (b *Broker) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.backlog[b.backlogHead] = ev
	b.backlogHead = (b.backlogHead + 1) % backlogSize
	if b.backlogLen < backlogSize {
		b.backlogLen++
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			delete(b.subscribers, id)
			close(ch)
			b.dropped.Add(1)
			slog.Warn("Disconnected slow live subscriber", "subscriber_id", id)
		}
	}
}

// Recent returns up to n of the most recently published events, oldest first.
func (b *Broker) Recent(n int) []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.backlogLen {
		n = b.backlogLen
	}
	out := make([]types.Event, 0, n)
	for i := n; i >= 1; i-- {
		idx := (b.backlogHead - i + backlogSize) % backlogSize
		out = append(out, b.backlog[idx])
	}
	return out
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns how many subscribers were disconnected for falling behind.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
