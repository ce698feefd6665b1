package capture

import (
	"log/slog"

	"github.com/dgnsrekt/scrape_agent/internal/types"
	"github.com/google/uuid"
)

// Sink persists published events.
type Sink interface {
	Write(ev types.Event) error
}

// Subscriber receives every published event. Implementations must not block.
type Subscriber interface {
	Publish(ev types.Event)
}

// Recorder updates per-tab session state.
type Recorder interface {
	Record(tabID string, ev types.Event)
}

// Publisher fans an event out to the tab registry, the sink and the live
// subscribers, in that order.
type Publisher struct {
	recorder Recorder
	sink     Sink
	live     []Subscriber
}

// NewPublisher builds a Publisher. Nil recorder or sink are skipped.
func NewPublisher(recorder Recorder, sink Sink, live ...Subscriber) *Publisher {
	return &Publisher{recorder: recorder, sink: sink, live: live}
}

// Publish delivers ev. It is synchronous so events from one tab leave in the
// order they were handed in. Sink failures are logged and swallowed.
func (p *Publisher) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = types.Now()
	}

	if ev.TabID != "" && p.recorder != nil {
		p.recorder.Record(ev.TabID, ev)
	}
	if p.sink != nil {
		if err := p.sink.Write(ev); err != nil {
			slog.Error("Failed to persist event", "type", ev.Type, "domain", ev.Domain, "error", err)
		}
	}
	for _, s := range p.live {
		s.Publish(ev)
	}
}
