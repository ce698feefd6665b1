package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// EventWriter accepts published events.
type EventWriter interface {
	Write(ev types.Event) error
}

// EventArchive files every event as a JSON line under its domain and family.
type EventArchive struct {
	registry *WriterRegistry
}

// NewEventArchive creates an archive rooted at baseDir.
func NewEventArchive(baseDir string, bufferSize int, maxSizeMB int) *EventArchive {
	return &EventArchive{registry: NewWriterRegistry(baseDir, bufferSize, maxSizeMB)}
}

// Write queues ev on the writer for its domain and family.
func (a *EventArchive) Write(ev types.Event) error {
	writer := a.registry.GetWriter(DomainPathSegment(ev.Domain), FamilyFor(ev.Type))
	if err := writer.Write(ev); err != nil {
		return fmt.Errorf("archive %s event: %w", ev.Type, err)
	}
	return nil
}

// Close flushes and closes every writer.
func (a *EventArchive) Close() error {
	if n := a.registry.Dropped(); n > 0 {
		slog.Warn("Archive dropped events on full buffers", "dropped", n)
	}
	return a.registry.Close()
}

// MultiSink writes each event to every configured writer.
type MultiSink struct {
	writers []EventWriter
}

// NewMultiSink builds a MultiSink; nil writers are skipped.
func NewMultiSink(writers ...EventWriter) *MultiSink {
	m := &MultiSink{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

// Write delivers ev to all writers. A failing writer does not stop the others.
func (m *MultiSink) Write(ev types.Event) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
