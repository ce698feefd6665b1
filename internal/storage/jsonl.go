package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

var (
	errWriterClosed = errors.New("archive writer is closed")
	errBufferFull   = errors.New("archive buffer full")
)

const (
	maxBatch     = 256
	drainTimeout = 5 * time.Second
)

// JSONLWriter appends events to baseDir/<day>/<subDir>/<fileBase>.jsonl from a
// single goroutine. The day comes from the event timestamp in UTC.
type JSONLWriter struct {
	baseDir   string
	subDir    string
	fileBase  string
	maxSizeMB int

	queue   chan types.Event
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64

	// owned by the write loop
	day string
	out *lumberjack.Logger
	buf *bufio.Writer
}

// NewJSONLWriter starts a writer. An empty fileBase names files by the UTC
// time they were opened.
func NewJSONLWriter(baseDir, subDir, fileBase string, bufferSize int, maxSizeMB int) *JSONLWriter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		fileBase:  fileBase,
		maxSizeMB: maxSizeMB,
		queue:     make(chan types.Event, bufferSize),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write queues ev without blocking. A full buffer drops the event.
func (w *JSONLWriter) Write(ev types.Event) error {
	select {
	case <-w.closing:
		return errWriterClosed
	default:
	}
	select {
	case w.queue <- ev:
		return nil
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("Archive buffer full, dropping events", "subdir", w.subDir, "dropped", n)
		}
		return errBufferFull
	}
}

// Dropped reports how many events were rejected because the buffer was full.
func (w *JSONLWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close drains queued events for up to drainTimeout and closes the file.
func (w *JSONLWriter) Close() error {
	first := false
	w.once.Do(func() {
		first = true
		close(w.closing)
	})
	if !first {
		return nil
	}
	select {
	case <-w.stopped:
	case <-time.After(drainTimeout):
		slog.Warn("Archive writer close timed out", "subdir", w.subDir, "pending", len(w.queue))
		return errors.New("archive writer close timed out")
	}
	if w.out != nil {
		return w.out.Close()
	}
	return nil
}

func (w *JSONLWriter) loop() {
	defer close(w.stopped)
	for {
		select {
		case ev := <-w.queue:
			w.writeBatch(ev)
		case <-w.closing:
			for {
				select {
				case ev := <-w.queue:
					w.writeBatch(ev)
				default:
					return
				}
			}
		}
	}
}

// writeBatch writes first plus whatever else is already queued, then flushes.
func (w *JSONLWriter) writeBatch(first types.Event) {
	w.append(first)
batch:
	for i := 1; i < maxBatch; i++ {
		select {
		case ev := <-w.queue:
			w.append(ev)
		default:
			break batch
		}
	}
	w.flush()
}

func (w *JSONLWriter) append(ev types.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode archived event", "type", ev.Type, "error", err)
		return
	}
	day := dayOf(ev.Timestamp)
	if w.buf == nil || day != w.day {
		w.flush()
		if !w.open(day) {
			return
		}
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		slog.Error("Failed to archive event", "subdir", w.subDir, "error", err)
	}
}

func (w *JSONLWriter) flush() {
	if w.buf == nil {
		return
	}
	if err := w.buf.Flush(); err != nil {
		slog.Error("Failed to flush archive", "subdir", w.subDir, "error", err)
	}
}

func (w *JSONLWriter) open(day string) bool {
	if w.out != nil {
		if err := w.out.Close(); err != nil {
			slog.Debug("Archive file close failed", "subdir", w.subDir, "error", err)
		}
		w.out, w.buf = nil, nil
	}

	dir := filepath.Join(w.baseDir, day, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Failed to create archive directory", "dir", dir, "error", err)
		return false
	}
	base := w.fileBase
	if base == "" {
		base = time.Now().UTC().Format("150405")
	}
	name := filepath.Join(dir, base+".jsonl")

	w.out = &lumberjack.Logger{
		Filename:   name,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   true,
	}
	w.buf = bufio.NewWriterSize(w.out, 64*1024)
	w.day = day
	slog.Info("Opened archive file", "file", name)
	return true
}

func dayOf(ms int64) string {
	if ms <= 0 {
		return time.Now().UTC().Format(time.DateOnly)
	}
	return time.UnixMilli(ms).UTC().Format(time.DateOnly)
}
