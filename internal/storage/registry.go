package storage

import (
	"log/slog"
	"sync"
)

// WriterRegistry manages multiple JSONLWriter instances, one per domain+family combination.
// Each domain's events are archived under their own directory.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	// writers maps domain segment -> family -> writer
	// e.g., "shop.example.com" -> "requests" -> *JSONLWriter
	writers map[string]map[string]*JSONLWriter
	mu      sync.RWMutex
}

// NewWriterRegistry creates a new WriterRegistry for managing multiple JSONL writers.
func NewWriterRegistry(baseDir string, bufferSize int, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]map[string]*JSONLWriter),
	}
}

// GetWriter returns (or creates) a JSONLWriter for the given domain segment and family.
func (r *WriterRegistry) GetWriter(segment, family string) *JSONLWriter {
	r.mu.RLock()
	if familyMap, ok := r.writers[segment]; ok {
		if writer, ok := familyMap[family]; ok {
			r.mu.RUnlock()
			return writer
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if familyMap, ok := r.writers[segment]; ok {
		if writer, ok := familyMap[family]; ok {
			return writer
		}
	}

	if r.writers[segment] == nil {
		r.writers[segment] = make(map[string]*JSONLWriter)
	}

	writer := NewJSONLWriter(r.baseDir, segment, family, r.bufferSize, r.maxSizeMB)
	r.writers[segment][family] = writer

	slog.Info("Created new JSONL writer",
		"domain", segment,
		"family", family)

	return writer
}

// Count returns the number of open writers.
func (r *WriterRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, familyMap := range r.writers {
		n += len(familyMap)
	}
	return n
}

// Dropped sums the events each writer rejected on a full buffer.
func (r *WriterRegistry) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, familyMap := range r.writers {
		for _, writer := range familyMap {
			n += writer.Dropped()
		}
	}
	return n
}

// Close closes all managed writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for segment, familyMap := range r.writers {
		for family, writer := range familyMap {
			if err := writer.Close(); err != nil {
				slog.Error("Failed to close writer",
					"domain", segment,
					"family", family,
					"error", err)
				lastErr = err
			}
		}
	}

	r.writers = make(map[string]map[string]*JSONLWriter)

	return lastErr
}
