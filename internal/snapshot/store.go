package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Page capture kinds.
const (
	KindScreenshot = "screenshot"
	KindHTML       = "html"
)

var formatForKind = map[string]string{
	KindScreenshot: "png",
	KindHTML:       "html",
}

var contentTypes = map[string]string{
	"png":  "image/png",
	"html": "text/html; charset=utf-8",
}

// SnapshotMeta describes a stored page capture.
type SnapshotMeta struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Format    string    `json:"format"`
	TabID     string    `json:"tab_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Domain    string    `json:"domain"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentType returns the MIME type of the stored content.
func (m SnapshotMeta) ContentType() string {
	if ct, ok := contentTypes[m.Format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Store manages snapshot files on disk.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("invalid snapshot id: %q", id)
	}
	return nil
}

// Create stores data as a new capture of kind taken from tabID at pageURL.
func (s *Store) Create(kind, tabID, pageURL string, data []byte) (SnapshotMeta, error) {
	format, ok := formatForKind[kind]
	if !ok {
		return SnapshotMeta{}, fmt.Errorf("unknown snapshot kind: %q", kind)
	}
	meta := SnapshotMeta{
		ID:        uuid.NewString(),
		Kind:      kind,
		Format:    format,
		TabID:     tabID,
		URL:       pageURL,
		Domain:    types.DomainFromURL(pageURL),
		SizeBytes: len(data),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Save(meta, data); err != nil {
		return SnapshotMeta{}, err
	}
	return meta, nil
}

// Save writes both the content file and metadata sidecar.
func (s *Store) Save(meta SnapshotMeta, content []byte) error {
	if err := s.validateID(meta.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	contentPath := filepath.Join(s.dir, meta.ID+"."+meta.Format)
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(contentPath, content, 0o644); err != nil {
		return fmt.Errorf("snapshot store: write content: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(contentPath)
		return fmt.Errorf("snapshot store: marshal meta: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		_ = os.Remove(contentPath)
		return fmt.Errorf("snapshot store: write meta: %w", err)
	}

	return nil
}

// Get reads snapshot metadata by ID.
func (s *Store) Get(id string) (SnapshotMeta, error) {
	if err := s.validateID(id); err != nil {
		return SnapshotMeta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	jsonPath := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotMeta{}, fmt.Errorf("snapshot not found: %s", id)
		}
		return SnapshotMeta{}, fmt.Errorf("snapshot store: read meta: %w", err)
	}

	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SnapshotMeta{}, fmt.Errorf("snapshot store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns snapshots sorted by creation time (newest first). A non-empty
// domain restricts the result to captures of that domain.
func (s *Store) List(domain string) ([]SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot store: glob: %w", err)
	}

	metas := make([]SnapshotMeta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if domain != "" && meta.Domain != domain {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// ReadContent reads the stored bytes along with their metadata.
func (s *Store) ReadContent(id string) ([]byte, SnapshotMeta, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, SnapshotMeta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	contentPath := filepath.Join(s.dir, id+"."+meta.Format)
	data, err := os.ReadFile(contentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, SnapshotMeta{}, fmt.Errorf("snapshot content not found: %s", id)
		}
		return nil, SnapshotMeta{}, fmt.Errorf("snapshot store: read content: %w", err)
	}
	return data, meta, nil
}

// Delete removes both the content and metadata files.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	meta, err := s.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	contentPath := filepath.Join(s.dir, id+"."+meta.Format)
	jsonPath := filepath.Join(s.dir, id+".json")

	if err := os.Remove(contentPath); err != nil {
		slog.Debug("snapshot content cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(jsonPath); err != nil {
		return fmt.Errorf("snapshot store: remove meta: %w", err)
	}
	return nil
}
