package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dgnsrekt/scrape_agent/internal/types"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// Store is the queryable SQLite copy of every published event.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the event database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps per-connection pragmas in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			domain TEXT NOT NULL,
			tab_id TEXT,
			request_id TEXT,
			url TEXT,
			timestamp INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_domain_type ON events(domain, type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write stores ev. It satisfies the capture sink interface.
func (s *Store) Write(ev types.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.Insert(ctx, ev)
}

// Insert stores ev, assigning an id when it has none.
func (s *Store) Insert(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Domain == "" {
		ev.Domain = types.UnknownDomain
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `INSERT OR REPLACE INTO events (id, type, domain, tab_id, request_id, url, timestamp, payload)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.Type, ev.Domain, nullString(ev.TabID), nullString(ev.RequestID), nullString(ev.URL), ev.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// filter narrows an event query. Zero values mean "any".
type filter struct {
	types       []string
	domain      string
	urlContains string
	newestFirst bool
	limit       int
}

func (s *Store) selectEvents(ctx context.Context, f filter) ([]types.Event, error) {
	var (
		where []string
		args  []any
	)
	if len(f.types) > 0 {
		where = append(where, "type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.types)), ",")+")")
		for _, t := range f.types {
			args = append(args, t)
		}
	}
	if f.domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.domain)
	}
	if f.urlContains != "" {
		where = append(where, "instr(url, ?) > 0")
		args = append(args, f.urlContains)
	}

	query := "SELECT payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.newestFirst {
		query += " ORDER BY timestamp DESC, rowid DESC"
	} else {
		query += " ORDER BY timestamp ASC, rowid ASC"
	}
	if f.limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ClearDomain deletes every stored event for domain and returns the count.
func (s *Store) ClearDomain(ctx context.Context, domain string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE domain = ?`, domain)
	if err != nil {
		return 0, fmt.Errorf("failed to clear domain: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared rows: %w", err)
	}
	return n, nil
}
