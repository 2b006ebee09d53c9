// Package audit keeps an append-only log of server events in a local
// SQLite file so operators can reconstruct player and link activity
// after the fact. The game data itself lives in MySQL; this file is
// per-process and safe to delete.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/seolan-project/seolan/internal/events"
)

// Store is the audit event log.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the audit database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit database ping failed: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("audit log opened")
	return s, nil
}

// migrate creates the audit schema.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// audited is the set of event types the log subscribes to.
var audited = []events.EventType{
	events.EventServerStarted,
	events.EventServerStopping,
	events.EventLinkUp,
	events.EventLinkDown,
	events.EventWorkerAttached,
	events.EventWorkerDetached,
	events.EventHandshakeRejected,
	events.EventAccountRegistered,
	events.EventCharCreated,
	events.EventPasswordChanged,
	events.EventPlayerAuthorized,
	events.EventPlayerOnline,
	events.EventPlayerOffline,
	events.EventDuplicateLogin,
	events.EventCharSaved,
	events.EventClientLockout,
}

// Attach subscribes the store to every audited event type on the bus.
func (s *Store) Attach(bus *events.EventBus) {
	for _, t := range audited {
		bus.Subscribe(t, "audit", s.Record)
	}
}

// Record writes one event to the log. It is the bus handler; payloads
// are stored as JSON.
func (s *Store) Record(ctx context.Context, e events.Event) error {
	detail := ""
	if e.Payload != nil {
		if data, err := json.Marshal(e.Payload); err == nil {
			detail = string(data)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO events (type, source, detail) VALUES (?, ?, ?)",
		string(e.Type), e.Source, detail)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// Entry is one logged event.
type Entry struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		"SELECT id, type, source, detail, created_at FROM events ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes entries older than the given number of days.
func (s *Store) Prune(days int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM events WHERE created_at < datetime('now', ?)",
		fmt.Sprintf("-%d days", days))
	return err
}
