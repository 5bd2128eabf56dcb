// Package eventstore persists reporter events for one session into an
// embedded SQLite database, so a finished session can be inspected after
// the fact without a live reporter subscriber.
package eventstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oomol/oocana/jobplane"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	job_id     TEXT,
	type       TEXT NOT NULL,
	create_at  INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id);
`

// Store is a per-session SQLite event sink
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the event database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append records one reporter event
func (s *Store) Append(event *jobplane.ReporterEvent, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO events (session_id, job_id, type, create_at, payload) VALUES (?, ?, ?, ?, ?)`,
		string(event.SessionID), string(event.JobID), event.Type, event.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the payloads of all events for a session in insert order
func (s *Store) Events(sessionID jobplane.SessionId) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM events WHERE session_id = ? ORDER BY id`, string(sessionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payloads []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
