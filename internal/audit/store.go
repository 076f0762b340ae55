// ABOUTME: SQLite-backed audit log of gateway protocol events using modernc.org/sqlite
// ABOUTME: Records session lifecycle and message activity with automatic schema creation

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event is one recorded gateway event.
type Event struct {
	ID        string
	Kind      string
	SessionID string
	Method    string
	Detail    string
	CreatedAt time.Time
}

// Store persists audit events to a SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a new audit store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewStore(path string) (*Store, error) {
	logger := slog.Default().With("component", "audit")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode keeps writers from blocking the health endpoint's readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			session_id TEXT NOT NULL,
			method     TEXT,
			detail     TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON events(session_id);

		CREATE INDEX IF NOT EXISTS idx_events_kind
			ON events(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Record stores one event. Failures are logged, not propagated; auditing
// must never fail a protocol request.
func (s *Store) Record(ctx context.Context, kind, sessionID, method, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, session_id, method, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), kind, sessionID, method, detail, time.Now().UTC())
	if err != nil {
		s.logger.Warn("failed to record audit event", "kind", kind, "session_id", sessionID, "error", err)
	}
}

// ListBySession returns all events for one session, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, session_id, method, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionID, &e.Method, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
