// Package audit provides an append-only SQLite log of session lifecycle
// events (connect/reject/disconnect/mute). Live audibility state is
// never persisted; this is only a trail of what happened to it, for
// post-hoc debugging.
//
// Migration design: SQL statements live in the [migrations] slice as
// ordered strings, applied exactly once each. To add a migration, append
// a new string — never edit or reorder existing entries.
package audit

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — connection lifecycle events
	`CREATE TABLE IF NOT EXISTS connection_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		game_id       INTEGER NOT NULL,
		event         TEXT NOT NULL,
		detail        TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — index for recent-event queries
	`CREATE INDEX IF NOT EXISTS idx_connection_events_created ON connection_events(created_at)`,
}

// Event names recorded in the connection_events table.
const (
	EventConnected    = "connected"
	EventRejected     = "rejected"
	EventDisconnected = "disconnected"
	EventMutedAll     = "muted_all"
	EventUnmutedAll   = "unmuted_all"
	EventMutedPair    = "muted_pair"
)

// Log wraps a SQLite connection and appends connection_events rows. The
// zero value is not usable; construct with Open.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[audit] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[audit] busy_timeout: %v (non-fatal)", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return l, nil
}

// Close releases the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := l.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := l.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[audit] applied migration v%d", v)
	}
	return nil
}

// Record appends one connection_events row, stamping it with a fresh
// correlation UUID. I/O errors are logged and swallowed: a write failure
// here must never cause a command that otherwise succeeded to report
// failure to the host.
func (l *Log) Record(gameID uint16, event, detail string) {
	corr := uuid.New().String()
	if _, err := l.db.Exec(
		`INSERT INTO connection_events(correlation_id, game_id, event, detail) VALUES(?, ?, ?, ?)`,
		corr, gameID, event, detail,
	); err != nil {
		log.Printf("[audit] insert %s for client %d: %v", event, gameID, err)
	}
}

// Entry is one row returned by Recent, as listed by the status CLI
// subcommand.
type Entry struct {
	ID            int64  `json:"id"`
	CorrelationID string `json:"correlation_id"`
	GameID        uint16 `json:"game_id"`
	Event         string `json:"event"`
	Detail        string `json:"detail"`
	CreatedAt     int64  `json:"created_at"`
}

// Recent returns up to limit of the most recent events, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, correlation_id, game_id, event, detail, created_at
		 FROM connection_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.GameID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
