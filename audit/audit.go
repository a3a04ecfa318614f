// Package audit records every supervisor lifecycle transition and proxy
// failure to a durable SQLite database, for postmortems after a backend
// misbehaves. Writes are best-effort: a failed write is logged and
// otherwise swallowed, since losing one row must never abort a request or
// a supervisor transition.
package audit

import (
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Log implements supervisor.EventSink against a SQLite events table.
type Log struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the SQLite database at path and ensures the schema
// exists, enabling WAL mode for concurrent reads alongside writes.
func Open(path string, log *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		supervisor TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_supervisor ON events(supervisor);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}
	return &Log{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Event records one supervisor transition or proxy failure. It never
// returns an error to the caller — a write failure is logged and
// discarded, matching §4.7's "never blocks or aborts on a lost row" rule.
func (l *Log) Event(supervisorName, kind, detail string) {
	_, err := l.db.Exec(
		`INSERT INTO events (supervisor, kind, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		supervisorName, kind, detail, time.Now().UTC(),
	)
	if err != nil {
		l.log.Warn("audit write failed", "supervisor", supervisorName, "kind", kind, "error", err)
	}
}

// EventRow is one row read back via Recent, for tooling and tests.
type EventRow struct {
	Supervisor string
	Kind       string
	Detail     string
	OccurredAt time.Time
}

// Recent returns the most recent n events across every supervisor, newest
// first.
func (l *Log) Recent(n int) ([]EventRow, error) {
	rows, err := l.db.Query(
		`SELECT supervisor, kind, detail, occurred_at FROM events ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.Supervisor, &r.Kind, &r.Detail, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
