// Package eventlog persists the runner's lifecycle events and its shutdown
// snapshot to a local SQLite database. Everything here is best-effort
// bookkeeping: callers log failures and move on, the runner never depends
// on a write succeeding.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SchemaDDL defines the runner's local SQLite schema.
const SchemaDDL = `
-- Runner lifecycle event log
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Shutdown snapshots of in-flight work (one row per drain)
CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY,
    agent_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    taken_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Event is one row of the runner event log.
type Event struct {
	ID        int64
	Type      string
	AgentID   string
	TaskID    string
	Payload   string
	CreatedAt time.Time
}

// Log provides append and query access to the runner's event database.
type Log struct {
	db      *sql.DB
	agentID string
}

// Open opens (creating if needed) the event database at path and applies
// the schema. WAL keeps concurrent readers (e.g. a log CLI) from blocking
// the runner.
func Open(path, agentID string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping event db: %w", err)
	}
	if _, err := db.Exec(SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply event schema: %w", err)
	}
	return &Log{db: db, agentID: agentID}, nil
}

// Close releases the database connection. Safe on a nil receiver so
// callers can defer unconditionally.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one event. A nil receiver is a no-op, letting callers run
// without a database.
func (l *Log) Record(ctx context.Context, evType, taskID, payload string) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, agent_id, task_id, payload) VALUES (?, ?, ?, ?)`,
		evType, l.agentID, taskID, payload)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent returns the newest n events, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, type, agent_id, COALESCE(task_id, ''), COALESCE(payload, ''), created_at
		 FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.AgentID, &e.TaskID, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = parseSQLiteTime(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SnapshotEntry describes one in-flight task at drain time.
type SnapshotEntry struct {
	TaskID    string    `json:"task_id"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Ralph     bool      `json:"ralph,omitempty"`
}

// SaveSnapshot records the set of tasks still active when the runner went
// down. Best-effort: the drain sequence logs a failure and proceeds.
func (l *Log) SaveSnapshot(ctx context.Context, entries []SnapshotEntry) error {
	if l == nil {
		return nil
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO snapshots (agent_id, payload) VALUES (?, ?)`,
		l.agentID, string(payload))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Snapshot is one persisted drain snapshot.
type Snapshot struct {
	AgentID string
	Entries []SnapshotEntry
	TakenAt time.Time
}

// LatestSnapshot returns the most recent drain snapshot, or nil when none
// has been taken yet.
func (l *Log) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT agent_id, payload, taken_at FROM snapshots ORDER BY id DESC LIMIT 1`)

	var s Snapshot
	var payload, takenAt string
	if err := row.Scan(&s.AgentID, &payload, &takenAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &s.Entries); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.TakenAt = parseSQLiteTime(takenAt)
	return &s, nil
}

// parseSQLiteTime handles both datetime('now') and RFC3339 forms.
func parseSQLiteTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
