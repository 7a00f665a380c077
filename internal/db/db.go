// Package db is the session store: a SQLite database in the session
// directory holding the session row, every timeline event and every
// biosensor sample as they are produced.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/sessionsync/internal/timeline"
)

// FileName is the store's file name inside a session directory.
const FileName = "session.db"

// ErrSessionNotFound is returned when a session row does not exist.
var ErrSessionNotFound = errors.New("session not found")

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching the schema. The migrate
// subcommand uses this so migrations stay in control of the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps per-connection pragmas in force and serialises
	// writers.
	sqlDB.SetMaxOpenConns(1)
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the store was opened from.
func (db *DB) Path() string { return db.path }

func applyPragmas(sqlDB *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// SessionRecord is the stored summary of one session.
type SessionRecord struct {
	ID            string          `json:"session_id"`
	Name          string          `json:"name"`
	StartTime     float64         `json:"start_time"`
	Dir           string          `json:"dir"`
	ConfigSummary json.RawMessage `json:"configuration_summary"`
	FinalizedAt   *float64        `json:"finalized_at,omitempty"`
}

func (db *DB) CreateSession(rec SessionRecord) error {
	summary := rec.ConfigSummary
	if len(summary) == 0 {
		summary = json.RawMessage("{}")
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, name, start_time, dir, config_summary) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.StartTime, rec.Dir, string(summary),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}
	return nil
}

// FinalizeSession stamps the session as finished. Only the first call has
// any effect.
func (db *DB) FinalizeSession(id string, at float64) error {
	res, err := db.Exec(`UPDATE sessions SET finalized_at = ? WHERE session_id = ? AND finalized_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("failed to finalize session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.Session(id); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) Session(id string) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		summary   string
		finalized sql.NullFloat64
	)
	err := db.QueryRow(
		`SELECT session_id, name, start_time, dir, config_summary, finalized_at FROM sessions WHERE session_id = ?`, id,
	).Scan(&rec.ID, &rec.Name, &rec.StartTime, &rec.Dir, &summary, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	rec.ConfigSummary = json.RawMessage(summary)
	if finalized.Valid {
		v := finalized.Float64
		rec.FinalizedAt = &v
	}
	return &rec, nil
}

// Sessions lists every session in the store ordered by start time.
func (db *DB) Sessions() ([]SessionRecord, error) {
	rows, err := db.Query(`SELECT session_id FROM sessions ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := db.Session(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// InsertEvents stores a batch of timeline events in one transaction.
// Re-inserting an already stored sequence number is a no-op, so a retried
// batch does not duplicate rows.
func (db *DB) InsertEvents(sessionID string, events []timeline.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events (session_id, seq, kind, wall_time, attributes) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes for event %d: %w", ev.Seq, err)
		}
		if ev.Attributes == nil {
			attrs = []byte("{}")
		}
		if _, err := stmt.Exec(sessionID, ev.Seq, string(ev.Kind), ev.WallTime, string(attrs)); err != nil {
			return fmt.Errorf("failed to insert event %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

// Events returns the stored events of a session in sequence order. An empty
// kind returns every kind.
func (db *DB) Events(sessionID string, kind timeline.Kind) ([]timeline.Event, error) {
	query := `SELECT seq, kind, wall_time, attributes FROM events WHERE session_id = ?`
	args := []any{sessionID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []timeline.Event
	for rows.Next() {
		var (
			ev    timeline.Event
			k     string
			attrs string
		)
		if err := rows.Scan(&ev.Seq, &k, &ev.WallTime, &attrs); err != nil {
			return nil, err
		}
		ev.Kind = timeline.Kind(k)
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode attributes for event %d: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventSink adapts the store to a timeline sink for one session.
func (db *DB) EventSink(sessionID string) timeline.Sink {
	return &eventSink{db: db, sessionID: sessionID}
}

type eventSink struct {
	db        *DB
	sessionID string
}

func (s *eventSink) WriteEvents(events []timeline.Event) error {
	return s.db.InsertEvents(s.sessionID, events)
}
