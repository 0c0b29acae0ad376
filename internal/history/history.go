// Package history persists recording sessions to a SQLite database.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cb-recorder/internal/stream"
)

const schema = `
CREATE TABLE IF NOT EXISTS recording_sessions (
	id               TEXT PRIMARY KEY,
	room             TEXT NOT NULL,
	resolution       INTEGER NOT NULL,
	framerate        INTEGER NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	ended_at         TIMESTAMP,
	end_reason       TEXT NOT NULL DEFAULT '',
	segments         INTEGER NOT NULL DEFAULT 0,
	bytes            INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	files            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON recording_sessions (started_at);
`

// Session is one recording run. EndedAt is nil while the recording is
// still going or when the process died before finishing it.
type Session struct {
	ID              string     `json:"id"`
	Room            string     `json:"room"`
	Resolution      int        `json:"resolution"`
	Framerate       int        `json:"framerate"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	Segments        uint64     `json:"segments"`
	Bytes           int64      `json:"bytes"`
	DurationSeconds float64    `json:"duration_seconds"`
	Files           int        `json:"files"`
}

// Store keeps recording history in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens the history database at path, creating the file and schema
// when missing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a session row when a recording begins.
func (s *Store) RecordStart(id, room string, resolution, framerate int, startedAt time.Time) error {
	query := "INSERT INTO recording_sessions (id, room, resolution, framerate, started_at) VALUES (?, ?, ?, ?, ?)"
	if _, err := s.db.Exec(query, id, room, resolution, framerate, startedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert session %s: %w", id, err)
	}
	return nil
}

// RecordFinish fills in the outcome of a finished session.
func (s *Store) RecordFinish(id string, stats *stream.RecordingStats, endReason string, endedAt time.Time) error {
	query := `UPDATE recording_sessions
		SET ended_at = ?, end_reason = ?, segments = ?, bytes = ?, duration_seconds = ?, files = ?
		WHERE id = ?`
	if _, err := s.db.Exec(query, endedAt.UTC(), endReason, stats.SegmentsDownloaded,
		stats.BytesWritten, stats.DurationSeconds, stats.FilesCreated, id); err != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(limit int) ([]Session, error) {
	query := `SELECT id, room, resolution, framerate, started_at, ended_at,
			end_reason, segments, bytes, duration_seconds, files
		FROM recording_sessions ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Room, &sess.Resolution, &sess.Framerate,
			&sess.StartedAt, &endedAt, &sess.EndReason,
			&sess.Segments, &sess.Bytes, &sess.DurationSeconds, &sess.Files); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sessions: %w", err)
	}
	return sessions, nil
}
