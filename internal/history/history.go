// Package history is an append-only archive of finished ask runs. Runs in
// flight are never persisted; a row is written once, when a run returns
// with an answer or a timeout.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one archived run.
type Record struct {
	ID       string
	AskedAt  time.Time
	Prompt   string
	Answer   string
	TimedOut bool
	Elapsed  time.Duration
	Steps    []string
}

// Store is a SQLite-backed history archive.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS asks (
	id         TEXT PRIMARY KEY,
	asked_at   INTEGER NOT NULL,
	prompt     TEXT NOT NULL,
	answer     TEXT NOT NULL DEFAULT '',
	timed_out  INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	steps      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_asks_asked_at ON asks(asked_at DESC);
`

// Open opens (or creates) the archive at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one finished run.
func (s *Store) Record(rec Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO asks (id, asked_at, prompt, answer, timed_out, elapsed_ms, steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AskedAt.UnixMilli(), rec.Prompt, rec.Answer,
		boolToInt(rec.TimedOut), rec.Elapsed.Milliseconds(), string(steps),
	)
	if err != nil {
		return fmt.Errorf("failed to record ask: %w", err)
	}
	return nil
}

// Recent returns the latest n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, asked_at, prompt, answer, timed_out, elapsed_ms, steps
		 FROM asks ORDER BY asked_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var askedAt, elapsedMS int64
		var timedOut int
		var steps string
		if err := rows.Scan(&rec.ID, &askedAt, &rec.Prompt, &rec.Answer, &timedOut, &elapsedMS, &steps); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.AskedAt = time.UnixMilli(askedAt)
		rec.TimedOut = timedOut != 0
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
			rec.Steps = nil
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the archive.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
