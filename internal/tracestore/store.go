// Package tracestore records instruction completions in a SQLite database
// so a run can be inspected after the process exits.
package tracestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/vk/flowvm/internal/observer"
	_ "modernc.org/sqlite"
)

// Store is an observer that appends every event to the events table.
type Store struct {
	db    *sql.DB
	runID string
}

// Open opens or creates the database at path. Events are tagged with runID
// so several runs can share one file.
func Open(path, runID string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, runID: runID}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL DEFAULT 0,
  instruction TEXT NOT NULL,
  kind TEXT NOT NULL DEFAULT '',
  stream TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  finished_ns INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS events_run ON events(run_id, id);
`)
	return err
}

// Observe implements observer.Observer.
func (s *Store) Observe(ctx context.Context, ev observer.Event) error {
	var finished int64
	if !ev.Finished.IsZero() {
		finished = ev.Finished.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(run_id, seq, instruction, kind, stream, status, error, finished_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, s.runID, int64(ev.Seq), ev.Instruction, ev.Kind, ev.Stream, string(ev.Status), ev.Error, finished)
	return err
}

// Events returns the events of the store's run in insertion order.
func (s *Store) Events(ctx context.Context) ([]observer.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, instruction, kind, stream, status, error, finished_ns
FROM events WHERE run_id=? ORDER BY id;
`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []observer.Event
	for rows.Next() {
		var (
			ev       observer.Event
			seq      int64
			status   string
			finished int64
		)
		if err := rows.Scan(&seq, &ev.Instruction, &ev.Kind, &ev.Stream, &status, &ev.Error, &finished); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.Status = observer.Status(status)
		if finished != 0 {
			ev.Finished = time.Unix(0, finished)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Summary counts the run's events per status.
func (s *Store) Summary(ctx context.Context) (map[observer.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM events WHERE run_id=? GROUP BY status;", s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[observer.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[observer.Status(status)] = n
	}
	return out, rows.Err()
}

// Close implements observer.Observer.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
