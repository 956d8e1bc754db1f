// ABOUTME: SQLite-backed run index mirroring the JSONL event log for fast queries.
// ABOUTME: Always rebuildable from events.json; a queryable cache, not the source of truth.
package tracker

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/massgen/coord"
	_ "github.com/mattn/go-sqlite3"
)

// RunRow summarises one run in the index.
type RunRow struct {
	RunID      string
	Status     string
	Winner     string
	StartedAt  string
	EventCount int
}

// Store is the SQLite index over runs and their events.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the index database at path and migrates the
// schema. WAL mode keeps readers from blocking the tracker's writes.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			winner TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// BeginRun registers a run as active.
func (s *Store) BeginRun(runID string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO runs (run_id, status, winner, started_at, event_count) VALUES (?, 'coordinating', '', ?, 0)`,
		runID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecordEvent mirrors one event into the index.
func (s *Store) RecordEvent(runID string, event coord.Event) error {
	contextJSON := "{}"
	if event.Context != nil {
		data, err := json.Marshal(event.Context)
		if err != nil {
			return fmt.Errorf("marshal event context: %w", err)
		}
		contextJSON = string(data)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (event_id, run_id, ts, event_type, agent_id, details, context) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID.String(), runID, event.Timestamp.UTC().Format(time.RFC3339Nano),
		string(event.Type), event.AgentID, event.Details, contextJSON,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET event_count = event_count + 1 WHERE run_id = ?`, runID)
	return err
}

// FinishRun records the run's final status, winner, and event count.
func (s *Store) FinishRun(runID, status, winner string, eventCount int) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, winner = ?, event_count = ? WHERE run_id = ?`,
		status, winner, eventCount, runID,
	)
	return err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]RunRow, error) {
	rows, err := s.db.Query(`SELECT run_id, status, winner, started_at, event_count FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.Status, &r.Winner, &r.StartedAt, &r.EventCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventsForRun loads a run's events from the index in timestamp order.
func (s *Store) EventsForRun(runID string) ([]coord.Event, error) {
	rows, err := s.db.Query(
		`SELECT event_id, ts, event_type, agent_id, details, context FROM events WHERE run_id = ? ORDER BY ts, event_id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []coord.Event
	for rows.Next() {
		var id, ts, eventType, agentID, details, contextJSON string
		if err := rows.Scan(&id, &ts, &eventType, &agentID, &details, &contextJSON); err != nil {
			return nil, err
		}
		event := coord.Event{
			Type:    coord.EventType(eventType),
			AgentID: agentID,
			Details: details,
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = parsed
		}
		if err := event.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", id, err)
		}
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &event.Context); err != nil {
				return nil, fmt.Errorf("parse event context: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// Rebuild repopulates a run's events from a JSONL log, replacing any mirror
// rows. The JSONL file remains the source of truth.
func (s *Store) Rebuild(runID, jsonlPath string) error {
	events, err := ReplayEvents(jsonlPath)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM events WHERE run_id = ?`, runID); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE runs SET event_count = 0 WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for _, event := range events {
		if err := s.RecordEvent(runID, event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
