package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// SQLiteStorage keeps the audit trail in a local SQLite file.
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex
}

// SQLiteOptions holds configuration for the SQLite store.
type SQLiteOptions struct {
	Path string // file path or MemoryDSN
}

// NewSQLiteStorage opens (and creates) the database at opts.Path.
func NewSQLiteStorage(opts SQLiteOptions) (*SQLiteStorage, error) {
	path := opts.Path
	if path == "" {
		path = MemoryDSN
	}
	dsn := path
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: every pooled connection to :memory: would be a fresh database
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		run_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		run_id INTEGER PRIMARY KEY,
		sequence TEXT NOT NULL,
		state TEXT NOT NULL,
		success INTEGER NOT NULL,
		finished_at TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, rowid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvent inserts one event.
func (s *SQLiteStorage) AppendEvent(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEvent(ctx, s.db, ev)
}

// AppendEvents inserts several events in one transaction.
func (s *SQLiteStorage) AppendEvents(ctx context.Context, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, ev := range evs {
		if err := s.insertEvent(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

func (s *SQLiteStorage) insertEvent(ctx context.Context, ex execer, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO events (id, run_id, seq, name, timestamp, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		int64(ev.RunID),
		int64(ev.Seq),
		ev.Name,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Events returns a run's trail in insertion order.
func (s *SQLiteStorage) Events(ctx context.Context, runID uint64) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM events WHERE run_id = ? ORDER BY rowid
	`, int64(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: run=%d", ErrRunNotFound, runID)
	}
	return out, nil
}

// SaveResult upserts a run result.
func (s *SQLiteStorage) SaveResult(ctx context.Context, res types.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result %d: %w", res.RunID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (run_id, sequence, state, success, finished_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			sequence = excluded.sequence,
			state = excluded.state,
			success = excluded.success,
			finished_at = excluded.finished_at,
			body = excluded.body
	`,
		int64(res.RunID),
		res.Sequence,
		string(res.State),
		res.Success,
		res.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult retrieves a run result.
func (s *SQLiteStorage) GetResult(ctx context.Context, runID uint64) (types.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM results WHERE run_id = ?`, int64(runID)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ExecutionResult{}, fmt.Errorf("%w: run=%d", ErrResultNotFound, runID)
	}
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("failed to query result: %w", err)
	}

	var res types.ExecutionResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return res, nil
}

// Runs lists every run id with a trail, ascending.
func (s *SQLiteStorage) Runs(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM events ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

// ClearSucceeded removes the trail and result of every successful run.
func (s *SQLiteStorage) ClearSucceeded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE run_id IN (SELECT run_id FROM results WHERE success = 1)
	`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE success = 1`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete results: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
