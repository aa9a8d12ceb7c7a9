// Package journal keeps an optional SQLite record of completed requests
// and the stage timings measured for each of them.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"VoiceRelay/internal/timing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one journaled request.
type Entry struct {
	ID          string        `json:"id"`
	Endpoint    string        `json:"endpoint"`
	Mode        string        `json:"mode,omitempty"`
	Status      int           `json:"status"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	TotalMs     float64       `json:"totalMs"`
	Stages      []timing.Step `json:"stages"`
}

// Journal writes entries to a SQLite database.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	wg     sync.WaitGroup
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	mode TEXT,
	status INTEGER NOT NULL,
	fingerprint TEXT,
	started_at DATETIME NOT NULL,
	total_ms REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS stages (
	request_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	ms REAL NOT NULL,
	PRIMARY KEY (request_id, position),
	FOREIGN KEY(request_id) REFERENCES requests(id)
);
CREATE INDEX IF NOT EXISTS idx_requests_started_at ON requests(started_at);`

// Open opens (creating if needed) the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Record stores e. An empty ID is replaced with a new UUID.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO requests (id, endpoint, mode, status, fingerprint, started_at, total_ms) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Endpoint, e.Mode, e.Status, e.Fingerprint, e.StartedAt.UTC(), e.TotalMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}

	for i, s := range e.Stages {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO stages (request_id, position, name, ms) VALUES (?, ?, ?, ?)",
			e.ID, i, s.Name, s.Ms,
		)
		if err != nil {
			return fmt.Errorf("failed to save stage %s: %w", s.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordAsync stores e from a background goroutine and logs failures.
// Close waits for pending writes.
func (j *Journal) RecordAsync(e Entry) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, e); err != nil {
			j.logger.Warn("failed to journal request", "request_id", e.ID, "error", err)
		}
	}()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, endpoint, mode, status, fingerprint, started_at, total_ms FROM requests ORDER BY started_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var mode, fingerprint sql.NullString
		if err := rows.Scan(&e.ID, &e.Endpoint, &mode, &e.Status, &fingerprint, &e.StartedAt, &e.TotalMs); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		e.Mode = mode.String
		e.Fingerprint = fingerprint.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}
	rows.Close()

	for i := range entries {
		stages, err := j.stages(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Stages = stages
	}
	return entries, nil
}

func (j *Journal) stages(ctx context.Context, id string) ([]timing.Step, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT name, ms FROM stages WHERE request_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	steps := []timing.Step{}
	for rows.Next() {
		var s timing.Step
		if err := rows.Scan(&s.Name, &s.Ms); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Close waits for pending asynchronous writes and closes the database.
func (j *Journal) Close() error {
	j.wg.Wait()
	return j.db.Close()
}
