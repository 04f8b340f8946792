// Package store persists triage results in SQLite: one JSON record tree
// per top-level input keyed by content hash, a run event log for operator
// observability, and a visibility-timeout work queue that makes long batch
// runs resumable after a crash.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/maldoc/record"
)

// Store wraps the results database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the results database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Workers emit concurrently; a single writer connection keeps SQLite
	// from throwing lock contention back at them.
	db.SetMaxOpenConns(1)
	// Pragmas applied via EXEC, driver-agnostic.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying handle for sharing with the queue and events.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS document_records (
    id              TEXT PRIMARY KEY,
    source_path     TEXT NOT NULL,
    container_type  TEXT NOT NULL,
    status          TEXT NOT NULL,
    node_count      INTEGER NOT NULL,
    record_json     TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_events (
    event_id        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    source_path     TEXT,
    status          TEXT,
    detail          TEXT,
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS triage_jobs (
    id          TEXT PRIMARY KEY,
    payload     BLOB,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_status ON document_records(status);
CREATE INDEX IF NOT EXISTS idx_records_path   ON document_records(source_path);
CREATE INDEX IF NOT EXISTS idx_events_run     ON run_events(run_id);
CREATE INDEX IF NOT EXISTS idx_jobs_visible   ON triage_jobs(visible_at);
`
	_, err := s.db.Exec(ddl)
	return err
}

// SaveRecord persists one completed record tree, replacing any earlier
// result for the same content hash. Re-runs are idempotent by design.
func (s *Store) SaveRecord(ctx context.Context, rec *record.DocumentRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO document_records
			(id, source_path, container_type, status, node_count, record_json, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.SourcePath, string(rec.ContainerType), string(rec.Status),
		rec.CountNodes(), string(blob), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// Emit implements the engine sink over SaveRecord.
func (s *Store) Emit(ctx context.Context, rec *record.DocumentRecord) error {
	return s.SaveRecord(ctx, rec)
}

// GetRecord loads one record tree by content hash. Returns nil, nil when
// absent.
func (s *Store) GetRecord(ctx context.Context, id string) (*record.DocumentRecord, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM document_records WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec record.DocumentRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

// RecordSummary is one row of the results listing.
type RecordSummary struct {
	ID            string `json:"id"`
	SourcePath    string `json:"source_path"`
	ContainerType string `json:"container_type"`
	Status        string `json:"status"`
	NodeCount     int    `json:"node_count"`
	CreatedAt     string `json:"created_at"`
}

// ListRecords returns summaries, optionally filtered by status.
func (s *Store) ListRecords(ctx context.Context, status string, limit int) ([]RecordSummary, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT id, source_path, container_type, status, node_count, created_at
		FROM document_records`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordSummary
	for rows.Next() {
		var r RecordSummary
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.ContainerType, &r.Status, &r.NodeCount, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasRecord reports whether a result exists for the given content hash.
func (s *Store) HasRecord(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_records WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}
