package store

import (
	"context"
	"log/slog"
	"time"
)

// RunEvent is one operator-visible event within a batch run.
type RunEvent struct {
	RunID      string
	EventType  string // run_started, file_completed, file_failed, run_finished
	SourcePath string
	Status     string
	Detail     string
}

// RunLog records batch events. Non-blocking: a failing event write is
// logged via slog but never propagates, so observability can't stall the
// pipeline.
type RunLog struct {
	store *Store
}

// NewRunLog creates a RunLog over the results database.
func NewRunLog(s *Store) *RunLog {
	return &RunLog{store: s}
}

// Log records one event.
func (l *RunLog) Log(ctx context.Context, ev RunEvent) {
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, event_type, source_path, status, detail, created_at)
		VALUES (?,?,?,?,?,?)`,
		ev.RunID, ev.EventType, ev.SourcePath, ev.Status, ev.Detail,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		slog.Error("run event log failed", "error", err, "event_type", ev.EventType)
	}
}

// Events returns all events of a run in insertion order.
func (l *RunLog) Events(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT run_id, event_type, COALESCE(source_path,''), COALESCE(status,''), COALESCE(detail,'')
		FROM run_events WHERE run_id = ? ORDER BY event_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.RunID, &ev.EventType, &ev.SourcePath, &ev.Status, &ev.Detail); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
