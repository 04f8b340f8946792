package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// Queue is a visibility-timeout work queue over the results database.
// Corpus paths are enqueued as jobs; workers claim, process, and ack. A
// claimed job that is never acked (crashed worker, killed run) reappears
// after the visibility window, which is what makes a batch resumable.
type Queue struct {
	db         *sql.DB
	visibility time.Duration
}

// Task is one claimed queue entry.
type Task struct {
	ID       string
	Payload  []byte
	Attempts int
}

// NewQueue creates a queue handle. Visibility should exceed the per-file
// timeout, or a slow-but-alive worker loses its claim mid-file.
func NewQueue(s *Store, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Queue{db: s.db, visibility: visibility}
}

// Enqueue inserts a job that is immediately visible. Re-enqueueing an
// existing id is a no-op, so resuming a batch just enqueues the whole
// corpus again.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO triage_jobs (id, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		id, payload, now, now)
	return err
}

// Claim atomically takes the oldest visible job and hides it for the
// visibility window. Returns nil, nil when nothing is visible.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	now := time.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE triage_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM triage_jobs
			WHERE visible_at <= ?
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING id, payload, attempts`,
		now.Add(q.visibility).UnixMilli(), now.UnixMilli())

	var t Task
	err := row.Scan(&t.ID, &t.Payload, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Ack deletes a completed job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM triage_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a job immediately visible again.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE triage_jobs SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Pending counts jobs still in the queue, visible or claimed.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM triage_jobs`).Scan(&n)
	return n, err
}

// Handler processes one claimed task. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, t Task) error

// Drain runs workers that claim until the queue is empty, then returns.
// Unlike a daemon consumer there is no polling loop: a batch run ends when
// the corpus is done.
func (q *Queue) Drain(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				task, err := q.Claim(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errCh <- err
					}
					return
				}
				if task == nil {
					return
				}
				if err := handler(ctx, *task); err != nil {
					_ = q.Nack(context.WithoutCancel(ctx), task.ID)
					errCh <- err
					return
				}
				_ = q.Ack(context.WithoutCancel(ctx), task.ID)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}
