package shardcopy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrJobVersionConflict is returned by CompleteJob when the job changed
// since it was dequeued.
var ErrJobVersionConflict = errors.New("job version conflict")

// QueueStore hands out copy jobs. DequeueJob and CompleteJob are atomic;
// they are the only coordination between workers.
type QueueStore interface {
	// DequeueJob claims the next pending job. It returns a job with ID
	// NoJobID when nothing is pending.
	DequeueJob(ctx context.Context, worker string) (*Job, error)
	CompleteJob(ctx context.Context, job *Job, failed bool, result string) error
	// EnqueueJobs adds definitions not queued yet. With rebuild the queue
	// is emptied first.
	EnqueueJobs(ctx context.Context, defs []Definition, rebuild bool) (int, error)
	// JobQueueIsNotEmpty reports whether any job is pending or running.
	JobQueueIsNotEmpty(ctx context.Context) (bool, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SQLQueue keeps jobs in the copy_jobs table.
type SQLQueue struct {
	db  *sql.DB
	now func() time.Time
}

var _ QueueStore = (*SQLQueue)(nil)

func NewSQLQueue(db *sql.DB) *SQLQueue {
	return &SQLQueue{db: db, now: time.Now}
}

func (q *SQLQueue) DequeueJob(ctx context.Context, worker string) (*Job, error) {
	query := `
		UPDATE copy_jobs
		SET status = $1, worker = $2, started_at = $3, version = version + 1
		WHERE id = (
			SELECT id FROM copy_jobs
			WHERE status = $4
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, version, definition, status`

	job := &Job{Worker: worker}
	err := q.db.QueryRowContext(ctx, query,
		JobStatusRunning, worker, q.now(),
		JobStatusPending,
	).Scan(&job.ID, &job.Version, &job.Definition, &job.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return &Job{ID: NoJobID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return job, nil
}

func (q *SQLQueue) CompleteJob(ctx context.Context, job *Job, failed bool, result string) error {
	status := JobStatusCompleted
	if failed {
		status = JobStatusFailed
	}
	query := `
		UPDATE copy_jobs
		SET status = $1, result = $2, ended_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`

	res, err := q.db.ExecContext(ctx, query, status, result, q.now(), job.ID, job.Version)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("complete job %d: %w", job.ID, ErrJobVersionConflict)
	}
	job.Status = status
	job.Result = result
	job.Version++
	return nil
}

func (q *SQLQueue) EnqueueJobs(ctx context.Context, defs []Definition, rebuild bool) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if rebuild {
		if _, err := tx.ExecContext(ctx, `DELETE FROM copy_jobs`); err != nil {
			return 0, fmt.Errorf("clear queue: %w", err)
		}
	}

	query := `
		INSERT INTO copy_jobs (definition, status, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (definition) DO NOTHING`

	now := q.now()
	added := 0
	for _, d := range defs {
		res, err := tx.ExecContext(ctx, query, d.String(), JobStatusPending, now)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", d, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return added, nil
}

func (q *SQLQueue) JobQueueIsNotEmpty(ctx context.Context) (bool, error) {
	var notEmpty bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM copy_jobs WHERE status IN ($1, $2))`,
		JobStatusPending, JobStatusRunning,
	).Scan(&notEmpty)
	if err != nil {
		return false, fmt.Errorf("check queue: %w", err)
	}
	return notEmpty, nil
}

func (q *SQLQueue) Stats(ctx context.Context) (*QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM copy_jobs`

	var s QueueStats
	if err := q.db.QueryRowContext(ctx, query).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &s, nil
}
