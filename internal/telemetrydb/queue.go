package telemetrydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
)

const (
	DefaultQueueListLimit = 50
	stalledErrorMessage   = "job stalled more than allowable limit"
)

type QueueDB interface {
	// Enqueue adds a waiting job. A job with the same id that is still waiting or active is left
	// untouched and false is returned. A finished job with the same id is reset to waiting.
	Enqueue(ctx context.Context, job *QueueJob) (bool, error)

	// ClaimNext claims the oldest runnable job of a queue, or returns nil when there is none.
	// Exclusive queues never hand out a second job while one is active with an unexpired lock.
	ClaimNext(ctx context.Context, queue string, lockDuration time.Duration, exclusive bool) (*QueueJob, error)

	// ExtendLock renews the lock of an active job owned by lockToken.
	ExtendLock(ctx context.Context, id, lockToken string, lockDuration time.Duration) error

	// CompleteJob marks an owned job completed, deleting it when remove_on_complete is set.
	CompleteJob(ctx context.Context, id, lockToken string) error

	// RetryJob puts an owned job back to waiting, runnable from runAt.
	RetryJob(ctx context.Context, id, lockToken string, runAt time.Time, reason string) error

	// ReleaseJob hands an owned job straight back to waiting and refunds the attempt its claim took.
	ReleaseJob(ctx context.Context, id, lockToken string, reason string) error

	// FailJob marks an owned job failed.
	FailJob(ctx context.Context, id, lockToken string, reason string) error

	GetJob(ctx context.Context, id string) (*QueueJob, error)

	// RemoveJob deletes a job that has not started yet. Active and finished jobs are kept.
	RemoveJob(ctx context.Context, id string) (bool, error)

	// ListJobs lists jobs newest first. Empty queue or status match everything.
	ListJobs(ctx context.Context, queue string, status QueueStatus, limit int) ([]QueueJob, error)

	QueueMaintenanceDB
}

type queueDB struct {
	db    *bun.DB
	clock clockwork.Clock
}

func NewQueueDB(db *bun.DB, clock clockwork.Clock) QueueDB {
	return &queueDB{db: db, clock: clock}
}

func (q *queueDB) now() time.Time {
	return q.clock.Now().UTC()
}

func (q *queueDB) Enqueue(ctx context.Context, job *QueueJob) (bool, error) {
	now := q.now()
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = QueueWaiting
	job.Attempts = 0
	job.StalledCount = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := q.db.NewInsert().
		Model(job).
		On("CONFLICT (id) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("status = EXCLUDED.status").
		Set("attempts = 0").
		Set("max_attempts = EXCLUDED.max_attempts").
		Set("stalled_count = 0").
		Set("remove_on_complete = EXCLUDED.remove_on_complete").
		Set("run_at = EXCLUDED.run_at").
		Set("locked_until = NULL").
		Set("lock_token = NULL").
		Set("error = NULL").
		Set("started_at = NULL").
		Set("finished_at = NULL").
		Set("updated_at = EXCLUDED.updated_at").
		Where("queue_job.status IN (?)", bun.In([]QueueStatus{QueueCompleted, QueueFailed})).
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > NoRowsAffected, nil
}

func (q *queueDB) ClaimNext(ctx context.Context, queue string, lockDuration time.Duration, exclusive bool) (*QueueJob, error) {
	return RunInTxWithReturnType(ctx, q.db, func(tx bun.Tx) (*QueueJob, error) {
		now := q.now()

		if exclusive {
			locked, err := tryAdvisoryXactLock(ctx, tx, queueLockPrefix+queue)
			if err != nil {
				return nil, err
			}
			if !locked {
				return nil, nil
			}

			busy, err := tx.NewSelect().
				Model((*QueueJob)(nil)).
				Where("queue = ?", queue).
				Where("status = ?", QueueActive).
				Where("locked_until > ?", now).
				Exists(ctx)
			if err != nil {
				return nil, err
			}
			if busy {
				return nil, nil
			}
		}

		sub := tx.NewSelect().
			Table("queue_jobs").
			Column("id").
			Where("queue = ?", queue).
			Where("status = ?", QueueWaiting).
			Where("run_at <= ?", now).
			Order("run_at", "created_at").
			Limit(1).
			For("UPDATE SKIP LOCKED")

		var jobs []QueueJob
		err := tx.NewUpdate().
			Table("queue_jobs").
			Set("status = ?", QueueActive).
			Set("attempts = attempts + 1").
			Set("started_at = ?", now).
			Set("locked_until = ?", now.Add(lockDuration)).
			Set("lock_token = ?", ulid.Make().String()).
			Set("updated_at = ?", now).
			Where("id = (?)", sub).
			Returning("*").
			Scan(ctx, &jobs)
		if err != nil {
			return nil, err
		}
		if len(jobs) == 0 {
			return nil, nil
		}

		return &jobs[0], nil
	})
}

func (q *queueDB) ExtendLock(ctx context.Context, id, lockToken string, lockDuration time.Duration) error {
	now := q.now()
	res, err := q.ownedUpdate(id, lockToken).
		Set("locked_until = ?", now.Add(lockDuration)).
		Set("updated_at = ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrLockLost, "extending lock of queue job %s", id)
}

func (q *queueDB) CompleteJob(ctx context.Context, id, lockToken string) error {
	return RunInTx(ctx, q.db, func(tx bun.Tx) error {
		res, err := tx.NewDelete().
			Table("queue_jobs").
			Where("id = ?", id).
			Where("lock_token = ?", lockToken).
			Where("status = ?", QueueActive).
			Where("remove_on_complete").
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > NoRowsAffected {
			return err
		}

		now := q.now()
		res, err = tx.NewUpdate().
			Table("queue_jobs").
			Set("status = ?", QueueCompleted).
			Set("finished_at = ?", now).
			Set("locked_until = NULL").
			Set("lock_token = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Where("lock_token = ?", lockToken).
			Where("status = ?", QueueActive).
			Exec(ctx)
		if err != nil {
			return err
		}

		return rowsAffected(res, ErrLockLost, "completing queue job %s", id)
	})
}

func (q *queueDB) RetryJob(ctx context.Context, id, lockToken string, runAt time.Time, reason string) error {
	res, err := q.ownedUpdate(id, lockToken).
		Set("status = ?", QueueWaiting).
		Set("run_at = ?", runAt.UTC()).
		Set("error = ?", reason).
		Set("started_at = NULL").
		Set("locked_until = NULL").
		Set("lock_token = NULL").
		Set("updated_at = ?", q.now()).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrLockLost, "retrying queue job %s", id)
}

func (q *queueDB) ReleaseJob(ctx context.Context, id, lockToken string, reason string) error {
	now := q.now()
	res, err := q.ownedUpdate(id, lockToken).
		Set("status = ?", QueueWaiting).
		Set("attempts = GREATEST(attempts - 1, 0)").
		Set("run_at = ?", now).
		Set("error = ?", reason).
		Set("started_at = NULL").
		Set("locked_until = NULL").
		Set("lock_token = NULL").
		Set("updated_at = ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrLockLost, "releasing queue job %s", id)
}

func (q *queueDB) FailJob(ctx context.Context, id, lockToken string, reason string) error {
	now := q.now()
	res, err := q.ownedUpdate(id, lockToken).
		Set("status = ?", QueueFailed).
		Set("error = ?", reason).
		Set("finished_at = ?", now).
		Set("locked_until = NULL").
		Set("lock_token = NULL").
		Set("updated_at = ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrLockLost, "failing queue job %s", id)
}

func (q *queueDB) ownedUpdate(id, lockToken string) *bun.UpdateQuery {
	return q.db.NewUpdate().
		Table("queue_jobs").
		Where("id = ?", id).
		Where("lock_token = ?", lockToken).
		Where("status = ?", QueueActive)
}

func (q *queueDB) GetJob(ctx context.Context, id string) (*QueueJob, error) {
	var job QueueJob
	err := q.db.NewSelect().
		Model(&job).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (q *queueDB) RemoveJob(ctx context.Context, id string) (bool, error) {
	res, err := q.db.NewDelete().
		Table("queue_jobs").
		Where("id = ?", id).
		Where("status = ?", QueueWaiting).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > NoRowsAffected, nil
}

func (q *queueDB) ListJobs(ctx context.Context, queue string, status QueueStatus, limit int) ([]QueueJob, error) {
	if limit <= 0 {
		limit = DefaultQueueListLimit
	}

	jobs := make([]QueueJob, 0)
	query := q.db.NewSelect().
		Model(&jobs).
		Order("created_at DESC").
		Limit(limit)
	if queue != "" {
		query.Where("queue = ?", queue)
	}
	if status != "" {
		query.Where("status = ?", status)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (q *queueDB) RequeueStalledJobs(ctx context.Context, queue string, maxStalled int) ([]QueueJob, []QueueJob, error) {
	var requeued, failed []QueueJob
	err := RunInTx(ctx, q.db, func(tx bun.Tx) error {
		now := q.now()
		stalled := func() *bun.UpdateQuery {
			return tx.NewUpdate().
				Table("queue_jobs").
				Set("stalled_count = stalled_count + 1").
				Set("locked_until = NULL").
				Set("lock_token = NULL").
				Set("updated_at = ?", now).
				Where("queue = ?", queue).
				Where("status = ?", QueueActive).
				Where("locked_until < ?", now)
		}

		if err := stalled().
			Set("status = ?", QueueFailed).
			Set("error = ?", stalledErrorMessage).
			Set("finished_at = ?", now).
			Where("stalled_count + 1 > ?", maxStalled).
			Returning("*").
			Scan(ctx, &failed); err != nil {
			return err
		}

		return stalled().
			Set("status = ?", QueueWaiting).
			Set("run_at = ?", now).
			Set("started_at = NULL").
			Where("stalled_count + 1 <= ?", maxStalled).
			Returning("*").
			Scan(ctx, &requeued)
	})
	if err != nil {
		return nil, nil, err
	}

	return requeued, failed, nil
}

func (q *queueDB) DeleteFinishedJobs(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := q.db.NewDelete().
		Table("queue_jobs").
		Where("status IN (?)", bun.In([]QueueStatus{QueueCompleted, QueueFailed})).
		Where("finished_at < ?", olderThan.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rows), nil
}
