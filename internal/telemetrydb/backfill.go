package telemetrydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/uptrace/bun"
)

const (
	DefaultBackfillListLimit = 10
	MaxBackfillListLimit     = 100
)

type BackfillStore interface {
	// CreateBackfillJob inserts a pending job unless another job is pending or running,
	// in which case ErrActiveJobExists is returned and nothing is written.
	CreateBackfillJob(ctx context.Context, job *HistoricalLoadJob) error

	// HasActiveBackfillJob reports whether any job is pending or running.
	HasActiveBackfillJob(ctx context.Context) (bool, error)

	GetBackfillJob(ctx context.Context, jobID string) (*HistoricalLoadJob, error)

	// ListBackfillJobs returns the most recently created jobs first.
	ListBackfillJobs(ctx context.Context, limit int) ([]HistoricalLoadJob, error)

	// MarkBackfillRunning moves a pending or running job to running. started_at is only set once.
	MarkBackfillRunning(ctx context.Context, jobID string) error

	// AdvanceBackfillCheckpoint atomically moves the checkpoint forward and adds to the counters.
	// The checkpoint never moves backwards. A job cancelled while an hour was in flight still
	// records that hour.
	AdvanceBackfillCheckpoint(ctx context.Context, jobID string, checkpoint time.Time, hours int, events int64) error

	CompleteBackfillJob(ctx context.Context, jobID string) error

	FailBackfillJob(ctx context.Context, jobID string, reason string) error

	// CancelBackfillJob cancels a pending or running job, returning ErrNotFound when the job
	// does not exist or already finished.
	CancelBackfillJob(ctx context.Context, jobID string) error
}

type backfillStore struct {
	db    *bun.DB
	clock clockwork.Clock
}

func NewBackfillStore(db *bun.DB, clock clockwork.Clock) BackfillStore {
	return &backfillStore{db: db, clock: clock}
}

func (b *backfillStore) now() time.Time {
	return b.clock.Now().UTC()
}

func (b *backfillStore) CreateBackfillJob(ctx context.Context, job *HistoricalLoadJob) error {
	return RunInTx(ctx, b.db, func(tx bun.Tx) error {
		// Serializes concurrent starts so the exists check below cannot race.
		locked, err := tryAdvisoryXactLock(ctx, tx, backfillLockKey)
		if err != nil {
			return err
		}
		if !locked {
			return ErrActiveJobExists
		}

		exists, err := tx.NewSelect().
			Model((*HistoricalLoadJob)(nil)).
			Where("status IN (?)", bun.In(ActiveBackfillStatuses)).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return ErrActiveJobExists
		}

		now := b.now()
		job.Status = BackfillPending
		job.CreatedAt = now
		job.UpdatedAt = now
		_, err = tx.NewInsert().Model(job).Exec(ctx)
		return err
	})
}

func (b *backfillStore) HasActiveBackfillJob(ctx context.Context) (bool, error) {
	return b.db.NewSelect().
		Model((*HistoricalLoadJob)(nil)).
		Where("status IN (?)", bun.In(ActiveBackfillStatuses)).
		Exists(ctx)
}

func (b *backfillStore) GetBackfillJob(ctx context.Context, jobID string) (*HistoricalLoadJob, error) {
	var job HistoricalLoadJob
	err := b.db.NewSelect().
		Model(&job).
		Where("job_id = ?", jobID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("historical load job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (b *backfillStore) ListBackfillJobs(ctx context.Context, limit int) ([]HistoricalLoadJob, error) {
	if limit <= 0 {
		limit = DefaultBackfillListLimit
	}
	limit = min(limit, MaxBackfillListLimit)

	jobs := make([]HistoricalLoadJob, 0)
	err := b.db.NewSelect().
		Model(&jobs).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

func (b *backfillStore) MarkBackfillRunning(ctx context.Context, jobID string) error {
	now := b.now()
	res, err := b.db.NewUpdate().
		Model((*HistoricalLoadJob)(nil)).
		Set("status = ?", BackfillRunning).
		Set("started_at = COALESCE(started_at, ?)", now).
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("status IN (?)", bun.In(ActiveBackfillStatuses)).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrNotFound, "marking historical load job %s running", jobID)
}

func (b *backfillStore) AdvanceBackfillCheckpoint(ctx context.Context, jobID string, checkpoint time.Time, hours int, events int64) error {
	res, err := b.db.NewUpdate().
		Model((*HistoricalLoadJob)(nil)).
		Set("current_checkpoint = ?", checkpoint.UTC()).
		Set("hours_processed = LEAST(total_hours, hours_processed + ?)", hours).
		Set("events_processed = events_processed + ?", events).
		Set("updated_at = ?", b.now()).
		Where("job_id = ?", jobID).
		Where("status IN (?)", bun.In([]BackfillStatus{BackfillRunning, BackfillCancelled})).
		Where("current_checkpoint IS NULL OR current_checkpoint < ?", checkpoint.UTC()).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrNotFound, "advancing checkpoint of historical load job %s", jobID)
}

func (b *backfillStore) CompleteBackfillJob(ctx context.Context, jobID string) error {
	now := b.now()
	res, err := b.db.NewUpdate().
		Model((*HistoricalLoadJob)(nil)).
		Set("status = ?", BackfillCompleted).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("status = ?", BackfillRunning).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrNotFound, "completing historical load job %s", jobID)
}

func (b *backfillStore) FailBackfillJob(ctx context.Context, jobID string, reason string) error {
	now := b.now()
	res, err := b.db.NewUpdate().
		Model((*HistoricalLoadJob)(nil)).
		Set("status = ?", BackfillFailed).
		Set("error_message = ?", reason).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("status IN (?)", bun.In(ActiveBackfillStatuses)).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrNotFound, "failing historical load job %s", jobID)
}

func (b *backfillStore) CancelBackfillJob(ctx context.Context, jobID string) error {
	now := b.now()
	res, err := b.db.NewUpdate().
		Model((*HistoricalLoadJob)(nil)).
		Set("status = ?", BackfillCancelled).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("status IN (?)", bun.In(ActiveBackfillStatuses)).
		Exec(ctx)
	if err != nil {
		return err
	}

	return rowsAffected(res, ErrNotFound, "cancelling historical load job %s", jobID)
}
