package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

var (
	ErrInvalidRange      = errors.New("start date must be before end date")
	ErrRangeTooLarge     = errors.New("backfill range exceeds the maximum span")
	ErrBackfillActive    = errors.New("a backfill is already pending or running")
	ErrBackfillNotFound  = errors.New("backfill not found")
	ErrBackfillFinished  = errors.New("backfill already finished")
	ErrBackfillCancelled = errors.New("backfill cancelled")
)

// JobQueue is the part of the orchestrator the backfill engine schedules its own work through.
type JobQueue interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (bool, error)
	RemoveJob(ctx context.Context, id string) (bool, error)
}

type backfillPayload struct {
	JobID string `json:"jobId"`
}

// BackfillEngine loads a bounded historical range hour by hour, independent of the live cursor.
// Progress is checkpointed after every hour so an interrupted job resumes where it stopped.
type BackfillEngine struct {
	conf     *Config
	client   telematics.Client
	jobs     telemetrydb.BackfillStore
	writer   eventWriter
	governor *PacingGovernor
	breaker  *FailureRecorder
	queue    JobQueue
	emitter  Emitter
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func NewBackfillEngine(
	conf *Config,
	client telematics.Client,
	jobs telemetrydb.BackfillStore,
	events telemetrydb.EventStore,
	governor *PacingGovernor,
	breaker *FailureRecorder,
	queue JobQueue,
	emitter Emitter,
	clock clockwork.Clock,
) *BackfillEngine {
	return &BackfillEngine{
		conf:     conf,
		client:   client,
		jobs:     jobs,
		writer:   eventWriter{events: events, chunkSize: conf.InsertChunkSize},
		governor: governor,
		breaker:  breaker,
		queue:    queue,
		emitter:  emitter,
		clock:    clock,
		logger:   conf.logger().With("component", "backfill"),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// StartBackfill validates the range, records a pending job and enqueues it.
func (e *BackfillEngine) StartBackfill(ctx context.Context, startDate, endDate time.Time) (*telemetrydb.HistoricalLoadJob, error) {
	startDate, endDate = startDate.UTC(), endDate.UTC()
	if !startDate.Before(endDate) {
		return nil, ErrInvalidRange
	}
	span := endDate.Sub(startDate)
	if span > e.conf.MaxBackfillSpan {
		return nil, fmt.Errorf("%w: %s > %s", ErrRangeTooLarge, span, e.conf.MaxBackfillSpan)
	}

	active, err := e.jobs.HasActiveBackfillJob(ctx)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrBackfillActive
	}

	job := &telemetrydb.HistoricalLoadJob{
		JobID:      ulid.Make().String(),
		StartDate:  startDate,
		EndDate:    endDate,
		TotalHours: totalHours(startDate, endDate),
	}
	if err := e.jobs.CreateBackfillJob(ctx, job); err != nil {
		if errors.Is(err, telemetrydb.ErrActiveJobExists) {
			return nil, ErrBackfillActive
		}
		return nil, err
	}

	if _, err := e.queue.Enqueue(ctx, QueueHistoricalLoad, historicalLoadJobName, backfillPayload{JobID: job.JobID}, JobOptions{
		JobID:    job.JobID,
		Attempts: 1,
	}); err != nil {
		reason := fmt.Sprintf("enqueueing backfill: %v", err)
		if failErr := e.jobs.FailBackfillJob(context.WithoutCancel(ctx), job.JobID, reason); failErr != nil {
			e.logger.Error("failed to mark unqueued backfill failed", "job_id", job.JobID, "error", failErr)
		}
		return nil, fmt.Errorf("enqueueing backfill %s: %w", job.JobID, err)
	}

	e.logger.Info("backfill started",
		"job_id", job.JobID,
		"start", startDate,
		"end", endDate,
		"total_hours", job.TotalHours,
	)

	return job, nil
}

func totalHours(startDate, endDate time.Time) int {
	span := endDate.Sub(startDate)
	return int((span + time.Hour - 1) / time.Hour)
}

// HandleQueueJob is the historical-data-load queue handler.
func (e *BackfillEngine) HandleQueueJob(ctx context.Context, job *telemetrydb.QueueJob) error {
	var payload backfillPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding backfill payload: %w", err)
	}
	if payload.JobID == "" {
		payload.JobID = job.ID
	}
	return e.Process(ctx, payload.JobID)
}

// Process runs a backfill from its checkpoint to the end of its range.
//
// Unrecoverable errors mark the job failed and are returned. A shutdown leaves the job running and
// returns ErrShuttingDown so the queue hands it out again. Cancellation ends the run quietly.
func (e *BackfillEngine) Process(ctx context.Context, jobID string) error {
	job, err := e.jobs.GetBackfillJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		e.logger.Info("backfill already finished, nothing to do", "job_id", jobID, "status", job.Status)
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.register(jobID, cancel)
	defer e.unregister(jobID)

	if err := e.jobs.MarkBackfillRunning(runCtx, jobID); err != nil {
		if errors.Is(err, telemetrydb.ErrNotFound) {
			e.logger.Info("backfill no longer active, skipping", "job_id", jobID)
			return nil
		}
		return err
	}

	checkpoint := job.Resume()
	e.logger.Info("processing backfill",
		"job_id", jobID,
		"resume_from", checkpoint,
		"end", job.EndDate,
		"hours_processed", job.HoursProcessed,
	)

	for checkpoint.Before(job.EndDate) {
		// Cancel and shutdown are observed here, between hours.
		if runCtx.Err() != nil {
			return e.interrupted(jobID, context.Cause(runCtx))
		}

		current, err := e.jobs.GetBackfillJob(runCtx, jobID)
		if err != nil {
			return e.abort(runCtx, ctx, jobID, err)
		}
		if current.Status == telemetrydb.BackfillCancelled {
			e.logger.Info("backfill cancelled, stopping", "job_id", jobID, "checkpoint", checkpoint)
			return nil
		}

		windowEnd := checkpoint.Add(time.Hour)
		if windowEnd.After(job.EndDate) {
			windowEnd = job.EndDate
		}

		res, err := e.processHour(runCtx, ctx, jobID, checkpoint, windowEnd)
		if errors.Is(err, telemetrydb.ErrNotFound) {
			e.logger.Info("backfill left running state, stopping", "job_id", jobID)
			return nil
		}
		if err != nil {
			return e.abort(runCtx, ctx, jobID, err)
		}

		e.logger.Debug("backfill hour processed",
			"job_id", jobID,
			"hour", checkpoint,
			"events_fetched", res.Fetched,
			"events_inserted", res.Inserted,
		)
		checkpoint = windowEnd
	}

	if err := e.jobs.CompleteBackfillJob(context.WithoutCancel(ctx), jobID); err != nil {
		if errors.Is(err, telemetrydb.ErrNotFound) {
			return nil
		}
		return err
	}
	e.logger.Info("backfill completed", "job_id", jobID)

	if e.emitter != nil {
		signal := Signal{Kind: SignalBackfillCompleted, JobID: jobID, At: e.clock.Now()}
		if err := e.emitter.Emit(context.WithoutCancel(ctx), signal); err != nil {
			e.logger.Error("failed to emit backfill completion", "job_id", jobID, "error", err)
		}
	}

	return nil
}

// abort decides between an interruption (cancel, shutdown) and a real failure.
func (e *BackfillEngine) abort(runCtx, ctx context.Context, jobID string, err error) error {
	if runCtx.Err() != nil {
		return e.interrupted(jobID, context.Cause(runCtx))
	}
	return e.fail(ctx, jobID, err)
}

func (e *BackfillEngine) interrupted(jobID string, cause error) error {
	if errors.Is(cause, ErrBackfillCancelled) {
		e.logger.Info("backfill cancelled", "job_id", jobID)
		return nil
	}

	e.logger.Info("backfill interrupted, will resume from checkpoint", "job_id", jobID, "cause", cause)
	if errors.Is(cause, ErrShuttingDown) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrShuttingDown, cause)
}

func (e *BackfillEngine) fail(ctx context.Context, jobID string, err error) error {
	e.logger.Error("backfill failed", "job_id", jobID, "error", err)
	if failErr := e.jobs.FailBackfillJob(context.WithoutCancel(ctx), jobID, err.Error()); failErr != nil && !errors.Is(failErr, telemetrydb.ErrNotFound) {
		e.logger.Error("failed to mark backfill failed", "job_id", jobID, "error", failErr)
	}
	return err
}

// processHour loads and checkpoints one window. Cancelling runCtx stops the pacing and breaker waits
// ahead of the fetch, but once the fetch is issued the hour runs to its checkpoint on a context that
// only the hour timeout can end.
func (e *BackfillEngine) processHour(runCtx, ctx context.Context, jobID string, from, to time.Time) (persistResult, error) {
	hourCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backfillHourTimeout)
	defer cancel()

	events, err := e.fetchWindow(runCtx, hourCtx, from, to)
	if err != nil {
		return persistResult{}, fmt.Errorf("fetching hour %s: %w", from.Format(time.RFC3339), err)
	}

	res, err := e.writer.persist(hourCtx, events)
	if err != nil {
		return persistResult{}, fmt.Errorf("storing hour %s: %w", from.Format(time.RFC3339), err)
	}

	if err := e.jobs.AdvanceBackfillCheckpoint(hourCtx, jobID, to, 1, int64(res.Fetched)); err != nil {
		return persistResult{}, fmt.Errorf("advancing checkpoint: %w", err)
	}

	return res, nil
}

// fetchWindow waits on waitCtx and calls the API on callCtx.
func (e *BackfillEngine) fetchWindow(waitCtx, callCtx context.Context, from, to time.Time) ([]telematics.Event, error) {
	attempts := max(e.conf.FetchAttempts, 1)
	token := NewSinceToken(from).String()

	var lastErr error
	hadError := false
	for attempt := 1; attempt <= attempts; attempt++ {
		if _, err := e.breaker.CheckCircuitBreaker(waitCtx); err != nil {
			return nil, err
		}
		// More hours follow, so the has-more spacing applies.
		if err := e.governor.WaitBeforeNext(waitCtx, true, hadError); err != nil {
			return nil, err
		}

		events, err := e.client.FetchEventsBetween(callCtx, from, to)
		if err == nil {
			e.breaker.RecordSuccess()
			return events, nil
		}
		// Nothing of this hour is stored yet, so a pending cancel wins over another attempt.
		if waitCtx.Err() != nil {
			return nil, context.Cause(waitCtx)
		}

		hadError = true
		lastErr = err
		e.logger.Warn("fetching backfill window failed", "from", from, "to", to, "attempt", attempt, "error", err)

		if err := e.breaker.RecordFailedToken(waitCtx, token, err); err != nil {
			return nil, err
		}
		if attempt < attempts {
			if err := e.breaker.WaitWithBackoff(waitCtx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", errFetchExhausted, attempts, lastErr)
}

// CancelBackfill removes a queued job or stops a running one at the next hour boundary.
func (e *BackfillEngine) CancelBackfill(ctx context.Context, jobID string) error {
	job, err := e.jobs.GetBackfillJob(ctx, jobID)
	if errors.Is(err, telemetrydb.ErrNotFound) {
		return ErrBackfillNotFound
	}
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrBackfillFinished
	}

	removed, err := e.queue.RemoveJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("removing queued backfill: %w", err)
	}

	if err := e.jobs.CancelBackfillJob(ctx, jobID); err != nil {
		if errors.Is(err, telemetrydb.ErrNotFound) {
			return ErrBackfillFinished
		}
		return err
	}

	signalled := e.signalCancel(jobID)
	e.logger.Info("backfill cancelled", "job_id", jobID, "removed_from_queue", removed, "stopped_running", signalled)

	return nil
}

// MarkQueueJobFailed fails the backfill behind a queue unit the orchestrator gave up on.
func (e *BackfillEngine) MarkQueueJobFailed(ctx context.Context, job *telemetrydb.QueueJob, cause error) {
	var payload backfillPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.JobID == "" {
		payload.JobID = job.ID
	}
	if err := e.jobs.FailBackfillJob(ctx, payload.JobID, cause.Error()); err != nil && !errors.Is(err, telemetrydb.ErrNotFound) {
		e.logger.Error("failed to mark stalled backfill failed", "job_id", payload.JobID, "error", err)
	}
}

func (e *BackfillEngine) BackfillStatus(ctx context.Context, jobID string) (*telemetrydb.HistoricalLoadJob, error) {
	job, err := e.jobs.GetBackfillJob(ctx, jobID)
	if errors.Is(err, telemetrydb.ErrNotFound) {
		return nil, ErrBackfillNotFound
	}
	return job, err
}

func (e *BackfillEngine) ListBackfills(ctx context.Context, limit int) ([]telemetrydb.HistoricalLoadJob, error) {
	return e.jobs.ListBackfillJobs(ctx, limit)
}

func (e *BackfillEngine) register(jobID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[jobID] = cancel
}

func (e *BackfillEngine) unregister(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, jobID)
}

func (e *BackfillEngine) signalCancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.running[jobID]
	if ok {
		cancel(ErrBackfillCancelled)
	}
	return ok
}
