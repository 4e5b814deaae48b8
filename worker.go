package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

const ackTimeout = time.Duration(5) * time.Second

// worker is one concurrency slot of a queue. It claims a job, runs it while keeping the lock alive,
// and acknowledges the outcome.
type worker struct {
	id       int
	queue    QueueOptions
	db       telemetrydb.QueueDB
	ack      Acknowledger
	clock    clockwork.Clock
	poll     time.Duration
	inflight *atomic.Int64
	logger   *slog.Logger
}

func newWorker(id int, queue QueueOptions, db telemetrydb.QueueDB, ack Acknowledger, clock clockwork.Clock, poll time.Duration, inflight *atomic.Int64, logger *slog.Logger) *worker {
	return &worker{
		id:       id,
		queue:    queue,
		db:       db,
		ack:      ack,
		clock:    clock,
		poll:     poll,
		inflight: inflight,
		logger:   logger.With("queue", queue.Name, "worker", id),
	}
}

// start claims jobs until ctx ends. Jobs run under jobCtx so they can outlive the claiming loop
// during a graceful shutdown.
func (w *worker) start(ctx, jobCtx context.Context) {
	for {
		job, err := w.db.ClaimNext(ctx, w.queue.Name, w.queue.LockDuration, w.queue.Exclusive)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claiming job failed", "error", err)
		}
		if job != nil {
			w.process(jobCtx, job)
			continue
		}

		if err := sleepContext(ctx, w.clock, w.poll); err != nil {
			return
		}
	}
}

func (w *worker) process(parent context.Context, job *telemetrydb.QueueJob) {
	w.inflight.Add(1)
	defer w.inflight.Add(-1)

	logger := w.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempts)
	logger.Debug("job claimed")

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	stopRenewal := w.renewLock(ctx, cancel, job)
	start := w.clock.Now()
	err := w.run(ctx, job)
	stopRenewal()

	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}
	if errors.Is(err, telemetrydb.ErrLockLost) {
		logger.Warn("job lock lost while running, leaving it to its new owner", "error", err)
		return
	}

	ack := acknowledgementFor(job, err)
	ackCtx, cancelAck := context.WithTimeout(context.WithoutCancel(parent), ackTimeout)
	defer cancelAck()
	if ackErr := w.ack.Acknowledge(ackCtx, job, ack); ackErr != nil {
		logger.Error("acknowledging job failed", "ack", ack.String(), "error", ackErr)
		return
	}

	logger.Info("job finished", "ack", ack.String(), "duration", w.clock.Since(start))
}

func (w *worker) run(ctx context.Context, job *telemetrydb.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()

	return w.queue.Handler(ctx, job)
}

// renewLock extends the job lock every half lock duration. Losing the lock cancels the job.
func (w *worker) renewLock(ctx context.Context, cancel context.CancelCauseFunc, job *telemetrydb.QueueJob) func() {
	interval := w.queue.LockDuration / 2
	if interval <= 0 || job.LockToken == nil {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := w.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}

			err := w.db.ExtendLock(context.WithoutCancel(ctx), job.ID, *job.LockToken, w.queue.LockDuration)
			if errors.Is(err, telemetrydb.ErrLockLost) {
				cancel(err)
				return
			}
			if err != nil {
				w.logger.Warn("extending job lock failed", "job_id", job.ID, "error", err)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// stallChecker requeues jobs of one queue whose lock expired without being renewed.
type stallChecker struct {
	queue  QueueOptions
	db     telemetrydb.QueueDB
	clock  clockwork.Clock
	logger *slog.Logger
}

func (s *stallChecker) start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.queue.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		s.check(ctx)
	}
}

func (s *stallChecker) check(ctx context.Context) {
	requeued, failedJobs, err := s.db.RequeueStalledJobs(ctx, s.queue.Name, s.queue.MaxStalledCount)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("checking stalled jobs failed", "queue", s.queue.Name, "error", err)
		}
		return
	}

	for _, job := range requeued {
		s.logger.Warn("stalled job requeued", "queue", s.queue.Name, "job_id", job.ID, "stalled_count", job.StalledCount)
	}
	for i := range failedJobs {
		job := &failedJobs[i]
		s.logger.Error("stalled job failed", "queue", s.queue.Name, "job_id", job.ID, "stalled_count", job.StalledCount)
		if s.queue.OnFailed != nil {
			s.queue.OnFailed(ctx, job, errStalled)
		}
	}
}
