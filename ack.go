package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

type Acknowledgement struct {
	Status AckStatus
	Reason string
	// Hand the job back without backoff or spending the attempt.
	Immediate bool
}

type AckStatus = string

var (
	success AckStatus = "success"
	retry   AckStatus = "retry"
	failed  AckStatus = "failed"
)

var (
	Success = Acknowledgement{Status: success}
	Retry   = Acknowledgement{Status: retry}
	Failure = Acknowledgement{Status: failed}
)

func (a Acknowledgement) String() string {
	return a.Status
}

func (a Acknowledgement) WithReason(err error) Acknowledgement {
	if err != nil {
		a.Reason = err.Error()
	}
	return a
}

// acknowledgementFor maps a handler result onto the queue outcome. Shutdowns are retried without
// spending an attempt's backoff, everything else retries until attempts run out.
func acknowledgementFor(job *telemetrydb.QueueJob, err error) Acknowledgement {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrShuttingDown):
		ack := Retry.WithReason(err)
		ack.Immediate = true
		return ack
	case job.Attempts >= job.MaxAttempts:
		return Failure.WithReason(err)
	default:
		return Retry.WithReason(err)
	}
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, job *telemetrydb.QueueJob, ack Acknowledgement) error
}

type ackAcknowledgement struct {
	repository telemetrydb.QueueDB
	backoff    time.Duration
	onFailed   func(ctx context.Context, job *telemetrydb.QueueJob, cause error)
	clock      clockwork.Clock
	logger     *slog.Logger
}

func newAcknowledgement(
	repository telemetrydb.QueueDB,
	backoff time.Duration,
	onFailed func(ctx context.Context, job *telemetrydb.QueueJob, cause error),
	clock clockwork.Clock,
	logger *slog.Logger,
) Acknowledger {
	return &ackAcknowledgement{
		repository: repository,
		backoff:    backoff,
		onFailed:   onFailed,
		clock:      clock,
		logger:     logger,
	}
}

func (a *ackAcknowledgement) Acknowledge(ctx context.Context, job *telemetrydb.QueueJob, ack Acknowledgement) error {
	token := ""
	if job.LockToken != nil {
		token = *job.LockToken
	}

	switch ack.Status {
	case success:
		return a.repository.CompleteJob(ctx, job.ID, token)
	case retry:
		if ack.Immediate {
			a.logger.Info("job handed back", "job_id", job.ID, "attempt", job.Attempts, "reason", ack.Reason)
			return a.repository.ReleaseJob(ctx, job.ID, token, ack.Reason)
		}
		runAt := a.clock.Now().Add(a.retryDelay(job, ack))
		a.logger.Warn("job will be retried", "job_id", job.ID, "attempt", job.Attempts, "run_at", runAt, "reason", ack.Reason)
		return a.repository.RetryJob(ctx, job.ID, token, runAt, ack.Reason)
	case failed:
		a.logger.Error("job failed", "job_id", job.ID, "attempts", job.Attempts, "reason", ack.Reason)
		if err := a.repository.FailJob(ctx, job.ID, token, ack.Reason); err != nil {
			return err
		}
		if a.onFailed != nil {
			a.onFailed(ctx, job, errors.New(ack.Reason))
		}
		return nil
	}

	return errors.New("unknown acknowledgement " + ack.Status)
}

// retryDelay doubles the queue backoff per attempt.
func (a *ackAcknowledgement) retryDelay(job *telemetrydb.QueueJob, ack Acknowledgement) time.Duration {
	if a.backoff <= 0 || ack.Immediate || job.Attempts <= 0 {
		return 0
	}

	delay := a.backoff
	for i := 1; i < job.Attempts; i++ {
		delay *= 2
	}
	return delay
}
