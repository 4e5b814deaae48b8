package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

type JobOptions struct {
	// Fixed job id. A job with the same id that is still waiting or active is not enqueued twice.
	JobID string

	// Deletes the row once the job completes.
	RemoveOnComplete bool

	// Overrides the queue's attempts when set.
	Attempts int

	// Delays the first run.
	Delay time.Duration
}

func (o JobOptions) isValid() error {
	if o.Attempts < 0 {
		return errors.New("attempts cant be negative")
	}
	if o.Delay < 0 {
		return errors.New("delay cant be negative")
	}

	return nil
}

func newQueueJob(queue, name string, payload any, opts JobOptions, attempts int, now time.Time) (*telemetrydb.QueueJob, error) {
	if len(queue) == 0 {
		return nil, errors.New("queue name cant be empty")
	}
	if len(name) == 0 {
		return nil, errors.New("job name cant be empty")
	}
	if err := opts.isValid(); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding job payload: %w", err)
		}
		raw = b
	}

	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}

	return &telemetrydb.QueueJob{
		ID:               opts.JobID,
		Queue:            queue,
		Name:             name,
		Payload:          raw,
		MaxAttempts:      max(attempts, 1),
		RemoveOnComplete: opts.RemoveOnComplete,
		RunAt:            now.Add(opts.Delay).UTC(),
	}, nil
}

type SignalKind = string

const SignalBackfillCompleted SignalKind = "backfill_completed"

// Signal is a domain event raised by a component for the orchestrator to react to.
type Signal struct {
	Kind  SignalKind `json:"kind"`
	JobID string     `json:"jobId"`
	At    time.Time  `json:"at"`
}

type Emitter interface {
	Emit(ctx context.Context, signal Signal) error
}
