package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

// In-memory stand-ins for the Postgres repositories.

type fakeCursorStore struct {
	mu      sync.Mutex
	cursors map[string]telemetrydb.Cursor
	saved   []string
	saveErr error
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cursors: make(map[string]telemetrydb.Cursor)}
}

func (f *fakeCursorStore) GetCursor(ctx context.Context, processName string) (*telemetrydb.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[processName]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeCursorStore) SaveCursor(ctx context.Context, processName, token string, lastRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.cursors[processName] = telemetrydb.Cursor{ProcessName: processName, Token: token, LastRunAt: lastRunAt, UpdatedAt: lastRunAt}
	f.saved = append(f.saved, token)
	return nil
}

func (f *fakeCursorStore) token(processName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[processName].Token
}

type fakeEventStore struct {
	mu        sync.Mutex
	events    map[string]telemetrydb.TelemetryEvent
	insertErr error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]telemetrydb.TelemetryEvent)}
}

func (f *fakeEventStore) ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[string]struct{})
	for _, id := range externalIDs {
		if _, ok := f.events[id]; ok {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}

func (f *fakeEventStore) InsertEvents(ctx context.Context, events []telemetrydb.TelemetryEvent, chunkSize int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	inserted := 0
	for _, e := range events {
		if _, ok := f.events[e.ExternalID]; ok {
			continue
		}
		f.events[e.ExternalID] = e
		inserted++
	}
	return inserted, nil
}

func (f *fakeEventStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeBackfillStore struct {
	mu   sync.Mutex
	jobs map[string]*telemetrydb.HistoricalLoadJob
	now  func() time.Time
	// Called after every checkpoint advance, used to interrupt a run at a given hour.
	onAdvance func(job telemetrydb.HistoricalLoadJob)
}

func newFakeBackfillStore(now func() time.Time) *fakeBackfillStore {
	return &fakeBackfillStore{jobs: make(map[string]*telemetrydb.HistoricalLoadJob), now: now}
}

func (f *fakeBackfillStore) CreateBackfillJob(ctx context.Context, job *telemetrydb.HistoricalLoadJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if !j.IsTerminal() {
			return telemetrydb.ErrActiveJobExists
		}
	}
	job.Status = telemetrydb.BackfillPending
	job.CreatedAt = f.now()
	job.UpdatedAt = job.CreatedAt
	stored := *job
	f.jobs[job.JobID] = &stored
	return nil
}

func (f *fakeBackfillStore) HasActiveBackfillJob(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if !j.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackfillStore) GetBackfillJob(ctx context.Context, jobID string) (*telemetrydb.HistoricalLoadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("historical load job %s: %w", jobID, telemetrydb.ErrNotFound)
	}
	out := *j
	return &out, nil
}

func (f *fakeBackfillStore) ListBackfillJobs(ctx context.Context, limit int) ([]telemetrydb.HistoricalLoadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]telemetrydb.HistoricalLoadJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBackfillStore) update(jobID string, from []telemetrydb.BackfillStatus, fn func(j *telemetrydb.HistoricalLoadJob)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return telemetrydb.ErrNotFound
	}
	for _, s := range from {
		if j.Status == s {
			fn(j)
			j.UpdatedAt = f.now()
			return nil
		}
	}
	return fmt.Errorf("historical load job %s in status %s: %w", jobID, j.Status, telemetrydb.ErrNotFound)
}

func (f *fakeBackfillStore) MarkBackfillRunning(ctx context.Context, jobID string) error {
	return f.update(jobID, telemetrydb.ActiveBackfillStatuses, func(j *telemetrydb.HistoricalLoadJob) {
		j.Status = telemetrydb.BackfillRunning
		if j.StartedAt == nil {
			now := f.now()
			j.StartedAt = &now
		}
	})
}

func (f *fakeBackfillStore) AdvanceBackfillCheckpoint(ctx context.Context, jobID string, checkpoint time.Time, hours int, events int64) error {
	var snapshot telemetrydb.HistoricalLoadJob
	err := f.update(jobID, []telemetrydb.BackfillStatus{telemetrydb.BackfillRunning, telemetrydb.BackfillCancelled}, func(j *telemetrydb.HistoricalLoadJob) {
		if j.CurrentCheckpoint != nil && !j.CurrentCheckpoint.Before(checkpoint) {
			return
		}
		j.CurrentCheckpoint = &checkpoint
		j.HoursProcessed = min(j.TotalHours, j.HoursProcessed+hours)
		j.EventsProcessed += events
		snapshot = *j
	})
	if err == nil && f.onAdvance != nil {
		f.onAdvance(snapshot)
	}
	return err
}

func (f *fakeBackfillStore) CompleteBackfillJob(ctx context.Context, jobID string) error {
	return f.update(jobID, []telemetrydb.BackfillStatus{telemetrydb.BackfillRunning}, func(j *telemetrydb.HistoricalLoadJob) {
		now := f.now()
		j.Status = telemetrydb.BackfillCompleted
		j.CompletedAt = &now
	})
}

func (f *fakeBackfillStore) FailBackfillJob(ctx context.Context, jobID string, reason string) error {
	return f.update(jobID, telemetrydb.ActiveBackfillStatuses, func(j *telemetrydb.HistoricalLoadJob) {
		now := f.now()
		j.Status = telemetrydb.BackfillFailed
		j.CompletedAt = &now
		j.ErrorMessage = &reason
	})
}

func (f *fakeBackfillStore) CancelBackfillJob(ctx context.Context, jobID string) error {
	return f.update(jobID, telemetrydb.ActiveBackfillStatuses, func(j *telemetrydb.HistoricalLoadJob) {
		now := f.now()
		j.Status = telemetrydb.BackfillCancelled
		j.CompletedAt = &now
	})
}

type enqueued struct {
	Queue   string
	Name    string
	Payload any
	Opts    JobOptions
}

type fakeJobQueue struct {
	mu         sync.Mutex
	jobs       []enqueued
	removed    []string
	enqueueErr error
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return false, f.enqueueErr
	}
	f.jobs = append(f.jobs, enqueued{Queue: queue, Name: name, Payload: payload, Opts: opts})
	return true, nil
}

func (f *fakeJobQueue) RemoveJob(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, j := range f.jobs {
		if j.Opts.JobID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			f.removed = append(f.removed, id)
			return true, nil
		}
	}
	return false, nil
}

type fakeEmitter struct {
	mu      sync.Mutex
	signals []Signal
}

func (f *fakeEmitter) Emit(ctx context.Context, signal Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signal)
	return nil
}

var errStorage = errors.New("storage unavailable")
