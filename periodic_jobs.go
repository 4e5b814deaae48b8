package ingest

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

var (
	_ JobHandler = &masterDataSyncTrigger{}
	_ JobHandler = &ingestionTrigger{}
	_ JobHandler = &cleanUpJobHandler{}
	_ JobHandler = &failureEvictionJob{}
)

type HandleFunc = func(ctx context.Context) error

type JobRegister interface {
	Register(handle JobHandler)
}

type JobHandler interface {
	JobMeta
	Handle(ctx context.Context) error
}

type JobMeta interface {
	PeriodicSchedule() string
	Name() string
}

type baseJobHandler struct {
	queue JobQueue
	conf  *Config
}

// masterDataSyncTrigger enqueues the daily reference data refresh.
type masterDataSyncTrigger struct {
	baseJobHandler
}

func newMasterDataSyncTrigger(conf *Config, queue JobQueue) *masterDataSyncTrigger {
	return &masterDataSyncTrigger{
		baseJobHandler: baseJobHandler{
			queue: queue,
			conf:  conf,
		},
	}
}

func (m *masterDataSyncTrigger) Handle(ctx context.Context) error {
	_, err := m.queue.Enqueue(ctx, QueueMasterDataSync, masterDataSyncJobName, nil, JobOptions{RemoveOnComplete: true})
	return err
}

// PeriodicSchedule Runs at 2am, outside working hours of the fleet.
func (m *masterDataSyncTrigger) PeriodicSchedule() string {
	return m.conf.MasterDataSyncSchedule
}

func (m *masterDataSyncTrigger) Name() string {
	return "Master Data Sync"
}

// ingestionTrigger enqueues the ingestion run under a fixed job id, so a run that is still waiting
// or active absorbs the trigger instead of queueing a second one behind it.
type ingestionTrigger struct {
	baseJobHandler
}

func newIngestionTrigger(conf *Config, queue JobQueue) *ingestionTrigger {
	return &ingestionTrigger{
		baseJobHandler: baseJobHandler{
			queue: queue,
			conf:  conf,
		},
	}
}

func (i *ingestionTrigger) Handle(ctx context.Context) error {
	_, err := i.queue.Enqueue(ctx, QueueEventIngestion, eventIngestionJobName, nil, JobOptions{
		JobID:            eventIngestionJobID,
		RemoveOnComplete: true,
	})
	return err
}

func (i *ingestionTrigger) PeriodicSchedule() string {
	return i.conf.IngestionSchedule
}

func (i *ingestionTrigger) Name() string {
	return "Event Ingestion"
}

type cleanUpJobHandler struct {
	conf  *Config
	db    telemetrydb.QueueMaintenanceDB
	clock clockwork.Clock
}

func newCleanUpJob(conf *Config, db telemetrydb.QueueMaintenanceDB, clock clockwork.Clock) *cleanUpJobHandler {
	return &cleanUpJobHandler{
		conf:  conf,
		db:    db,
		clock: clock,
	}
}

func (c *cleanUpJobHandler) Handle(ctx context.Context) error {
	deleted, err := c.db.DeleteFinishedJobs(ctx, c.clock.Now().Add(-c.conf.QueueRetention))
	if err != nil {
		return fmt.Errorf("deleting finished queue jobs: %w", err)
	}
	if deleted > 0 {
		c.conf.logger().Info("deleted finished queue jobs", "count", deleted, "retention", c.conf.QueueRetention)
	}
	return nil
}

// PeriodicSchedule Start little past beginning 7 hour mark to prevent scheduling oddities.
func (c *cleanUpJobHandler) PeriodicSchedule() string {
	return c.conf.QueueCleanUpSchedule
}

func (c *cleanUpJobHandler) Name() string {
	return "Clean Up Job"
}

// failureEvictionJob drops stale failure records so the in-process tables stay small.
type failureEvictionJob struct {
	conf      *Config
	recorders []*FailureRecorder
}

func newFailureEvictionJob(conf *Config, recorders ...*FailureRecorder) *failureEvictionJob {
	return &failureEvictionJob{
		conf:      conf,
		recorders: recorders,
	}
}

func (f *failureEvictionJob) Handle(ctx context.Context) error {
	evicted := 0
	for _, r := range f.recorders {
		evicted += r.EvictExpired()
	}
	if evicted > 0 {
		f.conf.logger().Debug("evicted expired failure records", "count", evicted)
	}
	return nil
}

// PeriodicSchedule Start little past beginning of every hour to prevent scheduling oddities.
func (f *failureEvictionJob) PeriodicSchedule() string {
	return "5 * * * *"
}

func (f *failureEvictionJob) Name() string {
	return "Failure Eviction"
}
