package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/uptrace/bun"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/migrations"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

const (
	uninitialized = iota
	running
)

// Pipeline wires the ingestion loop, the backfill engine and the master data sync onto the
// orchestrator's queues.
type Pipeline struct {
	ctx          context.Context
	conf         *Config
	db           *bun.DB
	clock        clockwork.Clock
	state        atomic.Uint32
	orchestrator *Orchestrator
	ingestion    *IngestionLoop
	backfill     *BackfillEngine
	masterData   *MasterDataSync
}

func NewFromConfig(ctx context.Context, conf *Config, client telematics.Client) (*Pipeline, error) {
	db, err := GetDBConnection(conf)
	if err != nil {
		return nil, err
	}

	return New(ctx, conf, db, client, NewClock())
}

func New(ctx context.Context, conf *Config, db *bun.DB, client telematics.Client, clock clockwork.Clock) (*Pipeline, error) {
	logger := conf.logger()
	events := telemetrydb.NewEventStore(db)
	queueDB := telemetrydb.NewQueueDB(db, clock)
	orchestrator := NewOrchestrator(conf, queueDB, clock)

	// The ingestion loop and the backfill run on separate queues, each owns its pacing and breaker.
	ingestionBreaker := NewFailureRecorder(clock, conf.Breaker, logger.With("component", "breaker", "owner", QueueEventIngestion))
	backfillBreaker := NewFailureRecorder(clock, conf.Breaker, logger.With("component", "breaker", "owner", QueueHistoricalLoad))

	ingestion := NewIngestionLoop(
		conf,
		client,
		telemetrydb.NewCursorStore(db, clock),
		events,
		NewPacingGovernor(clock, conf.Pacing),
		ingestionBreaker,
		clock,
	)
	backfill := NewBackfillEngine(
		conf,
		client,
		telemetrydb.NewBackfillStore(db, clock),
		events,
		NewPacingGovernor(clock, conf.Pacing),
		backfillBreaker,
		orchestrator,
		orchestrator,
		clock,
	)
	masterData := NewMasterDataSync(conf, client, telemetrydb.NewReferenceStore(db, clock, conf.InsertChunkSize), clock)

	queues := []QueueOptions{
		{
			Name:     QueueMasterDataSync,
			Attempts: 3,
			Backoff:  conf.IngestionRetryBackoff,
			Handler: func(ctx context.Context, job *telemetrydb.QueueJob) error {
				_, err := masterData.Run(ctx)
				return err
			},
		},
		{
			Name:      QueueEventIngestion,
			Exclusive: true,
			Attempts:  conf.IngestionAttempts,
			Backoff:   conf.IngestionRetryBackoff,
			Handler: func(ctx context.Context, job *telemetrydb.QueueJob) error {
				return ingestion.Run(ctx)
			},
		},
		{
			Name:            QueueHistoricalLoad,
			Exclusive:       true,
			LockDuration:    conf.BackfillLockDuration,
			StalledInterval: conf.StalledInterval,
			MaxStalledCount: conf.MaxStalledCount,
			Attempts:        1,
			Handler:         backfill.HandleQueueJob,
			OnFailed:        backfill.MarkQueueJobFailed,
		},
	}
	for _, q := range queues {
		q.Concurrency = 1
		if err := orchestrator.Register(q); err != nil {
			return nil, err
		}
	}

	orchestrator.RegisterPeriodic(newMasterDataSyncTrigger(conf, orchestrator))
	orchestrator.RegisterPeriodic(newIngestionTrigger(conf, orchestrator))
	orchestrator.RegisterPeriodic(newCleanUpJob(conf, queueDB, clock))
	orchestrator.RegisterPeriodic(newFailureEvictionJob(conf, ingestionBreaker, backfillBreaker))

	return &Pipeline{
		ctx:          ctx,
		conf:         conf,
		db:           db,
		clock:        clock,
		orchestrator: orchestrator,
		ingestion:    ingestion,
		backfill:     backfill,
		masterData:   masterData,
	}, nil
}

// Init applies migrations and starts processing queues.
func (p *Pipeline) Init() error {
	if !p.state.CompareAndSwap(uninitialized, running) {
		return errors.New("initializing pipeline already occurred, and pipeline is actively running")
	}

	if err := migrations.Migrate(p.ctx, p.db, p.conf.logger()); err != nil {
		return err
	}

	return p.orchestrator.Start()
}

// Close drains the orchestrator and closes the database.
func (p *Pipeline) Close(ctx context.Context) error {
	err := p.orchestrator.Close(ctx)
	return errors.Join(err, p.db.Close())
}

func (p *Pipeline) StartBackfill(ctx context.Context, startDate, endDate time.Time) (*telemetrydb.HistoricalLoadJob, error) {
	return p.backfill.StartBackfill(ctx, startDate, endDate)
}

func (p *Pipeline) BackfillStatus(ctx context.Context, jobID string) (*telemetrydb.HistoricalLoadJob, error) {
	return p.backfill.BackfillStatus(ctx, jobID)
}

func (p *Pipeline) ListBackfills(ctx context.Context, limit int) ([]telemetrydb.HistoricalLoadJob, error) {
	return p.backfill.ListBackfills(ctx, limit)
}

func (p *Pipeline) CancelBackfill(ctx context.Context, jobID string) error {
	return p.backfill.CancelBackfill(ctx, jobID)
}

func (p *Pipeline) IngestionStatus(ctx context.Context) (*IngestionStatus, error) {
	return p.ingestion.Status(ctx)
}

// RunIngestion performs one ingestion run in the calling goroutine, outside the queues.
func (p *Pipeline) RunIngestion(ctx context.Context) error {
	return p.ingestion.Run(ctx)
}

// SyncMasterData refreshes reference data in the calling goroutine, outside the queues.
func (p *Pipeline) SyncMasterData(ctx context.Context) (SyncStats, error) {
	return p.masterData.Run(ctx)
}

func (p *Pipeline) TriggerMasterDataSync(ctx context.Context) (bool, error) {
	return p.orchestrator.Enqueue(ctx, QueueMasterDataSync, masterDataSyncJobName, nil, JobOptions{RemoveOnComplete: true})
}

// TriggerIngestion queues an ingestion run now. It returns false when one is already queued.
func (p *Pipeline) TriggerIngestion(ctx context.Context) (bool, error) {
	return p.orchestrator.Enqueue(ctx, QueueEventIngestion, eventIngestionJobName, nil, JobOptions{
		JobID:            eventIngestionJobID,
		RemoveOnComplete: true,
	})
}

func (p *Pipeline) ListQueueJobs(ctx context.Context, queue string, status telemetrydb.QueueStatus, limit int) ([]telemetrydb.QueueJob, error) {
	return p.orchestrator.ListJobs(ctx, queue, status, limit)
}

// Migrate applies pending migrations without starting the queues.
func (p *Pipeline) Migrate(ctx context.Context) error {
	return migrations.Migrate(ctx, p.db, p.conf.logger())
}
