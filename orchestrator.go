package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

var (
	ErrShuttingDown        = errors.New("shutting down")
	ErrOrchestratorRunning = errors.New("orchestrator already started")
	ErrUnknownQueue        = errors.New("unknown queue")

	errStalled = errors.New("job stalled more than allowable limit")
)

const (
	orchestratorIdle = iota
	orchestratorRunning
	orchestratorClosed
)

type QueueHandler = func(ctx context.Context, job *telemetrydb.QueueJob) error

type QueueOptions struct {
	Name    string
	Handler QueueHandler

	// Workers claiming from the queue in this process.
	Concurrency int

	LockDuration    time.Duration
	StalledInterval time.Duration
	MaxStalledCount int

	Attempts int
	// First retry delay, doubled on every further attempt. Zero retries immediately.
	Backoff time.Duration

	// Exclusive queues run at most one job at a time across all processes.
	Exclusive bool

	// Runs once a job of this queue is finally failed, by its handler or by stalling.
	OnFailed func(ctx context.Context, job *telemetrydb.QueueJob, cause error)
}

var (
	_ JobQueue = &Orchestrator{}
	_ Emitter  = &Orchestrator{}
)

// Orchestrator runs the named queues and the periodic jobs feeding them.
type Orchestrator struct {
	conf     *Config
	db       telemetrydb.QueueDB
	clock    clockwork.Clock
	logger   *slog.Logger
	periodic *BackgroundJobProcessor

	mu     sync.Mutex
	state  atomic.Uint32
	queues map[string]QueueOptions
	order  []string

	stopClaiming context.CancelFunc
	cancelJobs   context.CancelCauseFunc
	routines     sync.WaitGroup
	inflight     atomic.Int64
}

func NewOrchestrator(conf *Config, db telemetrydb.QueueDB, clock clockwork.Clock) *Orchestrator {
	logger := conf.logger().With("component", "orchestrator")
	return &Orchestrator{
		conf:     conf,
		db:       db,
		clock:    clock,
		logger:   logger,
		periodic: NewBackgroundJobProcessor(clock, conf.logger()),
		queues:   make(map[string]QueueOptions),
	}
}

func (o *Orchestrator) Register(opts QueueOptions) error {
	if opts.Name == "" {
		return errors.New("queue name cant be empty")
	}
	if opts.Handler == nil {
		return fmt.Errorf("queue %s has no handler", opts.Name)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = o.conf.LockDuration
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = o.conf.StalledInterval
	}
	if opts.MaxStalledCount <= 0 {
		opts.MaxStalledCount = o.conf.MaxStalledCount
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Load() != orchestratorIdle {
		return ErrOrchestratorRunning
	}
	if _, ok := o.queues[opts.Name]; !ok {
		o.order = append(o.order, opts.Name)
	}
	o.queues[opts.Name] = opts

	return nil
}

func (o *Orchestrator) RegisterPeriodic(handle JobHandler) {
	o.periodic.Register(handle)
}

func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.state.CompareAndSwap(orchestratorIdle, orchestratorRunning) {
		return ErrOrchestratorRunning
	}

	claimCtx, stopClaiming := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancelCause(context.Background())
	o.stopClaiming = stopClaiming
	o.cancelJobs = cancelJobs

	for _, name := range o.order {
		queue := o.queues[name]
		ack := newAcknowledgement(o.db, queue.Backoff, queue.OnFailed, o.clock, o.logger.With("queue", name))

		for i := 0; i < queue.Concurrency; i++ {
			w := newWorker(i, queue, o.db, ack, o.clock, o.conf.PollInterval, &o.inflight, o.logger)
			o.routines.Add(1)
			go func() {
				defer o.routines.Done()
				w.start(claimCtx, jobCtx)
			}()
		}

		checker := &stallChecker{queue: queue, db: o.db, clock: o.clock, logger: o.logger}
		o.routines.Add(1)
		go func() {
			defer o.routines.Done()
			checker.start(claimCtx)
		}()

		o.logger.Info("queue started", "queue", name, "concurrency", queue.Concurrency, "exclusive", queue.Exclusive)
	}

	o.periodic.Start()

	return nil
}

// Close stops the cron and the claiming loops, then cancels running jobs with ErrShuttingDown so
// they can checkpoint. Jobs still running after the grace period are abandoned to the stall checker.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.state.CompareAndSwap(orchestratorRunning, orchestratorClosed) {
		o.state.Store(orchestratorClosed)
		return nil
	}

	o.periodic.Close()
	o.stopClaiming()
	o.cancelJobs(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		o.routines.Wait()
		close(done)
	}()

	timer := o.clock.NewTimer(o.conf.ShutdownGracePeriod)
	defer timer.Stop()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-timer.Chan():
	case <-ctx.Done():
	}

	stragglers := o.inflight.Load()
	o.logger.Error("shutdown grace period elapsed with jobs still running", "jobs", stragglers)
	return fmt.Errorf("%d jobs still running after %s", stragglers, o.conf.ShutdownGracePeriod)
}

func (o *Orchestrator) queue(name string) (QueueOptions, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.queues[name]
	if !ok {
		return QueueOptions{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Enqueue adds a job to a registered queue. It returns false when opts.JobID is already waiting or active.
func (o *Orchestrator) Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (bool, error) {
	q, err := o.queue(queue)
	if err != nil {
		return false, err
	}

	job, err := newQueueJob(queue, name, payload, opts, q.Attempts, o.clock.Now())
	if err != nil {
		return false, err
	}

	added, err := o.db.Enqueue(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueueing %s on %s: %w", name, queue, err)
	}
	if !added {
		o.logger.Debug("job already queued", "queue", queue, "job_id", job.ID)
	}

	return added, nil
}

// Emit reacts to domain signals. A completed backfill refreshes the reference data it points at.
func (o *Orchestrator) Emit(ctx context.Context, signal Signal) error {
	switch signal.Kind {
	case SignalBackfillCompleted:
		_, err := o.Enqueue(ctx, QueueMasterDataSync, masterDataSyncJobName, signal, JobOptions{RemoveOnComplete: true})
		return err
	}

	o.logger.Warn("ignoring unknown signal", "kind", signal.Kind)
	return nil
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*telemetrydb.QueueJob, error) {
	return o.db.GetJob(ctx, id)
}

func (o *Orchestrator) RemoveJob(ctx context.Context, id string) (bool, error) {
	return o.db.RemoveJob(ctx, id)
}

func (o *Orchestrator) ListJobs(ctx context.Context, queue string, status telemetrydb.QueueStatus, limit int) ([]telemetrydb.QueueJob, error) {
	return o.db.ListJobs(ctx, queue, status, limit)
}
