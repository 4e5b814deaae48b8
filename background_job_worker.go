package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

const (
	cronJobExecutors = 3
	cronJobTimeout   = time.Duration(30) * time.Second
)

// Standard five field crontabs, with an optional leading seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type JobScheduler interface {
	Start()
	Close()
}

var (
	_ JobRegister  = &BackgroundJobProcessor{}
	_ JobScheduler = &BackgroundJobProcessor{}
)

// BackgroundJobProcessor runs periodic jobs on their crontab schedules.
type BackgroundJobProcessor struct {
	registeredJobs map[string]HandleFunc
	jobMetas       []JobMeta
	jobsChan       chan string
	clock          clockwork.Clock
	logger         *slog.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	routines sync.WaitGroup
}

type cronJobScheduler struct {
	meta      JobMeta
	schedule  cron.Schedule
	nextRunAt time.Time
}

func NewBackgroundJobProcessor(clock clockwork.Clock, logger *slog.Logger) *BackgroundJobProcessor {
	if logger == nil {
		logger = slog.Default()
	}

	return &BackgroundJobProcessor{
		registeredJobs: make(map[string]HandleFunc),
		clock:          clock,
		logger:         logger.With("component", "cron"),
		jobMetas:       make([]JobMeta, 0),
		jobsChan:       make(chan string),
	}
}

func (b *BackgroundJobProcessor) Register(handle JobHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.registeredJobs[handle.Name()]; ok {
		b.logger.Warn("periodic job registered twice, keeping the first", "job", handle.Name())
		return
	}
	b.registeredJobs[handle.Name()] = handle.Handle
	b.jobMetas = append(b.jobMetas, handle)
}

func (b *BackgroundJobProcessor) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	queue := b.schedule()

	b.routines.Add(1 + cronJobExecutors)
	go func() {
		defer b.routines.Done()
		b.cronJobOrchestrator(ctx, queue)
	}()
	for j := 0; j < cronJobExecutors; j++ {
		go func() {
			defer b.routines.Done()
			b.cronJobExecutor(ctx)
		}()
	}
}

// Close stops scheduling and waits for running periodic jobs to return.
func (b *BackgroundJobProcessor) Close() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	b.routines.Wait()
}

func (b *BackgroundJobProcessor) schedule() JobSchedulerQueue[cronJobScheduler] {
	queue := NewJobSchedulerQueue()
	now := b.clock.Now()
	for _, j := range b.jobMetas {
		schedule, err := cronParser.Parse(j.PeriodicSchedule())
		if err != nil {
			b.logger.Error("unable to parse crontab schedule", "job", j.Name(), "schedule", j.PeriodicSchedule(), "error", err)
			continue
		}
		queue.Push(&cronJobScheduler{
			meta:      j,
			schedule:  schedule,
			nextRunAt: schedule.Next(now),
		})
	}

	return queue
}

func (b *BackgroundJobProcessor) cronJobOrchestrator(ctx context.Context, queue JobSchedulerQueue[cronJobScheduler]) {
	if queue.Len() == 0 {
		return
	}

	for {
		next := queue.Peek()
		// A negative duration means the cron is already overdue, fire right away.
		dur := max(next.nextRunAt.Sub(b.clock.Now()), 0)
		if err := sleepContext(ctx, b.clock, dur); err != nil {
			return
		}

		// More than one cron can be due at once, frequent jobs eventually line up with the longer ones.
		now := b.clock.Now()
		for queue.Len() > 0 && !queue.Peek().nextRunAt.After(now) {
			readyJob := queue.Pop()
			readyJob.nextRunAt = readyJob.schedule.Next(now)
			queue.Push(readyJob)

			select {
			case <-ctx.Done():
				return
			case b.jobsChan <- readyJob.meta.Name():
			}
		}
	}
}

func (b *BackgroundJobProcessor) cronJobExecutor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cronName := <-b.jobsChan:
			b.execute(ctx, cronName)
		}
	}
}

func (b *BackgroundJobProcessor) execute(ctx context.Context, cronName string) {
	b.mu.Lock()
	handler, ok := b.registeredJobs[cronName]
	b.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cronJobTimeout)
	defer cancel()

	if err := handler(ctx); err != nil {
		b.logger.Error("periodic job failed", "job", cronName, "error", err)
		return
	}
	b.logger.Debug("periodic job ran", "job", cronName)
}
