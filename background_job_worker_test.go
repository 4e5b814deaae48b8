package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ JobHandler = &MockTestHandler{}
)

type MockTestHandler struct {
	name     string
	schedule string
	atomic   atomic.Int64
}

func newMockTestJobHandler(name, schedule string) *MockTestHandler {
	return &MockTestHandler{
		name:     name,
		schedule: schedule,
	}
}

func (t *MockTestHandler) PeriodicSchedule() string {
	return t.schedule
}

func (t *MockTestHandler) Name() string {
	return t.name
}

func (t *MockTestHandler) Handle(ctx context.Context) error {
	t.atomic.Add(1)
	return nil
}

func TestJobSchedulerQueueOrdersByNextRun(t *testing.T) {
	queue := NewJobSchedulerQueue()
	assert.Nil(t, queue.Peek())

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{5 * time.Minute, time.Minute, time.Hour, 30 * time.Second} {
		queue.Push(&cronJobScheduler{nextRunAt: now.Add(offset)})
	}

	require.Equal(t, 4, queue.Len())
	assert.Equal(t, now.Add(30*time.Second), queue.Peek().nextRunAt)

	var order []time.Duration
	for queue.Len() > 0 {
		order = append(order, queue.Pop().nextRunAt.Sub(now))
	}
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, time.Hour}, order)
}

func TestSimpleCronJobRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	processor := NewBackgroundJobProcessor(clock, nil)

	everySecond := newMockTestJobHandler("Cron Job_0", "* * * * * *")
	everyMinute := newMockTestJobHandler("Cron Job_1", "* * * * *")
	broken := newMockTestJobHandler("Cron Job_2", "not a crontab")
	processor.Register(everySecond)
	processor.Register(everyMinute)
	processor.Register(broken)

	processor.Start()
	t.Cleanup(processor.Close)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
		assert.Eventually(t, func() bool {
			return everySecond.atomic.Load() == int64(i+1)
		}, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, int64(0), everyMinute.atomic.Load())

	// Jump to the minute mark, both crons are due at once.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(57 * time.Second)
	assert.Eventually(t, func() bool {
		return everyMinute.atomic.Load() == 1 && everySecond.atomic.Load() == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), broken.atomic.Load())
}

func TestCronJobRegisteredTwice(t *testing.T) {
	processor := NewBackgroundJobProcessor(clockwork.NewFakeClock(), nil)
	processor.Register(newMockTestJobHandler("Clean Up Job", "5 */7 * * *"))
	processor.Register(newMockTestJobHandler("Clean Up Job", "* * * * *"))

	assert.Len(t, processor.jobMetas, 1)
	assert.Equal(t, "5 */7 * * *", processor.jobMetas[0].PeriodicSchedule())
}
