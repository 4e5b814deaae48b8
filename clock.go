package ingest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// NewClock returns a Clock which delegates calls to the actual time.
// Tests swap it for clockwork.NewFakeClock.
func NewClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

// sleepContext blocks for d on clock, returning early with the context cause when ctx ends.
func sleepContext(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.Chan():
		return nil
	}
}
