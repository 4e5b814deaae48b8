package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// PacingGovernor enforces the spacing the telematics API mandates between calls and backs off
// exponentially after errors. One governor belongs to one API consumer; waiting blocks only the caller.
type PacingGovernor struct {
	mu                sync.Mutex
	clock             clockwork.Clock
	conf              PacingConfig
	lastRequestTime   time.Time
	consecutiveErrors int
}

func NewPacingGovernor(clock clockwork.Clock, conf PacingConfig) *PacingGovernor {
	return &PacingGovernor{
		clock: clock,
		conf:  conf,
	}
}

// WaitBeforeNext sleeps until the next call is allowed, given the outcome of the previous one.
//
// After an error the wait is min(2^consecutiveErrors * ErrorBaseDelay, ErrorMaxDelay).
// After a success the next call starts at least HasMoreDelay (more items) or DrainedDelay
// (drained) after the previous one; time already elapsed counts towards it.
func (g *PacingGovernor) WaitBeforeNext(ctx context.Context, hasMoreItems, hadError bool) error {
	wait := g.nextWait(hasMoreItems, hadError)
	if err := sleepContext(ctx, g.clock, wait); err != nil {
		return err
	}

	g.mu.Lock()
	g.lastRequestTime = g.clock.Now()
	g.mu.Unlock()

	return nil
}

func (g *PacingGovernor) nextWait(hasMoreItems, hadError bool) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if hadError {
		wait := g.errorDelay(g.consecutiveErrors)
		g.consecutiveErrors++
		return wait
	}

	g.consecutiveErrors = 0
	spacing := g.conf.DrainedDelay
	if hasMoreItems {
		spacing = g.conf.HasMoreDelay
	}
	if g.lastRequestTime.IsZero() {
		return 0
	}

	return spacing - g.clock.Since(g.lastRequestTime)
}

func (g *PacingGovernor) errorDelay(consecutiveErrors int) time.Duration {
	wait := g.conf.ErrorBaseDelay
	for i := 0; i < consecutiveErrors; i++ {
		wait *= 2
		if wait >= g.conf.ErrorMaxDelay {
			return g.conf.ErrorMaxDelay
		}
	}
	return min(wait, g.conf.ErrorMaxDelay)
}

func (g *PacingGovernor) ConsecutiveErrors() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveErrors
}

func (g *PacingGovernor) LastRequestTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRequestTime
}
