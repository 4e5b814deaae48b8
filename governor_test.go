package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacing() PacingConfig {
	return PacingConfig{
		HasMoreDelay:   3 * time.Second,
		DrainedDelay:   30 * time.Second,
		ErrorBaseDelay: time.Second,
		ErrorMaxDelay:  60 * time.Second,
	}
}

func TestPacingGovernorSpacing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewPacingGovernor(clock, testPacing())

	t.Run("first call does not wait", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), g.nextWait(true, false))
		require.NoError(t, g.WaitBeforeNext(context.Background(), true, false))
		assert.Equal(t, clock.Now(), g.LastRequestTime())
	})

	t.Run("has more items spaces calls by 3s", func(t *testing.T) {
		assert.Equal(t, 3*time.Second, g.nextWait(true, false))
	})

	t.Run("drained spaces calls by 30s", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, g.nextWait(false, false))
	})

	t.Run("elapsed time counts towards the spacing", func(t *testing.T) {
		clock.Advance(10 * time.Second)
		assert.Equal(t, 20*time.Second, g.nextWait(false, false))
		assert.LessOrEqual(t, g.nextWait(true, false), time.Duration(0))
	})
}

func TestPacingGovernorErrorBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewPacingGovernor(clock, testPacing())

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, g.nextWait(false, true), "error %d", i)
	}
	assert.Equal(t, len(expected), g.ConsecutiveErrors())

	// A success resets the error count.
	g.nextWait(true, false)
	assert.Equal(t, 0, g.ConsecutiveErrors())
	assert.Equal(t, time.Second, g.nextWait(false, true))
}

func TestPacingGovernorBlocksUntilSpacingElapsed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewPacingGovernor(clock, testPacing())
	ctx := context.Background()

	require.NoError(t, g.WaitBeforeNext(ctx, true, false))

	done := make(chan error, 1)
	go func() {
		done <- g.WaitBeforeNext(ctx, true, false)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)
	select {
	case <-done:
		t.Fatal("governor returned before the spacing elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("governor did not return after the spacing elapsed")
	}
}

func TestPacingGovernorCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewPacingGovernor(clock, testPacing())
	ctx, cancel := context.WithCancelCause(context.Background())

	require.NoError(t, g.WaitBeforeNext(ctx, false, false))

	done := make(chan error, 1)
	go func() {
		done <- g.WaitBeforeNext(ctx, false, false)
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel(ErrShuttingDown)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("governor ignored cancellation")
	}
}
