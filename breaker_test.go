package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAPI = errors.New("api unavailable")

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveFailures: 5,
		Timeout:                120 * time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          30 * time.Second,
		MaxFailureRecords:      1000,
		FailureTTL:             24 * time.Hour,
		TokenMaxAge:            6 * 24 * time.Hour,
	}
}

func TestFailureRecorderOpensAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFailureRecorder(clock, testBreakerConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.RecordFailedToken(ctx, NewToken, errAPI))
		assert.False(t, f.State().IsOpen)
	}

	// The fifth failure opens the breaker and blocks for the timeout.
	done := make(chan error, 1)
	go func() {
		done <- f.RecordFailedToken(ctx, NewToken, errAPI)
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	state := f.State()
	assert.True(t, state.IsOpen)
	assert.Equal(t, 5, state.ConsecutiveFailures)
	require.NotNil(t, state.OpenedAt)

	clock.Advance(120 * time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("breaker did not release after the timeout")
	}

	records := f.FailedTokens()
	require.Len(t, records, 1)
	assert.Equal(t, NewToken, records[0].Token)
	assert.Equal(t, 5, records[0].Attempts)
	assert.Equal(t, errAPI.Error(), records[0].LastError)
}

func TestFailureRecorderSuccessResets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFailureRecorder(clock, testBreakerConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.RecordFailedToken(ctx, "20250101000000000", errAPI))
	}
	f.RecordSuccess()
	assert.Equal(t, 0, f.State().ConsecutiveFailures)

	// Four more failures stay below the threshold again.
	for i := 0; i < 4; i++ {
		require.NoError(t, f.RecordFailedToken(ctx, "20250101000000000", errAPI))
	}
	assert.False(t, f.State().IsOpen)
}

func TestCheckCircuitBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conf := testBreakerConfig()
	conf.MaxConsecutiveFailures = 1
	f := NewFailureRecorder(clock, conf, nil)

	ok, err := f.CheckCircuitBreaker(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// Open the breaker without waiting for the timeout.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.RecordFailedToken(ctx, NewToken, errAPI), context.Canceled)
	assert.True(t, f.State().IsOpen)

	t.Run("cancelled context returns false", func(t *testing.T) {
		ok, err := f.CheckCircuitBreaker(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, f.State().IsOpen)
	})

	t.Run("waits out the remaining cooldown then closes", func(t *testing.T) {
		clock.Advance(100 * time.Second)

		done := make(chan bool, 1)
		go func() {
			ok, _ := f.CheckCircuitBreaker(context.Background())
			done <- ok
		}()
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(20 * time.Second)

		select {
		case ok := <-done:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("breaker did not close after the cooldown")
		}
		assert.False(t, f.State().IsOpen)
		assert.Equal(t, 0, f.State().ConsecutiveFailures)
	})
}

func TestGenerateNextToken(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	f := NewFailureRecorder(clock, testBreakerConfig(), nil)

	assert.Equal(t, NewToken, f.GenerateNextToken(NewToken))
	assert.Equal(t, NewToken, f.GenerateNextToken("not-a-token"))
	assert.Equal(t, NewToken, f.GenerateNextToken(NewSinceToken(now.Add(-7*24*time.Hour)).String()))

	// Valid tokens move forward by exactly one second and keep their width.
	for _, age := range []time.Duration{0, time.Minute, 36 * time.Hour, 5 * 24 * time.Hour} {
		current := NewSinceToken(now.Add(-age).Add(123 * time.Millisecond))
		next := f.GenerateNextToken(current.String())

		parsed, err := ParseSinceToken(next)
		require.NoError(t, err)
		assert.Equal(t, time.Second, parsed.Time().Sub(current.Time()), age.String())
		assert.Len(t, next, tokenWidth)
	}

	recent := NewFailureRecorder(clockwork.NewFakeClockAt(time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC)), testBreakerConfig(), nil)
	assert.Equal(t, "20251001120001000", recent.GenerateNextToken("20251001120000000"))
}

func TestBackoffDelay(t *testing.T) {
	f := NewFailureRecorder(clockwork.NewFakeClock(), testBreakerConfig(), nil)

	expected := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		5:  16 * time.Second,
		6:  30 * time.Second,
		20: 30 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, f.BackoffDelay(attempt), "attempt %d", attempt)
	}
}

func TestFailureTableIsBounded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conf := testBreakerConfig()
	conf.MaxFailureRecords = 3
	conf.MaxConsecutiveFailures = 100
	f := NewFailureRecorder(clock, conf, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.RecordFailedToken(ctx, fmt.Sprintf("token-%d", i), errAPI))
		clock.Advance(time.Second)
	}

	records := f.FailedTokens()
	require.Len(t, records, 3)
	assert.Equal(t, "token-4", records[0].Token)
	assert.Equal(t, "token-2", records[2].Token)
}

func TestEvictExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFailureRecorder(clock, testBreakerConfig(), nil)
	ctx := context.Background()

	require.NoError(t, f.RecordFailedToken(ctx, "old", errAPI))
	clock.Advance(23 * time.Hour)
	require.NoError(t, f.RecordFailedToken(ctx, "fresh", errAPI))
	clock.Advance(2 * time.Hour)

	assert.Equal(t, 1, f.EvictExpired())
	records := f.FailedTokens()
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].Token)

	f.ClearFailedTokens()
	assert.Empty(t, f.FailedTokens())
}
