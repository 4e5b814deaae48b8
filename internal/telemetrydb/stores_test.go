package telemetrydb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/ory/dockertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/testHelper/postgres"
)

func TestCursorStore(t *testing.T) {
	pool, err := dockertest.NewPool("")
	assert.NoError(t, err)
	resource := postgres.SetUp(pool, t)

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 10, 12, 5, 0, 0, time.UTC))
	cursors := telemetrydb.NewCursorStore(resource.DB, clock)

	cursor, err := cursors.GetCursor(ctx, "event_ingestion")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	first := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cursors.SaveCursor(ctx, "event_ingestion", "20250610110000000", first))
	require.NoError(t, cursors.SaveCursor(ctx, "event_ingestion", "20250610113000000", first.Add(time.Minute)))
	require.NoError(t, cursors.SaveCursor(ctx, "other_process", "NEW", first))

	cursor, err = cursors.GetCursor(ctx, "event_ingestion")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "20250610113000000", cursor.Token)
	assert.True(t, first.Add(time.Minute).Equal(cursor.LastRunAt))
	assert.True(t, clock.Now().Equal(cursor.UpdatedAt), "updated_at comes from the store clock")

	clock.Advance(time.Hour)
	require.NoError(t, cursors.SaveCursor(ctx, "event_ingestion", "20250610120000000", first.Add(time.Hour)))
	cursor, err = cursors.GetCursor(ctx, "event_ingestion")
	require.NoError(t, err)
	assert.True(t, clock.Now().Equal(cursor.UpdatedAt))

	other, err := cursors.GetCursor(ctx, "other_process")
	require.NoError(t, err)
	assert.Equal(t, "NEW", other.Token)
}

func TestEventStore(t *testing.T) {
	pool, err := dockertest.NewPool("")
	assert.NoError(t, err)
	resource := postgres.SetUp(pool, t)
	resource.DB.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(false)))

	ctx := context.Background()
	events := telemetrydb.NewEventStore(resource.DB)
	occurredAt := time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC)

	batch := make([]telemetrydb.TelemetryEvent, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, telemetrydb.TelemetryEvent{
			ExternalID: fmt.Sprintf("evt-%d", i),
			OccurredAt: occurredAt.Add(time.Duration(i) * time.Minute),
			RawPayload: json.RawMessage(fmt.Sprintf(`{"id":"evt-%d"}`, i)),
		})
	}

	inserted, err := events.InsertEvents(ctx, batch[:3], 2)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	existing, err := events.ExistingExternalIDs(ctx, []string{"evt-0", "evt-2", "evt-4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"evt-0": {}, "evt-2": {}}, existing)

	// Overlapping batch only writes the new rows.
	inserted, err = events.InsertEvents(ctx, batch, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	var count int
	count, err = resource.DB.NewSelect().Model((*telemetrydb.TelemetryEvent)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	empty, err := events.ExistingExternalIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReferenceStore(t *testing.T) {
	pool, err := dockertest.NewPool("")
	assert.NoError(t, err)
	resource := postgres.SetUp(pool, t)

	ctx := context.Background()
	syncedAt := time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	reference := telemetrydb.NewReferenceStore(resource.DB, clockwork.NewFakeClockAt(syncedAt), 1)

	n, err := reference.UpsertDrivers(ctx, []telemetrydb.Driver{
		{ExternalID: "d1", FirstName: "Ada", Active: true, SyncedAt: syncedAt},
		{ExternalID: "d2", FirstName: "Grace", Active: true, SyncedAt: syncedAt},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = reference.UpsertDrivers(ctx, []telemetrydb.Driver{
		{ExternalID: "d1", FirstName: "Ada", LastName: "Lovelace", Active: false, SyncedAt: syncedAt.Add(24 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var driver telemetrydb.Driver
	require.NoError(t, resource.DB.NewSelect().Model(&driver).Where("external_id = ?", "d1").Scan(ctx))
	assert.Equal(t, "Lovelace", driver.LastName)
	assert.False(t, driver.Active)

	n, err = reference.UpsertVehicles(ctx, []telemetrydb.Vehicle{{ExternalID: "v1", Name: "Truck 1", SyncedAt: syncedAt}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = reference.UpsertEventTypes(ctx, []telemetrydb.EventType{{ExternalID: "harsh_brake", Name: "Harsh braking", SyncedAt: syncedAt}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = reference.UpsertEventTypes(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func newHistoricalLoadJob(start time.Time, hours int) *telemetrydb.HistoricalLoadJob {
	return &telemetrydb.HistoricalLoadJob{
		JobID:      ulid.Make().String(),
		StartDate:  start,
		EndDate:    start.Add(time.Duration(hours) * time.Hour),
		TotalHours: hours,
	}
}

func TestBackfillStore(t *testing.T) {
	pool, err := dockertest.NewPool("")
	assert.NoError(t, err)
	resource := postgres.SetUp(pool, t)

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	store := telemetrydb.NewBackfillStore(resource.DB, clock)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("single active job", func(t *testing.T) {
		job := newHistoricalLoadJob(start, 3)
		require.NoError(t, store.CreateBackfillJob(ctx, job))
		assert.Equal(t, telemetrydb.BackfillPending, job.Status)

		active, err := store.HasActiveBackfillJob(ctx)
		require.NoError(t, err)
		assert.True(t, active)

		assert.ErrorIs(t, store.CreateBackfillJob(ctx, newHistoricalLoadJob(start, 1)), telemetrydb.ErrActiveJobExists)

		require.NoError(t, store.MarkBackfillRunning(ctx, job.JobID))
		require.NoError(t, store.CancelBackfillJob(ctx, job.JobID))
		assert.ErrorIs(t, store.CancelBackfillJob(ctx, job.JobID), telemetrydb.ErrNotFound)

		// The hour that was in flight when the cancel landed is still recorded.
		require.NoError(t, store.AdvanceBackfillCheckpoint(ctx, job.JobID, start.Add(time.Hour), 1, 4))
		cancelled, err := store.GetBackfillJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, telemetrydb.BackfillCancelled, cancelled.Status)
		assert.Equal(t, 1, cancelled.HoursProcessed)
		assert.Equal(t, int64(4), cancelled.EventsProcessed)

		active, err = store.HasActiveBackfillJob(ctx)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("concurrent creates admit one job", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.CreateBackfillJob(ctx, newHistoricalLoadJob(start, 2))
			}(i)
		}
		wg.Wait()

		created := 0
		for _, err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.ErrorIs(t, err, telemetrydb.ErrActiveJobExists)
		}
		assert.Equal(t, 1, created)

		jobs, err := store.ListBackfillJobs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, store.FailBackfillJob(ctx, jobs[0].JobID, "abandoned"))

		failed, err := store.GetBackfillJob(ctx, jobs[0].JobID)
		require.NoError(t, err)
		assert.Equal(t, telemetrydb.BackfillFailed, failed.Status)
		require.NotNil(t, failed.ErrorMessage)
		assert.Equal(t, "abandoned", *failed.ErrorMessage)
	})

	t.Run("checkpoint only moves forward", func(t *testing.T) {
		job := newHistoricalLoadJob(start, 3)
		require.NoError(t, store.CreateBackfillJob(ctx, job))

		assert.ErrorIs(t, store.AdvanceBackfillCheckpoint(ctx, job.JobID, start.Add(time.Hour), 1, 10), telemetrydb.ErrNotFound,
			"pending jobs have no checkpoint")

		require.NoError(t, store.MarkBackfillRunning(ctx, job.JobID))
		running, err := store.GetBackfillJob(ctx, job.JobID)
		require.NoError(t, err)
		require.NotNil(t, running.StartedAt)
		startedAt := *running.StartedAt

		require.NoError(t, store.AdvanceBackfillCheckpoint(ctx, job.JobID, start.Add(time.Hour), 1, 10))
		require.NoError(t, store.AdvanceBackfillCheckpoint(ctx, job.JobID, start.Add(2*time.Hour), 1, 5))
		assert.ErrorIs(t, store.AdvanceBackfillCheckpoint(ctx, job.JobID, start.Add(time.Hour), 1, 99), telemetrydb.ErrNotFound)

		// Resuming keeps the original start time.
		clock.Advance(time.Hour)
		require.NoError(t, store.MarkBackfillRunning(ctx, job.JobID))

		progressed, err := store.GetBackfillJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, 2, progressed.HoursProcessed)
		assert.Equal(t, int64(15), progressed.EventsProcessed)
		assert.True(t, start.Add(2*time.Hour).Equal(progressed.Resume()))
		assert.True(t, startedAt.Equal(*progressed.StartedAt))

		require.NoError(t, store.AdvanceBackfillCheckpoint(ctx, job.JobID, start.Add(3*time.Hour), 5, 1))
		require.NoError(t, store.CompleteBackfillJob(ctx, job.JobID))

		completed, err := store.GetBackfillJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, telemetrydb.BackfillCompleted, completed.Status)
		assert.Equal(t, 3, completed.HoursProcessed, "hours are capped at the total")
		assert.NotNil(t, completed.CompletedAt)
		assert.True(t, completed.IsTerminal())
	})

	t.Run("list newest first", func(t *testing.T) {
		jobs, err := store.ListBackfillJobs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		for i := 1; i < len(jobs); i++ {
			assert.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
		}

		_, err = store.GetBackfillJob(ctx, "missing")
		assert.ErrorIs(t, err, telemetrydb.ErrNotFound)
	})
}
