package telemetrydb

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/uptrace/bun"
)

// ReferenceStore keeps the master data collections (drivers, vehicles, event types) in sync.
type ReferenceStore interface {
	UpsertDrivers(ctx context.Context, drivers []Driver) (int, error)
	UpsertVehicles(ctx context.Context, vehicles []Vehicle) (int, error)
	UpsertEventTypes(ctx context.Context, eventTypes []EventType) (int, error)
}

type referenceStore struct {
	db        *bun.DB
	clock     clockwork.Clock
	chunkSize int
}

func NewReferenceStore(db *bun.DB, clock clockwork.Clock, chunkSize int) ReferenceStore {
	if chunkSize <= 0 {
		chunkSize = DefaultInsertChunkSize
	}
	return &referenceStore{db: db, clock: clock, chunkSize: chunkSize}
}

func (r *referenceStore) UpsertDrivers(ctx context.Context, drivers []Driver) (int, error) {
	now := r.clock.Now().UTC()
	for i := range drivers {
		drivers[i].SyncedAt = now
	}

	return upsertChunked(ctx, r.db, drivers, r.chunkSize, func(q *bun.InsertQuery) *bun.InsertQuery {
		return q.
			Set("first_name = EXCLUDED.first_name").
			Set("last_name = EXCLUDED.last_name").
			Set("employee_code = EXCLUDED.employee_code").
			Set("active = EXCLUDED.active").
			Set("raw_payload = EXCLUDED.raw_payload").
			Set("synced_at = EXCLUDED.synced_at")
	})
}

func (r *referenceStore) UpsertVehicles(ctx context.Context, vehicles []Vehicle) (int, error) {
	now := r.clock.Now().UTC()
	for i := range vehicles {
		vehicles[i].SyncedAt = now
	}

	return upsertChunked(ctx, r.db, vehicles, r.chunkSize, func(q *bun.InsertQuery) *bun.InsertQuery {
		return q.
			Set("name = EXCLUDED.name").
			Set("vin = EXCLUDED.vin").
			Set("plate = EXCLUDED.plate").
			Set("active = EXCLUDED.active").
			Set("raw_payload = EXCLUDED.raw_payload").
			Set("synced_at = EXCLUDED.synced_at")
	})
}

func (r *referenceStore) UpsertEventTypes(ctx context.Context, eventTypes []EventType) (int, error) {
	now := r.clock.Now().UTC()
	for i := range eventTypes {
		eventTypes[i].SyncedAt = now
	}

	return upsertChunked(ctx, r.db, eventTypes, r.chunkSize, func(q *bun.InsertQuery) *bun.InsertQuery {
		return q.
			Set("name = EXCLUDED.name").
			Set("category = EXCLUDED.category").
			Set("severity = EXCLUDED.severity").
			Set("raw_payload = EXCLUDED.raw_payload").
			Set("synced_at = EXCLUDED.synced_at")
	})
}

func upsertChunked[T any](ctx context.Context, db *bun.DB, rows []T, chunkSize int, set func(q *bun.InsertQuery) *bun.InsertQuery) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	return RunInTxWithReturnType(ctx, db, func(tx bun.Tx) (int, error) {
		upserted := 0
		for start := 0; start < len(rows); start += chunkSize {
			end := min(start+chunkSize, len(rows))
			chunk := rows[start:end]

			q := tx.NewInsert().
				Model(&chunk).
				On("CONFLICT (external_id) DO UPDATE")
			res, err := set(q).Exec(ctx)
			if err != nil {
				return 0, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, err
			}
			upserted += int(n)
		}

		return upserted, nil
	})
}
