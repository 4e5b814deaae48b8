package telemetrydb

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

const DefaultInsertChunkSize = 200

type EventStore interface {
	// ExistingExternalIDs returns the subset of ids already persisted.
	ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error)

	// InsertEvents bulk inserts events in chunks within a single transaction and
	// returns the number of rows written. Rows whose external id already exists are skipped.
	InsertEvents(ctx context.Context, events []TelemetryEvent, chunkSize int) (int, error)
}

type eventStore struct {
	db *bun.DB
}

func NewEventStore(db *bun.DB) EventStore {
	return &eventStore{db: db}
}

func (e *eventStore) ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(externalIDs) == 0 {
		return existing, nil
	}

	var found []string
	err := e.db.NewSelect().
		Table("telemetry_events").
		Column("external_id").
		Where("external_id = ANY(?)", pgdialect.Array(externalIDs)).
		Scan(ctx, &found)
	if err != nil {
		return nil, err
	}

	for _, id := range found {
		existing[id] = struct{}{}
	}

	return existing, nil
}

func (e *eventStore) InsertEvents(ctx context.Context, events []TelemetryEvent, chunkSize int) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultInsertChunkSize
	}

	return RunInTxWithReturnType(ctx, e.db, func(tx bun.Tx) (int, error) {
		inserted := 0
		for start := 0; start < len(events); start += chunkSize {
			end := min(start+chunkSize, len(events))
			chunk := events[start:end]

			res, err := tx.NewInsert().
				Model(&chunk).
				ExcludeColumn("id").
				On("CONFLICT (external_id) DO NOTHING").
				Returning("NULL").
				Exec(ctx)
			if err != nil {
				return 0, err
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return 0, err
			}
			inserted += int(rows)
		}

		return inserted, nil
	})
}
