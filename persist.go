package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

type persistResult struct {
	Fetched    int
	Inserted   int
	Duplicates int
}

// eventWriter lands API events exactly once: ids already stored are filtered out before the
// chunked insert, and the unique external id constraint catches anything that slips through.
type eventWriter struct {
	events    telemetrydb.EventStore
	chunkSize int
}

func (w eventWriter) persist(ctx context.Context, events []telematics.Event) (persistResult, error) {
	result := persistResult{Fetched: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	existing, err := w.events.ExistingExternalIDs(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("checking existing events: %w", err)
	}

	// The same id can appear twice within one page.
	seen := make(map[string]struct{}, len(events))
	rows := make([]telemetrydb.TelemetryEvent, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			continue
		}
		if _, ok := existing[e.ID]; ok {
			continue
		}
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		rows = append(rows, toTelemetryEvent(e))
	}

	inserted, err := w.events.InsertEvents(ctx, rows, w.chunkSize)
	if err != nil {
		return result, fmt.Errorf("inserting %d events: %w", len(rows), err)
	}
	result.Inserted = inserted
	result.Duplicates = len(events) - inserted

	return result, nil
}

func toTelemetryEvent(e telematics.Event) telemetrydb.TelemetryEvent {
	row := telemetrydb.TelemetryEvent{
		ExternalID:          e.ID,
		DriverExternalID:    optional(e.DriverID),
		VehicleExternalID:   optional(e.VehicleID),
		EventTypeExternalID: optional(e.EventTypeID),
		OccurredAt:          e.OccurredAt.UTC(),
		Speed:               e.Speed,
		Heading:             e.Heading,
		RawPayload:          e.Raw,
	}
	if e.Location != nil {
		row.Latitude = e.Location.Latitude
		row.Longitude = e.Location.Longitude
		row.Address = e.Location.Address
	}
	if len(row.RawPayload) == 0 {
		if raw, err := json.Marshal(e); err == nil {
			row.RawPayload = raw
		}
	}

	return row
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
