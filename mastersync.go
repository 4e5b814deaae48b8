package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

type SyncStats struct {
	Drivers    int
	Vehicles   int
	EventTypes int
}

// MasterDataSync refreshes the reference tables events point at.
type MasterDataSync struct {
	client    telematics.Client
	reference telemetrydb.ReferenceStore
	clock     clockwork.Clock
	logger    *slog.Logger
}

func NewMasterDataSync(conf *Config, client telematics.Client, reference telemetrydb.ReferenceStore, clock clockwork.Clock) *MasterDataSync {
	return &MasterDataSync{
		client:    client,
		reference: reference,
		clock:     clock,
		logger:    conf.logger().With("component", "master-data-sync"),
	}
}

func (m *MasterDataSync) Run(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	start := m.clock.Now()
	syncedAt := start.UTC()

	drivers, err := m.client.FetchDrivers(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching drivers: %w", err)
	}
	if stats.Drivers, err = m.reference.UpsertDrivers(ctx, toDrivers(drivers, syncedAt)); err != nil {
		return stats, fmt.Errorf("storing drivers: %w", err)
	}

	vehicles, err := m.client.FetchVehicles(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching vehicles: %w", err)
	}
	if stats.Vehicles, err = m.reference.UpsertVehicles(ctx, toVehicles(vehicles, syncedAt)); err != nil {
		return stats, fmt.Errorf("storing vehicles: %w", err)
	}

	eventTypes, err := m.client.FetchEventTypes(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching event types: %w", err)
	}
	if stats.EventTypes, err = m.reference.UpsertEventTypes(ctx, toEventTypes(eventTypes, syncedAt)); err != nil {
		return stats, fmt.Errorf("storing event types: %w", err)
	}

	m.logger.Info("master data synced",
		"drivers", stats.Drivers,
		"vehicles", stats.Vehicles,
		"event_types", stats.EventTypes,
		"duration", m.clock.Since(start),
	)

	return stats, nil
}

func toDrivers(in []telematics.Driver, syncedAt time.Time) []telemetrydb.Driver {
	out := make([]telemetrydb.Driver, 0, len(in))
	for _, d := range in {
		if d.ID == "" {
			continue
		}
		out = append(out, telemetrydb.Driver{
			ExternalID:   d.ID,
			FirstName:    d.FirstName,
			LastName:     d.LastName,
			EmployeeCode: d.EmployeeCode,
			Active:       d.Active,
			RawPayload:   d.Raw,
			SyncedAt:     syncedAt,
		})
	}
	return out
}

func toVehicles(in []telematics.Vehicle, syncedAt time.Time) []telemetrydb.Vehicle {
	out := make([]telemetrydb.Vehicle, 0, len(in))
	for _, v := range in {
		if v.ID == "" {
			continue
		}
		out = append(out, telemetrydb.Vehicle{
			ExternalID: v.ID,
			Name:       v.Name,
			VIN:        v.VIN,
			Plate:      v.Plate,
			Active:     v.Active,
			RawPayload: v.Raw,
			SyncedAt:   syncedAt,
		})
	}
	return out
}

func toEventTypes(in []telematics.EventType, syncedAt time.Time) []telemetrydb.EventType {
	out := make([]telemetrydb.EventType, 0, len(in))
	for _, t := range in {
		if t.ID == "" {
			continue
		}
		out = append(out, telemetrydb.EventType{
			ExternalID: t.ID,
			Name:       t.Name,
			Category:   t.Category,
			Severity:   t.Severity,
			RawPayload: t.Raw,
			SyncedAt:   syncedAt,
		})
	}
	return out
}
