package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/mocks"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

type fakeReferenceStore struct {
	mu         sync.Mutex
	drivers    []telemetrydb.Driver
	vehicles   []telemetrydb.Vehicle
	eventTypes []telemetrydb.EventType
	upsertErr  error
}

func (f *fakeReferenceStore) UpsertDrivers(ctx context.Context, drivers []telemetrydb.Driver) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.drivers = append(f.drivers, drivers...)
	return len(drivers), nil
}

func (f *fakeReferenceStore) UpsertVehicles(ctx context.Context, vehicles []telemetrydb.Vehicle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles = append(f.vehicles, vehicles...)
	return len(vehicles), nil
}

func (f *fakeReferenceStore) UpsertEventTypes(ctx context.Context, eventTypes []telemetrydb.EventType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventTypes = append(f.eventTypes, eventTypes...)
	return len(eventTypes), nil
}

func TestMasterDataSync(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	store := &fakeReferenceStore{}
	now := time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	syncer := NewMasterDataSync(NewConfig(), client, store, clockwork.NewFakeClockAt(now))

	gomock.InOrder(
		client.EXPECT().FetchDrivers(gomock.Any()).Return([]telematics.Driver{
			{ID: "d1", FirstName: "Ada", LastName: "Lovelace", Active: true, Raw: json.RawMessage(`{"id":"d1"}`)},
			{ID: ""},
		}, nil),
		client.EXPECT().FetchVehicles(gomock.Any()).Return([]telematics.Vehicle{
			{ID: "v1", Name: "Truck 1", VIN: "1HGCM82633A004352"},
			{ID: "v2", Name: "Truck 2"},
		}, nil),
		client.EXPECT().FetchEventTypes(gomock.Any()).Return([]telematics.EventType{
			{ID: "harsh_brake", Name: "Harsh braking", Severity: "high"},
		}, nil),
	)

	stats, err := syncer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Drivers: 1, Vehicles: 2, EventTypes: 1}, stats)

	require.Len(t, store.drivers, 1)
	assert.Equal(t, "d1", store.drivers[0].ExternalID)
	assert.Equal(t, now, store.drivers[0].SyncedAt)
	assert.JSONEq(t, `{"id":"d1"}`, string(store.drivers[0].RawPayload))
	assert.Equal(t, "1HGCM82633A004352", store.vehicles[0].VIN)
	assert.Equal(t, "high", store.eventTypes[0].Severity)
}

func TestMasterDataSyncStopsOnFirstError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	store := &fakeReferenceStore{}
	syncer := NewMasterDataSync(NewConfig(), client, store, clockwork.NewFakeClock())

	client.EXPECT().FetchDrivers(gomock.Any()).Return([]telematics.Driver{{ID: "d1"}}, nil)
	client.EXPECT().FetchVehicles(gomock.Any()).Return(nil, errAPI)

	stats, err := syncer.Run(context.Background())
	assert.ErrorIs(t, err, errAPI)
	assert.Equal(t, 1, stats.Drivers)
	assert.Empty(t, store.eventTypes)
}

func TestMasterDataSyncStorageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	store := &fakeReferenceStore{upsertErr: errStorage}
	syncer := NewMasterDataSync(NewConfig(), client, store, clockwork.NewFakeClock())

	client.EXPECT().FetchDrivers(gomock.Any()).Return([]telematics.Driver{{ID: "d1"}}, nil)

	_, err := syncer.Run(context.Background())
	assert.ErrorIs(t, err, errStorage)
}
