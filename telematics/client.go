// Package telematics is the adapter for the external telematics API.
//
// The API exposes a single mutable since-token for incremental pagination, a hasMoreItems flag
// that dictates pacing, and plain collection endpoints for reference data.
package telematics

import (
	"context"
	"encoding/json"
	"time"
)

//go:generate mockgen -source=client.go -destination=../mocks/mock_telematics.go -package=mocks

// Client fetches data from the telematics API. Implementations do not retry or pace requests;
// callers own that policy.
type Client interface {
	// FetchEvents returns the page of events following sinceToken.
	FetchEvents(ctx context.Context, sinceToken string) (*EventPage, error)

	// FetchEventsBetween returns every event that occurred within [from, to).
	FetchEventsBetween(ctx context.Context, from, to time.Time) ([]Event, error)

	FetchDrivers(ctx context.Context) ([]Driver, error)
	FetchVehicles(ctx context.Context) ([]Vehicle, error)
	FetchEventTypes(ctx context.Context) ([]EventType, error)
}

type EventPage struct {
	Events         []Event `json:"events"`
	NextSinceToken string  `json:"nextSinceToken"`
	HasMoreItems   bool    `json:"hasMoreItems"`
}

type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   *string  `json:"address,omitempty"`
}

type Event struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driverId,omitempty"`
	VehicleID   string    `json:"vehicleId,omitempty"`
	EventTypeID string    `json:"eventTypeId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
	Location    *Location `json:"location,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`
	Heading     *float64  `json:"heading,omitempty"`

	// Raw is the event exactly as the API returned it.
	Raw json.RawMessage `json:"-"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Event(p)
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type Driver struct {
	ID           string          `json:"id"`
	FirstName    string          `json:"firstName"`
	LastName     string          `json:"lastName"`
	EmployeeCode string          `json:"employeeCode"`
	Active       bool            `json:"active"`
	Raw          json.RawMessage `json:"-"`
}

func (d *Driver) UnmarshalJSON(data []byte) error {
	type plain Driver
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = Driver(p)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type Vehicle struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	VIN    string          `json:"vin"`
	Plate  string          `json:"plate"`
	Active bool            `json:"active"`
	Raw    json.RawMessage `json:"-"`
}

func (v *Vehicle) UnmarshalJSON(data []byte) error {
	type plain Vehicle
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = Vehicle(p)
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type EventType struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Severity string          `json:"severity"`
	Raw      json.RawMessage `json:"-"`
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	type plain EventType
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = EventType(p)
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}
