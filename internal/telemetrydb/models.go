package telemetrydb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

type Cursor struct {
	bun.BaseModel `bun:"table:ingestion_cursors"`

	ProcessName string    `bun:"process_name,pk"`
	Token       string    `bun:"token,notnull"`
	LastRunAt   time.Time `bun:"last_run_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

type BackfillStatus = string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
	BackfillCancelled BackfillStatus = "cancelled"
)

// ActiveBackfillStatuses are the statuses covered by the single active job invariant.
var ActiveBackfillStatuses = []BackfillStatus{BackfillPending, BackfillRunning}

type HistoricalLoadJob struct {
	bun.BaseModel `bun:"table:historical_load_jobs"`

	JobID             string         `bun:"job_id,pk"`
	StartDate         time.Time      `bun:"start_date,notnull"`
	EndDate           time.Time      `bun:"end_date,notnull"`
	Status            BackfillStatus `bun:"status,notnull"`
	CurrentCheckpoint *time.Time     `bun:"current_checkpoint"`
	TotalHours        int            `bun:"total_hours,notnull"`
	HoursProcessed    int            `bun:"hours_processed,notnull"`
	EventsProcessed   int64          `bun:"events_processed,notnull"`
	StartedAt         *time.Time     `bun:"started_at"`
	CompletedAt       *time.Time     `bun:"completed_at"`
	ErrorMessage      *string        `bun:"error_message"`
	CreatedAt         time.Time      `bun:"created_at,notnull"`
	UpdatedAt         time.Time      `bun:"updated_at,notnull"`
}

// IsTerminal reports whether the job can no longer change status.
func (j *HistoricalLoadJob) IsTerminal() bool {
	switch j.Status {
	case BackfillCompleted, BackfillFailed, BackfillCancelled:
		return true
	}
	return false
}

// Resume returns where processing continues: the checkpoint, or the start of the range.
func (j *HistoricalLoadJob) Resume() time.Time {
	if j.CurrentCheckpoint != nil {
		return *j.CurrentCheckpoint
	}
	return j.StartDate
}

type TelemetryEvent struct {
	bun.BaseModel `bun:"table:telemetry_events"`

	ID                  int64           `bun:"id,pk,autoincrement"`
	ExternalID          string          `bun:"external_id,notnull,unique"`
	DriverExternalID    *string         `bun:"driver_external_id"`
	VehicleExternalID   *string         `bun:"vehicle_external_id"`
	EventTypeExternalID *string         `bun:"event_type_external_id"`
	OccurredAt          time.Time       `bun:"occurred_at,notnull"`
	Latitude            *float64        `bun:"latitude"`
	Longitude           *float64        `bun:"longitude"`
	Speed               *float64        `bun:"speed"`
	Heading             *float64        `bun:"heading"`
	Address             *string         `bun:"address"`
	RawPayload          json.RawMessage `bun:"raw_payload,type:jsonb"`
	CreatedAt           time.Time       `bun:"created_at,notnull"`
}

type Driver struct {
	bun.BaseModel `bun:"table:drivers"`

	ExternalID   string          `bun:"external_id,pk"`
	FirstName    string          `bun:"first_name"`
	LastName     string          `bun:"last_name"`
	EmployeeCode string          `bun:"employee_code"`
	Active       bool            `bun:"active,notnull"`
	RawPayload   json.RawMessage `bun:"raw_payload,type:jsonb"`
	SyncedAt     time.Time       `bun:"synced_at,notnull"`
}

type Vehicle struct {
	bun.BaseModel `bun:"table:vehicles"`

	ExternalID string          `bun:"external_id,pk"`
	Name       string          `bun:"name"`
	VIN        string          `bun:"vin"`
	Plate      string          `bun:"plate"`
	Active     bool            `bun:"active,notnull"`
	RawPayload json.RawMessage `bun:"raw_payload,type:jsonb"`
	SyncedAt   time.Time       `bun:"synced_at,notnull"`
}

type EventType struct {
	bun.BaseModel `bun:"table:event_types"`

	ExternalID string          `bun:"external_id,pk"`
	Name       string          `bun:"name,notnull"`
	Category   string          `bun:"category"`
	Severity   string          `bun:"severity"`
	RawPayload json.RawMessage `bun:"raw_payload,type:jsonb"`
	SyncedAt   time.Time       `bun:"synced_at,notnull"`
}

type QueueStatus = string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueActive    QueueStatus = "active"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

type QueueJob struct {
	bun.BaseModel `bun:"table:queue_jobs"`

	ID               string          `bun:"id,pk"`
	Queue            string          `bun:"queue,notnull"`
	Name             string          `bun:"name,notnull"`
	Payload          json.RawMessage `bun:"payload,type:jsonb"`
	Status           QueueStatus     `bun:"status,notnull"`
	Attempts         int             `bun:"attempts,notnull"`
	MaxAttempts      int             `bun:"max_attempts,notnull"`
	StalledCount     int             `bun:"stalled_count,notnull"`
	RemoveOnComplete bool            `bun:"remove_on_complete,notnull"`
	RunAt            time.Time       `bun:"run_at,notnull"`
	LockedUntil      *time.Time      `bun:"locked_until"`
	LockToken        *string         `bun:"lock_token"`
	Error            *string         `bun:"error"`
	CreatedAt        time.Time       `bun:"created_at,notnull"`
	StartedAt        *time.Time      `bun:"started_at"`
	FinishedAt       *time.Time      `bun:"finished_at"`
	UpdatedAt        time.Time       `bun:"updated_at,notnull"`
}

func (m *QueueJob) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		now := time.Now().UTC()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
		if m.RunAt.IsZero() {
			m.RunAt = now
		}
	}
	return nil
}

func (m *HistoricalLoadJob) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		now := time.Now().UTC()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
	}
	return nil
}

func (m *TelemetryEvent) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
	}
	return nil
}
