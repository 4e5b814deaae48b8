package telemetrydb

import (
	"errors"
	"fmt"
)

const NoRowsAffected = 0

var (
	ErrNotFound = errors.New("record not found")

	// ErrLockLost is returned when a worker acknowledges a queue job it no longer owns,
	// typically because the stall checker requeued it after the lock expired.
	ErrLockLost = errors.New("queue job lock lost")

	// ErrActiveJobExists is returned when a backfill is created while another one is pending or running.
	ErrActiveJobExists = errors.New("a historical load job is already pending or running")
)

func rowsAffected(res interface{ RowsAffected() (int64, error) }, notFound error, format string, args ...any) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == NoRowsAffected {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), notFound)
	}
	return nil
}
