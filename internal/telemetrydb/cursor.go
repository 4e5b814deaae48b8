package telemetrydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/uptrace/bun"
)

type CursorStore interface {
	// GetCursor returns the cursor for a process, or nil when the process has never run.
	GetCursor(ctx context.Context, processName string) (*Cursor, error)

	// SaveCursor upserts the since-token checkpoint for a process.
	SaveCursor(ctx context.Context, processName, token string, lastRunAt time.Time) error
}

type cursorStore struct {
	db    bun.IDB
	clock clockwork.Clock
}

func NewCursorStore(db bun.IDB, clock clockwork.Clock) CursorStore {
	return &cursorStore{db: db, clock: clock}
}

func (c *cursorStore) GetCursor(ctx context.Context, processName string) (*Cursor, error) {
	var cursor Cursor
	err := c.db.NewSelect().
		Model(&cursor).
		Where("process_name = ?", processName).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &cursor, nil
}

func (c *cursorStore) SaveCursor(ctx context.Context, processName, token string, lastRunAt time.Time) error {
	cursor := &Cursor{
		ProcessName: processName,
		Token:       token,
		LastRunAt:   lastRunAt.UTC(),
		UpdatedAt:   c.clock.Now().UTC(),
	}

	_, err := c.db.NewInsert().
		Model(cursor).
		On("CONFLICT (process_name) DO UPDATE").
		Set("token = EXCLUDED.token").
		Set("last_run_at = EXCLUDED.last_run_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}
