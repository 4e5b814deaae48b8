package telemetrydb

import (
	"context"
	"crypto/sha256"

	"github.com/uptrace/bun"

	"github.com/TimKotowski/pg-telemetry-ingest/hash"
)

const (
	backfillLockKey = "historical_load_jobs"
	queueLockPrefix = "queue_jobs:"
)

// tryAdvisoryXactLock takes a transaction scoped advisory lock derived from key.
// The lock is released on commit or rollback.
func tryAdvisoryXactLock(ctx context.Context, tx bun.IDB, key string) (bool, error) {
	h := hash.NewHash(sha256.New())
	if err := h.Write([]byte(key)); err != nil {
		return false, err
	}
	lockID, err := h.LockID()
	if err != nil {
		return false, err
	}

	var locked bool
	if err := tx.NewSelect().
		ColumnExpr("pg_try_advisory_xact_lock(?)", lockID).
		Scan(ctx, &locked); err != nil {
		return false, err
	}

	return locked, nil
}
