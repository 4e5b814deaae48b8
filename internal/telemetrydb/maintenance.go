package telemetrydb

import (
	"context"
	"time"
)

type QueueMaintenanceDB interface {
	// RequeueStalledJobs finds active jobs whose lock expired without being renewed.
	// Crashed pods and rolling deployments leave such jobs behind. Jobs still within
	// maxStalled are put back to waiting, the rest are failed so an operator can inspect them.
	RequeueStalledJobs(ctx context.Context, queue string, maxStalled int) (requeued []QueueJob, failed []QueueJob, err error)

	// DeleteFinishedJobs deletes completed and failed jobs that finished before olderThan.
	DeleteFinishedJobs(ctx context.Context, olderThan time.Time) (int, error)
}
