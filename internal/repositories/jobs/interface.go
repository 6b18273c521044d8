// Package jobs is the durable sync-intent queue. Rows survive restarts; a
// worker claims a runnable job under a lease, and an expired lease makes the
// job claimable again.
package jobs

import (
	"context"
	"time"

	"github.com/dmitrijs2005/medvault/internal/models"
)

// EnqueueResult tells what Enqueue did with a request.
type EnqueueResult string

const (
	Created   EnqueueResult = "created"   // new queued job
	Coalesced EnqueueResult = "coalesced" // a queued job already exists
	Rerun     EnqueueResult = "rerun"     // running job flagged to run again
)

type Repository interface {
	Enqueue(ctx context.Context, kind string, now time.Time) (EnqueueResult, error)
	ClaimNext(ctx context.Context, kind, workerID string, lease time.Duration, now time.Time) (*models.SyncJob, error)
	Complete(ctx context.Context, id int64, workerID string, now time.Time) error
	Retry(ctx context.Context, id int64, workerID string, cause string, nextRunAt, now time.Time) error
	Fail(ctx context.Context, id int64, workerID string, cause string, now time.Time) error
	GetByID(ctx context.Context, id int64) (*models.SyncJob, error)
	CountOutstanding(ctx context.Context, kind string) (int, error)
}
