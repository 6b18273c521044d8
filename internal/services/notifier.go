package services

import (
	"context"

	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
)

// Notifier is told about sync jobs that failed for good and need the
// user's attention.
type Notifier interface {
	SyncFailed(ctx context.Context, job models.SyncJob, cause error)
}

// LogNotifier reports permanent failures to the log.
type LogNotifier struct {
	Log logging.Logger
}

func (n LogNotifier) SyncFailed(ctx context.Context, job models.SyncJob, cause error) {
	n.Log.Error(ctx, "sync job failed permanently",
		"job", job.ID, "attempts", job.Attempts+1, "error", cause)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, job models.SyncJob, cause error)

func (f NotifierFunc) SyncFailed(ctx context.Context, job models.SyncJob, cause error) {
	f(ctx, job, cause)
}
