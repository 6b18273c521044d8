package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/repositories/jobs"
)

// SyncScheduler records the intent to sync pending files.
type SyncScheduler interface {
	// EnqueueSync durably requests a sync run. Requests coalesce: there is
	// never more than one outstanding job.
	EnqueueSync(ctx context.Context) error
}

// Scheduler implements SyncScheduler on the jobs table and pokes the
// in-process worker so it does not wait for its next poll.
type Scheduler struct {
	repo jobs.Repository
	kind string
	log  logging.Logger
	now  func() time.Time
	wake chan struct{}
}

func NewSyncScheduler(repo jobs.Repository, log logging.Logger) *Scheduler {
	return &Scheduler{
		repo: repo,
		kind: common.SyncJobKind,
		log:  log,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

func (s *Scheduler) EnqueueSync(ctx context.Context) error {
	res, err := s.repo.Enqueue(ctx, s.kind, s.now())
	if err != nil {
		return fmt.Errorf("%w: enqueue sync: %w", common.ErrPersistence, err)
	}
	s.log.Debug(ctx, "sync requested", "result", string(res))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake fires after each successful EnqueueSync. Signals coalesce.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}
