package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/netx"
	"github.com/dmitrijs2005/medvault/internal/repositories/jobs"
	"github.com/dmitrijs2005/medvault/internal/transport"
)

// SyncWorkerConfig tunes polling, leases and backoff.
type SyncWorkerConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// SyncWorker consumes sync jobs: once the backend is reachable it claims a
// job, uploads every pending file and marks it uploaded. Consumption is
// at-least-once; re-uploading an object is harmless since keys are stable.
type SyncWorker struct {
	id       string
	cfg      SyncWorkerConfig
	jobs     jobs.Repository
	catalog  FileCatalog
	uploader transport.Uploader
	probe    netx.Probe
	notifier Notifier
	wake     <-chan struct{}
	log      logging.Logger
	now      func() time.Time
}

func NewSyncWorker(cfg SyncWorkerConfig, repo jobs.Repository, catalog FileCatalog, uploader transport.Uploader,
	probe netx.Probe, notifier Notifier, log logging.Logger) *SyncWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if probe == nil {
		probe = netx.AlwaysReachable
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}

	id := "worker-" + uuid.NewString()
	return &SyncWorker{
		id:       id,
		cfg:      cfg,
		jobs:     repo,
		catalog:  catalog,
		uploader: uploader,
		probe:    probe,
		notifier: notifier,
		log:      log.With("worker", id, "transport", uploader.Name()),
		now:      time.Now,
	}
}

// WithWake lets the worker react to new requests before the next poll.
func (w *SyncWorker) WithWake(wake <-chan struct{}) *SyncWorker {
	w.wake = wake
	return w
}

// Run polls until ctx is done. It returns nil on cancellation.
func (w *SyncWorker) Run(ctx context.Context) error {
	w.log.Info(ctx, "sync worker started", "poll", w.cfg.PollInterval.String())

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain every runnable job before sleeping again
		for {
			ran, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.log.Warn(ctx, "sync round failed", "error", err)
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.log.Info(context.Background(), "sync worker stopped")
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce processes at most one job and reports whether it claimed one.
// Nothing is claimed while the backend is unreachable.
func (w *SyncWorker) RunOnce(ctx context.Context) (bool, error) {
	if !w.probe.Reachable(ctx) {
		w.log.Debug(ctx, "backend unreachable, sync deferred")
		return false, nil
	}

	job, err := w.jobs.ClaimNext(ctx, common.SyncJobKind, w.id, w.cfg.Lease, w.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := w.log.With("job", job.ID, "attempt", job.Attempts+1)
	log.Info(ctx, "sync job claimed")

	syncErr := w.syncPending(ctx)
	if ctx.Err() != nil {
		// leave the lease to expire; the job is picked up on next start
		return true, ctx.Err()
	}

	return true, w.settle(ctx, log, *job, syncErr)
}

func (w *SyncWorker) settle(ctx context.Context, log logging.Logger, job models.SyncJob, syncErr error) error {
	now := w.now()

	switch {
	case syncErr == nil:
		log.Info(ctx, "sync job done")
		return w.jobs.Complete(ctx, job.ID, w.id, now)

	case transport.IsPermanent(syncErr) && !errors.Is(syncErr, common.ErrTransientSync):
		if err := w.jobs.Fail(ctx, job.ID, w.id, syncErr.Error(), now); err != nil {
			return err
		}
		w.notifier.SyncFailed(ctx, job, syncErr)
		return nil

	case job.Attempts+1 >= w.cfg.MaxAttempts:
		cause := fmt.Errorf("%w: giving up after %d attempts: %w", common.ErrPermanentSync, job.Attempts+1, syncErr)
		if err := w.jobs.Fail(ctx, job.ID, w.id, cause.Error(), now); err != nil {
			return err
		}
		w.notifier.SyncFailed(ctx, job, cause)
		return nil

	default:
		delay := w.Backoff(job.Attempts)
		log.Warn(ctx, "sync job will retry", "in", delay.String(), "error", syncErr)
		return w.jobs.Retry(ctx, job.ID, w.id, syncErr.Error(), now.Add(delay), now)
	}
}

// Backoff is the wait before retry number attempt+1: exponential from
// BaseBackoff, capped at MaxBackoff.
func (w *SyncWorker) Backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(w.cfg.MaxBackoff, retry.NewExponential(w.cfg.BaseBackoff))

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// syncPending uploads every pending record. Failures of single files do not
// stop the round; they are combined so the job is retried if any of them
// may still succeed.
func (w *SyncWorker) syncPending(ctx context.Context) error {
	pending, err := w.catalog.Pending(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrTransientSync, err)
	}

	var errs error
	for _, rec := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.uploadOne(ctx, rec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("file %s: %w", rec.ID, err))
			continue
		}
		if err := w.catalog.MarkUploaded(ctx, rec.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: mark %s uploaded: %w", common.ErrTransientSync, rec.ID, err))
		}
	}
	return errs
}

func (w *SyncWorker) uploadOne(ctx context.Context, rec models.FileRecord) (err error) {
	f, err := os.Open(rec.Location)
	if err != nil {
		// the ciphertext is gone, retrying will not bring it back
		return fmt.Errorf("%w: open %s: %w", common.ErrPermanentSync, rec.Location, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", common.ErrTransientSync, rec.Location, err)
	}

	err = w.uploader.Upload(ctx, transport.Object{
		Record: rec,
		Body:   f,
		Size:   st.Size(),
	})
	if err != nil && !transport.IsPermanent(err) && !errors.Is(err, common.ErrTransientSync) {
		// unclassified errors are retried
		err = fmt.Errorf("%w: %w", common.ErrTransientSync, err)
	}
	return err
}
