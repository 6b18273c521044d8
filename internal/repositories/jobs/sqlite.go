package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/dbx"
	"github.com/dmitrijs2005/medvault/internal/models"
)

const (
	maxErrorLen     = 500
	enqueueAttempts = 5
)

const jobColumns = `id, kind, state, attempts, last_error, next_run_at, claimed_by, claim_until, rerun, created_at, updated_at`

// SQLiteRepository keeps every state change a single guarded UPDATE, so it
// is safe to share between the scheduler and the worker without a tx.
type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Enqueue is safe against concurrent enqueuers and a worker finishing the
// job in between: each step is a single guarded statement, and a lost race
// re-reads the outstanding job.
func (r *SQLiteRepository) Enqueue(ctx context.Context, kind string, now time.Time) (EnqueueResult, error) {
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		var (
			id    int64
			state string
		)
		err := r.db.QueryRowContext(ctx,
			`select id, state from sync_jobs where kind=? and state in ('queued', 'running')`, kind).Scan(&id, &state)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// sync_jobs_outstanding rejects a second outstanding row
			res, err := r.db.ExecContext(ctx, `
				INSERT OR IGNORE INTO sync_jobs (kind, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
				kind, string(models.JobQueued), now.UnixMilli(), now.UnixMilli())
			if err != nil {
				return "", fmt.Errorf("failed to insert job: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return Created, nil
			}
			continue
		case err != nil:
			return "", fmt.Errorf("failed to select outstanding job: %w", err)
		}

		if models.JobState(state) == models.JobQueued {
			return Coalesced, nil
		}

		res, err := r.db.ExecContext(ctx,
			`update sync_jobs set rerun=1, updated_at=? where id=? and state='running'`, now.UnixMilli(), id)
		if err != nil {
			return "", fmt.Errorf("failed to flag job for rerun: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return Rerun, nil
		}
	}
	return "", fmt.Errorf("enqueue %s: too much contention", kind)
}

func (r *SQLiteRepository) ClaimNext(ctx context.Context, kind, workerID string, lease time.Duration, now time.Time) (*models.SyncJob, error) {
	nowMs := now.UnixMilli()

	var id int64
	err := r.db.QueryRowContext(ctx, `
		select id from sync_jobs
		where kind = ?
		  and ((state = 'queued' and (next_run_at is null or next_run_at <= ?))
		    or (state = 'running' and claim_until < ?))
		order by id limit 1`, kind, nowMs, nowMs).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select runnable job: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		update sync_jobs
		set state = 'running', claimed_by = ?, claim_until = ?, updated_at = ?
		where id = ?
		  and ((state = 'queued' and (next_run_at is null or next_run_at <= ?))
		    or (state = 'running' and claim_until < ?))`,
		workerID, now.Add(lease).UnixMilli(), nowMs, id, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// lost the race to another worker
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

func (r *SQLiteRepository) Complete(ctx context.Context, id int64, workerID string, now time.Time) error {
	// a job flagged for rerun goes back to the queue with a clean slate
	return r.transition(ctx, id, workerID, `
		update sync_jobs
		set state = case when rerun = 1 then 'queued' else 'done' end,
		    attempts = case when rerun = 1 then 0 else attempts end,
		    next_run_at = null, claimed_by = '', claim_until = null,
		    rerun = 0, last_error = '', updated_at = ?
		where id = ? and state = 'running' and claimed_by = ?`,
		now.UnixMilli(), id, workerID)
}

func (r *SQLiteRepository) Retry(ctx context.Context, id int64, workerID string, cause string, nextRunAt, now time.Time) error {
	return r.transition(ctx, id, workerID, `
		update sync_jobs
		set state = 'queued', attempts = attempts + 1, last_error = ?,
		    next_run_at = ?, claimed_by = '', claim_until = null, rerun = 0, updated_at = ?
		where id = ? and state = 'running' and claimed_by = ?`,
		truncate(cause), nextRunAt.UnixMilli(), now.UnixMilli(), id, workerID)
}

func (r *SQLiteRepository) Fail(ctx context.Context, id int64, workerID string, cause string, now time.Time) error {
	return r.transition(ctx, id, workerID, `
		update sync_jobs
		set state = 'failed', attempts = attempts + 1, last_error = ?,
		    claimed_by = '', claim_until = null, rerun = 0, updated_at = ?
		where id = ? and state = 'running' and claimed_by = ?`,
		truncate(cause), now.UnixMilli(), id, workerID)
}

func (r *SQLiteRepository) transition(ctx context.Context, id int64, workerID string, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("job %d is not running under %s: %w", id, workerID, common.ErrorNotFound)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*models.SyncJob, error) {
	var (
		job                   models.SyncJob
		state                 string
		nextRunAt, claimUntil sql.NullInt64
		createdAt, updatedAt  int64
	)
	err := r.db.QueryRowContext(ctx, `select `+jobColumns+` from sync_jobs where id=?`, id).Scan(
		&job.ID, &job.Kind, &state, &job.Attempts, &job.LastError, &nextRunAt,
		&job.ClaimedBy, &claimUntil, &job.Rerun, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.State = models.JobState(state)
	job.NextRunAt = fromNullMillis(nextRunAt)
	job.ClaimUntil = fromNullMillis(claimUntil)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &job, nil
}

func (r *SQLiteRepository) CountOutstanding(ctx context.Context, kind string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`select count(*) from sync_jobs where kind=? and state in ('queued', 'running')`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func truncate(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
