package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"photoforge/internal/domain"
)

// batchJobRepo implements domain.BatchJobRepository.
type batchJobRepo struct {
	db DBTX
}

const batchJobColumns = `id, pipeline_id, remote_handle, status, attempts, submitted_at, updated_at`

// Create inserts a job; the partial unique index on active jobs turns a
// duplicate submission into ErrConflict.
func (r *batchJobRepo) Create(ctx context.Context, job *domain.BatchJob) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO batch_jobs (id, pipeline_id, remote_handle, status)
VALUES ($1, $2, $3, $4);
`, job.ID, job.PipelineID, job.RemoteHandle, job.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: pipeline already has an outstanding batch job", domain.ErrConflict)
		}
		return fmt.Errorf("insert batch job: %w", err)
	}
	return nil
}

// GetActiveByPipeline returns the pipeline's outstanding job, if any.
func (r *batchJobRepo) GetActiveByPipeline(ctx context.Context, pipelineID string) (*domain.BatchJob, error) {
	row := r.db.QueryRow(ctx, `
SELECT `+batchJobColumns+`
FROM batch_jobs
WHERE pipeline_id = $1 AND status IN ($2, $3);
`, pipelineID, domain.BatchJobPending, domain.BatchJobRunning)
	return scanBatchJob(row)
}

// ListOutstanding returns all pending/running jobs, oldest first, for the
// tracker sweep.
func (r *batchJobRepo) ListOutstanding(ctx context.Context) ([]domain.BatchJob, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+batchJobColumns+`
FROM batch_jobs
WHERE status IN ($1, $2)
ORDER BY submitted_at;
`, domain.BatchJobPending, domain.BatchJobRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.BatchJob
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkRunning promotes a pending job; a job already past pending is left
// alone so overlapping poll runs stay idempotent.
func (r *batchJobRepo) MarkRunning(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
UPDATE batch_jobs
SET status = $2, attempts = attempts + 1, updated_at = now()
WHERE id = $1 AND status = $3;
`, id, domain.BatchJobRunning, domain.BatchJobPending)
	return err
}

// MarkTerminal finalizes a job; only non-terminal jobs are touched.
func (r *batchJobRepo) MarkTerminal(ctx context.Context, id string, status domain.BatchJobStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal batch job status", domain.ErrInvalidArgument, status)
	}
	_, err := r.db.Exec(ctx, `
UPDATE batch_jobs
SET status = $2, updated_at = now()
WHERE id = $1 AND status IN ($3, $4);
`, id, status, domain.BatchJobPending, domain.BatchJobRunning)
	return err
}

func scanBatchJob(row pgx.Row) (*domain.BatchJob, error) {
	var job domain.BatchJob
	if err := row.Scan(
		&job.ID,
		&job.PipelineID,
		&job.RemoteHandle,
		&job.Status,
		&job.Attempts,
		&job.SubmittedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}
