package storage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const importJobColumns = `
	id, user_id, filename, status, mapping,
	total_rows, processed_rows, success_rows, error_rows,
	error_details, error_overflow, error_message, attempts,
	created_at, updated_at, started_at, completed_at`

// ImportJobRepository handles import job persistence.
// Status changes are guarded in SQL so terminal states are never left.
type ImportJobRepository struct {
	pool *pgxpool.Pool
}

// NewImportJobRepository creates a new import job repository
func NewImportJobRepository(pool *pgxpool.Pool) *ImportJobRepository {
	return &ImportJobRepository{pool: pool}
}

func scanImportJob(row pgx.Row) (*models.ImportJob, error) {
	var job models.ImportJob
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Filename,
		&job.Status,
		&job.Mapping,
		&job.TotalRows,
		&job.ProcessedRows,
		&job.SuccessRows,
		&job.ErrorRows,
		&job.ErrorDetails,
		&job.ErrorOverflow,
		&job.ErrorMessage,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if job.ErrorDetails == nil {
		job.ErrorDetails = []models.RowErrorDetail{}
	}
	return &job, nil
}

// Create inserts a new PENDING job
func (r *ImportJobRepository) Create(ctx context.Context, job *models.ImportJob) error {
	query := `
		INSERT INTO import_jobs (id, user_id, filename, status, mapping, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.Filename,
		types.ImportStatusPending,
		job.Mapping,
		job.CreatedAt,
	)
	if err != nil {
		return errors.NewDatabaseError("create import job", err)
	}

	job.Status = types.ImportStatusPending
	return nil
}

// GetByID returns the job or nil when it does not exist
func (r *ImportJobRepository) GetByID(ctx context.Context, jobID string) (*models.ImportJob, error) {
	query := `SELECT ` + importJobColumns + ` FROM import_jobs WHERE id = $1`

	job, err := scanImportJob(r.pool.QueryRow(ctx, query, jobID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get import job", err)
	}
	return job, nil
}

// GetForUser returns the job only when it belongs to userID
func (r *ImportJobRepository) GetForUser(ctx context.Context, jobID, userID string) (*models.ImportJob, error) {
	query := `SELECT ` + importJobColumns + ` FROM import_jobs WHERE id = $1 AND user_id = $2`

	job, err := scanImportJob(r.pool.QueryRow(ctx, query, jobID, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get import job", err)
	}
	return job, nil
}

// ListByUser returns the user's most recent jobs, newest first
func (r *ImportJobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.ImportJob, error) {
	query := `
		SELECT ` + importJobColumns + `
		FROM import_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	return r.queryJobs(ctx, "list import jobs", query, userID, limit)
}

// ListStale returns non-terminal jobs not updated since before the cutoff
func (r *ImportJobRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ImportJob, error) {
	query := `
		SELECT ` + importJobColumns + `
		FROM import_jobs
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`

	return r.queryJobs(ctx, "list stale import jobs", query, cutoff, limit)
}

func (r *ImportJobRepository) queryJobs(ctx context.Context, op, query string, args ...interface{}) ([]*models.ImportJob, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	jobs := make([]*models.ImportJob, 0)
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, errors.NewDatabaseError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError(op, err)
	}
	return jobs, nil
}

// DeleteForUser deletes the job record. Transactions it created are kept.
func (r *ImportJobRepository) DeleteForUser(ctx context.Context, jobID, userID string) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM import_jobs WHERE id = $1 AND user_id = $2`, jobID, userID)
	if err != nil {
		return false, errors.NewDatabaseError("delete import job", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkProcessing moves a PENDING or PROCESSING job to PROCESSING and counts the attempt.
// When the job is terminal or missing nothing changes and the current record (or nil) is returned.
func (r *ImportJobRepository) MarkProcessing(ctx context.Context, jobID string) (*models.ImportJob, error) {
	query := `
		UPDATE import_jobs
		SET status = 'PROCESSING',
			attempts = attempts + 1,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
		RETURNING ` + importJobColumns

	job, err := scanImportJob(r.pool.QueryRow(ctx, query, jobID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return r.GetByID(ctx, jobID)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("mark import job processing", err)
	}
	return job, nil
}

// SetTotalRows records the row count once the payload has been parsed
func (r *ImportJobRepository) SetTotalRows(ctx context.Context, jobID string, total int) error {
	query := `
		UPDATE import_jobs
		SET total_rows = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`

	if _, err := r.pool.Exec(ctx, query, jobID, total); err != nil {
		return errors.NewDatabaseError("set total rows", err)
	}
	return nil
}

// Checkpoint persists progress counters. Counters only move forward, so a
// redelivered job replaying early rows never makes progress go backwards.
func (r *ImportJobRepository) Checkpoint(ctx context.Context, jobID string, c models.ImportCounters) error {
	query := `
		UPDATE import_jobs
		SET processed_rows = GREATEST(processed_rows, $2),
			success_rows = GREATEST(success_rows, $3),
			error_rows = GREATEST(error_rows, $4),
			updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`

	if _, err := r.pool.Exec(ctx, query, jobID, c.ProcessedRows, c.SuccessRows, c.ErrorRows); err != nil {
		return errors.NewDatabaseError("checkpoint import job", err)
	}
	return nil
}

// Complete stores the exact final counters and error details and moves PROCESSING to COMPLETED.
// It reports false when the job was not PROCESSING.
func (r *ImportJobRepository) Complete(ctx context.Context, jobID string, c models.ImportCounters, details []models.RowErrorDetail, overflow int) (bool, error) {
	query := `
		UPDATE import_jobs
		SET status = 'COMPLETED',
			processed_rows = $2,
			success_rows = $3,
			error_rows = $4,
			error_details = $5,
			error_overflow = $6,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`

	if details == nil {
		details = []models.RowErrorDetail{}
	}

	result, err := r.pool.Exec(ctx, query, jobID, c.ProcessedRows, c.SuccessRows, c.ErrorRows, details, overflow)
	if err != nil {
		return false, errors.NewDatabaseError("complete import job", err)
	}
	return result.RowsAffected() > 0, nil
}

// Fail moves a non-terminal job to FAILED with a single message.
// It reports false when the job was already terminal or does not exist.
func (r *ImportJobRepository) Fail(ctx context.Context, jobID, message string) (bool, error) {
	query := `
		UPDATE import_jobs
		SET status = 'FAILED',
			error_message = $2,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
	`

	result, err := r.pool.Exec(ctx, query, jobID, message)
	if err != nil {
		return false, errors.NewDatabaseError("fail import job", err)
	}
	return result.RowsAffected() > 0, nil
}
