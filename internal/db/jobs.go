package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

const jobColumns = `
	job_id, user_id, job_type, status, payload, result, error,
	retry_count, max_retries, progress, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var errRaw, progressRaw []byte

	err := row.Scan(
		&j.ID, &j.UserID, &j.Type, &j.Status, &j.Payload, &j.Result,
		&errRaw, &j.RetryCount, &j.MaxRetries, &progressRaw,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(errRaw) > 0 {
		j.Error = &models.JobError{}
		if err := json.Unmarshal(errRaw, j.Error); err != nil {
			return nil, err
		}
	}
	if len(progressRaw) > 0 {
		if err := json.Unmarshal(progressRaw, &j.Progress); err != nil {
			return nil, err
		}
	}

	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, j *models.Job) error {
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO jobs
		 (job_id, user_id, job_type, status, payload, retry_count,
		  max_retries, progress, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,0,$6,$7,NOW(),NOW())`,
		j.ID, j.UserID, j.Type, j.Status, j.Payload, j.MaxRetries, progress,
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id=$1`, jobID,
	)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &pipeline.NotFoundError{Kind: "job", ID: jobID}
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// JobFilter narrows ListJobs. Zero values mean no filter; Limit defaults to
// 20 and is capped at 100.
type JobFilter struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

func (s *Store) ListJobs(
	ctx context.Context,
	userID string,
	filter JobFilter,
) ([]models.Job, error) {

	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id=$1`
	args := []any{userID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(` AND job_type=$%d`, len(args))
	}

	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		len(args)-1, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListRetryableJobs returns the user's FAILED jobs still eligible for retry.
func (s *Store) ListRetryableJobs(ctx context.Context, userID string) ([]models.Job, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE user_id=$1
		   AND status='FAILED'
		   AND (error->>'retryable')::boolean
		   AND retry_count < max_retries
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkJobProcessing transitions PENDING or RETRY_PENDING to PROCESSING.
// Returns false when the job was not in a startable state.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs
		 SET status=$1,
		     error=NULL,
		     updated_at=NOW()
		 WHERE job_id=$2 AND status IN ('PENDING','RETRY_PENDING')`,
		models.JobProcessing, jobID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob finishes a PROCESSING job. The status guard makes completion
// idempotent: a duplicate completion of the same run is a no-op.
func (s *Store) CompleteJob(
	ctx context.Context,
	jobID string,
	result any,
	progress models.Progress,
) error {

	resultRaw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	progressRaw, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`UPDATE jobs
		 SET status=$1,
		     result=$2,
		     progress=$3,
		     completed_at=NOW(),
		     updated_at=NOW()
		 WHERE job_id=$4 AND status='PROCESSING'`,
		models.JobCompleted, resultRaw, progressRaw, jobID,
	)
	return err
}

func (s *Store) FailJob(
	ctx context.Context,
	jobID string,
	jobErr models.JobError,
	progress models.Progress,
) error {

	errRaw, err := json.Marshal(jobErr)
	if err != nil {
		return err
	}
	progressRaw, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`UPDATE jobs
		 SET status=$1,
		     error=$2,
		     progress=$3,
		     updated_at=NOW()
		 WHERE job_id=$4 AND status='PROCESSING'`,
		models.JobFailed, errRaw, progressRaw, jobID,
	)
	return err
}

// UpdateJobProgress writes the counters as absolute values, so replays of the
// same run cannot double-count.
func (s *Store) UpdateJobProgress(
	ctx context.Context,
	jobID string,
	progress models.Progress,
) error {

	progressRaw, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`UPDATE jobs
		 SET progress=$1,
		     updated_at=NOW()
		 WHERE job_id=$2 AND status='PROCESSING'`,
		progressRaw, jobID,
	)
	return err
}

// MarkJobRetry moves an eligible FAILED job to RETRY_PENDING, incrementing
// retry_count. The WHERE clause enforces the retry gate atomically.
func (s *Store) MarkJobRetry(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs
		 SET status=$1,
		     retry_count=retry_count+1,
		     updated_at=NOW()
		 WHERE job_id=$2
		   AND status='FAILED'
		   AND (error->>'retryable')::boolean
		   AND retry_count < max_retries`,
		models.JobRetryPending, jobID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// StaleJobs finds jobs stuck past the threshold: PROCESSING means the
// process died mid-run, PENDING means the runner goroutine never got to
// start it.
func (s *Store) StaleJobs(
	ctx context.Context,
	olderThan time.Duration,
) ([]models.Job, error) {

	cutoff := time.Now().Add(-olderThan)

	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status IN ('PENDING','PROCESSING') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

// RequeueStaleJob puts a stale PROCESSING job back to RETRY_PENDING without
// consuming a retry attempt when the previous run never reported an outcome.
func (s *Store) RequeueStaleJob(ctx context.Context, jobID string, before time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs
		 SET status=$1,
		     updated_at=NOW()
		 WHERE job_id=$2 AND status='PROCESSING' AND updated_at < $3`,
		models.JobRetryPending, jobID, before,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
