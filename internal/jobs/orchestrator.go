// Package jobs is the durable background-job orchestrator: submit creates a
// persisted PENDING job and returns immediately, a detached goroutine drives
// it through the PENDING -> PROCESSING -> COMPLETED/FAILED state machine, and
// failed retryable jobs can be re-run a bounded number of times.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"invoiceflow/internal/metrics"
	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

// JobStore is the slice of the store the orchestrator needs.
type JobStore interface {
	InsertJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	MarkJobProcessing(ctx context.Context, jobID string) (bool, error)
	CompleteJob(ctx context.Context, jobID string, result any, progress models.Progress) error
	FailJob(ctx context.Context, jobID string, jobErr models.JobError, progress models.Progress) error
	UpdateJobProgress(ctx context.Context, jobID string, progress models.Progress) error
	MarkJobRetry(ctx context.Context, jobID string) (bool, error)
	StaleJobs(ctx context.Context, olderThan time.Duration) ([]models.Job, error)
	RequeueStaleJob(ctx context.Context, jobID string, before time.Time) (bool, error)
}

// Handler executes one job type. It decodes the job payload, reports
// progress through the callback, and returns the result to persist.
type Handler func(ctx context.Context, job *models.Job, progress func(models.Progress)) (any, error)

type Orchestrator struct {
	store      JobStore
	log        *zap.Logger
	handlers   map[models.JobType]Handler
	maxRetries int
	runTimeout time.Duration

	// onTerminalFailure fires once a job fails with no retry left.
	onTerminalFailure func(job *models.Job)

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
}

func New(store JobStore, log *zap.Logger, maxRetries int, runTimeout time.Duration) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Orchestrator{
		store:      store,
		log:        log,
		handlers:   map[models.JobType]Handler{},
		maxRetries: maxRetries,
		runTimeout: runTimeout,
		userLocks:  map[string]*sync.Mutex{},
	}
}

// Register binds a handler to a job type. Must happen before Submit.
func (o *Orchestrator) Register(t models.JobType, h Handler) {
	o.handlers[t] = h
}

// OnTerminalFailure installs the hook invoked when a job fails permanently.
func (o *Orchestrator) OnTerminalFailure(fn func(job *models.Job)) {
	o.onTerminalFailure = fn
}

// Submit persists a PENDING job and schedules its execution without blocking
// the caller. The returned job carries the id the client polls with.
func (o *Orchestrator) Submit(
	ctx context.Context,
	userID string,
	jobType models.JobType,
	payload any,
) (*models.Job, error) {

	if _, ok := o.handlers[jobType]; !ok {
		return nil, &pipeline.ValidationError{
			Field:  "jobType",
			Reason: fmt.Sprintf("unknown job type %q", jobType),
		}
	}
	if userID == "" {
		return nil, &pipeline.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &pipeline.ValidationError{Field: "payload", Reason: err.Error()}
	}

	job := &models.Job{
		ID:         models.NewJobID(jobType, userID, time.Now()),
		UserID:     userID,
		Type:       jobType,
		Status:     models.JobPending,
		Payload:    raw,
		MaxRetries: o.maxRetries,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := o.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	o.dispatch(job)
	return job, nil
}

// Retry re-runs a FAILED job. Rejected unless the job exists, its error is
// retryable and the retry budget is not exhausted; the rejection carries no
// side effects.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Retryable() {
		return nil, &pipeline.ValidationError{
			Field:  "jobId",
			Reason: fmt.Sprintf("job %s is not retryable (status=%s, retries=%d/%d)",
				jobID, job.Status, job.RetryCount, job.MaxRetries),
		}
	}

	ok, err := o.store.MarkJobRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost a race with another retry call or a state change
		return nil, &pipeline.ValidationError{
			Field:  "jobId",
			Reason: fmt.Sprintf("job %s is no longer retryable", jobID),
		}
	}
	metrics.JobsRetried.Inc()

	refreshed, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	o.dispatch(refreshed)
	return refreshed, nil
}

// Wait blocks until all in-flight job goroutines finish. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(job *models.Job) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		o.execute(job)
	}()
}

// execute drives one job run through the state machine. All work for a user
// is serialized behind a per-user lock so concurrent fetches cannot race the
// sync watermark.
func (o *Orchestrator) execute(job *models.Job) {
	lock := o.userLock(job.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Detached from the request context: the work outlives the HTTP call
	// that submitted it. The run timeout starts here, after the user's
	// earlier jobs have drained, so queue time never eats into it.
	ctx, cancel := context.WithTimeout(context.Background(), o.runTimeout)
	defer cancel()

	started, err := o.store.MarkJobProcessing(ctx, job.ID)
	if err != nil {
		o.log.Error("failed to mark job processing",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !started {
		// Another runner already picked this job up.
		return
	}

	var progressMu sync.Mutex
	var lastProgress models.Progress
	progressFn := func(p models.Progress) {
		progressMu.Lock()
		lastProgress = p
		progressMu.Unlock()

		if err := o.store.UpdateJobProgress(ctx, job.ID, p); err != nil {
			o.log.Warn("failed to update job progress",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	handler := o.handlers[job.Type]
	result, runErr := handler(ctx, job, progressFn)

	progressMu.Lock()
	finalProgress := lastProgress
	progressMu.Unlock()

	if runErr != nil {
		o.fail(ctx, job, runErr, finalProgress)
		return
	}

	if err := o.store.CompleteJob(ctx, job.ID, result, finalProgress); err != nil {
		o.log.Error("failed to complete job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	o.log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("user_id", job.UserID),
	)
}

func (o *Orchestrator) fail(ctx context.Context, job *models.Job, runErr error, progress models.Progress) {
	jobErr := models.JobError{
		Message:   runErr.Error(),
		Retryable: pipeline.Retryable(runErr),
	}

	// The run context may already be dead; status writes use their own.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.store.FailJob(writeCtx, job.ID, jobErr, progress); err != nil {
		o.log.Error("failed to mark job failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	metrics.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	o.log.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("user_id", job.UserID),
		zap.Bool("retryable", jobErr.Retryable),
		zap.Error(runErr),
	)

	if o.onTerminalFailure == nil {
		return
	}
	if refreshed, err := o.store.GetJob(writeCtx, job.ID); err == nil && refreshed.Terminal() {
		o.onTerminalFailure(refreshed)
	}
}

func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		o.userLocks[userID] = lock
	}
	return lock
}
